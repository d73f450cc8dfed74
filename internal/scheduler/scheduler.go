// Package scheduler ticks the drip processor. The send_at on an item is
// a due date, not a wake-up event, so all the loop does is invoke a pass
// on an interval, plus early whenever a confirmation broadcasts that new
// items landed in the queue. The HTTP process route can and will overlap
// with it; the processor is built for that.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verkstad/drip/internal/processor"
	"github.com/verkstad/drip/internal/signals"
	"github.com/verkstad/drip/tools"
)

type Config struct {
	Interval time.Duration
}

type Scheduler struct {
	cfg  Config
	proc *processor.Processor
	log  *logrus.Logger

	ctx    context.Context
	cancel func()

	ostart  sync.Once
	ostop   sync.Once
	stopped chan struct{}
}

func New(cfg Config, lc *tools.Logger, proc *processor.Processor) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		proc:    proc,
		log:     lc.New("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.ostart.Do(func() {
		go s.run()
	})
}

func (s *Scheduler) run() {
	defer close(s.stopped)

	s.log.WithField("interval", s.cfg.Interval.String()).Info("starting drip scheduler")

	sig, cancelSig := signals.Listen(signals.NewItemsInQueue)
	defer cancelSig()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("stopping drip scheduler")
			return
		case <-sig:
			// fresh items, but they are scheduled for later; the pass
			// still runs in case a test-mode item is due immediately
		case <-time.After(s.cfg.Interval):
		}

		_, err := s.proc.Process(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).Error("queue pass failed")
		}
	}
}

func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		s.cancel()
		select {
		case <-s.stopped:
			s.log.Info("drip scheduler has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
