// Package processor drains due items from the drip queue. It owns no
// scheduling; it is invoked by the in-process scheduler, by cron through
// the HTTP surface, or by an operator, possibly all at once. Overlapping
// passes are safe, every status transition is a conditional write and
// only the winner counts it.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/verkstad/drip"
	"github.com/verkstad/drip/internal/dao"
	"github.com/verkstad/drip/internal/metrics"
	"github.com/verkstad/drip/internal/provider"
	"github.com/verkstad/drip/internal/workshop"
	"github.com/verkstad/drip/tools"
)

type Config struct {
	FromAddress     string
	BatchLimit      int
	DispatchTimeout time.Duration
	DispatchPerSec  float64
}

type Processor struct {
	cfg      Config
	db       dao.DAO
	provider provider.Client
	catalog  *workshop.Catalog
	limiter  *rate.Limiter
	log      *logrus.Logger

	now func() time.Time
}

func New(cfg Config, lc *tools.Logger, db dao.DAO, prov provider.Client, catalog *workshop.Catalog) *Processor {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.DispatchPerSec > 0 {
		limit = rate.Limit(cfg.DispatchPerSec)
	}
	return &Processor{
		cfg:      cfg,
		db:       db,
		provider: prov,
		catalog:  catalog,
		limiter:  rate.NewLimiter(limit, 1),
		log:      lc.New("processor"),
		now:      func() time.Time { return time.Now().In(time.UTC) },
	}
}

// Process performs one pass: fetch due items oldest first, dispatch each,
// transition each to its terminal status. Item level failures are
// recorded on the item and never abort the batch; only the queue store
// being unreachable fails the call.
func (p *Processor) Process(ctx context.Context) (drip.Summary, error) {
	metrics.ProcessRuns.Inc()

	var summary drip.Summary

	due, err := p.db.ListDue(p.now(), p.cfg.BatchLimit)
	if err != nil {
		return summary, fmt.Errorf("could not list due items, %w", err)
	}

	for _, item := range due {
		if ctx.Err() != nil {
			break
		}
		p.dispatch(ctx, item, &summary)
	}

	remaining, err := p.db.CountPending()
	if err != nil {
		return summary, fmt.Errorf("could not count pending items, %w", err)
	}
	summary.Remaining = remaining

	if summary.Sent > 0 || summary.Failed > 0 {
		p.log.WithField("sent", summary.Sent).
			WithField("failed", summary.Failed).
			WithField("remaining", summary.Remaining).
			Info("processed drip queue")
	}
	return summary, nil
}

func (p *Processor) dispatch(ctx context.Context, item dao.DripItem, summary *drip.Summary) {
	l := p.log.WithField("enrollment", item.EnrollmentID).WithField("lesson", item.LessonKey)

	html, err := p.render(item)
	if err == nil {
		err = p.limiter.Wait(ctx)
	}
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
		err = p.provider.SendEmail(sendCtx, p.cfg.FromAddress, item.Email, item.Subject, html)
		cancel()
	}

	if err != nil {
		// a timed out dispatch lands here as well, the item is not left
		// pending indefinitely
		claimed, terr := p.db.MarkFailed(item.EnrollmentID, item.LessonKey, err.Error())
		if terr != nil {
			l.WithError(terr).Error("could not mark item as failed")
			return
		}
		if claimed {
			summary.Failed++
			metrics.ItemsFailed.Inc()
			l.WithError(err).Warn("lesson dispatch failed")
		}
		return
	}

	claimed, terr := p.db.MarkSent(item.EnrollmentID, item.LessonKey)
	if terr != nil {
		l.WithError(terr).Error("could not mark item as sent")
		return
	}
	if claimed {
		summary.Sent++
		metrics.ItemsSent.Inc()
		l.Debug("lesson dispatched")
		return
	}
	// the send fired but a concurrent pass won the transition. Accepted
	// at-least-once send, at-most-once state transition.
	l.Warn("lesson dispatched but a concurrent pass claimed the transition")
}

func (p *Processor) render(item dao.DripItem) (string, error) {
	lesson, err := p.catalog.Lesson(item.Workshop, item.LessonKey)
	if err != nil {
		return "", err
	}
	return lesson.Render(item.FirstName)
}

// Snapshot is the read-only inspection view, every item with its derived
// due and delay fields. It never mutates state.
func (p *Processor) Snapshot() ([]drip.Item, error) {
	all, err := p.db.ListAll()
	if err != nil {
		return nil, fmt.Errorf("could not list queue, %w", err)
	}
	now := p.now()
	return slicez.Map(all, func(item dao.DripItem) drip.Item {
		return item.Inspect(now)
	}), nil
}
