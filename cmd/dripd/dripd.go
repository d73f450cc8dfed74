package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/verkstad/drip/internal/cadence"
	"github.com/verkstad/drip/internal/config"
	"github.com/verkstad/drip/internal/dao"
	"github.com/verkstad/drip/internal/optin"
	"github.com/verkstad/drip/internal/processor"
	"github.com/verkstad/drip/internal/provider"
	"github.com/verkstad/drip/internal/scheduler"
	"github.com/verkstad/drip/internal/tokens"
	"github.com/verkstad/drip/internal/web"
	"github.com/verkstad/drip/internal/workshop"
	"github.com/verkstad/drip/tools"
)

func main() {

	app := &cli.App{
		Name:   "dripd",
		Usage:  "a service for workshop newsletter double opt-in and drip delivery",
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func start(c *cli.Context) error {
	cfg := config.Get()

	l := tools.NewLogger("dripd")
	lc := tools.LoggerCloner(l)

	l.Infof("Starting server")

	catalog, err := workshop.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	store, err := tokens.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	prov := provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey)

	cadenceOpts := cadence.Options{
		SendHour: cfg.SendHour,
		TestMode: cfg.TestMode,
	}
	if cfg.TestMode {
		l.Warn("test mode is enabled, the drip cadence is compressed to minutes")
	}

	optinSvc := optin.New(optin.Config{
		PublicURL:   cfg.PublicURL,
		FromAddress: cfg.FromAddress,
		TokenTTL:    config.TokenTTL,
		Cadence:     cadenceOpts,
	}, lc, store, db, prov, catalog)

	proc := processor.New(processor.Config{
		FromAddress:     cfg.FromAddress,
		BatchLimit:      cfg.BatchLimit,
		DispatchTimeout: cfg.DispatchTimeout,
		DispatchPerSec:  cfg.DispatchPerSec,
	}, lc, db, prov, catalog)

	sched := scheduler.New(scheduler.Config{
		Interval: cfg.ProcessInterval,
	}, lc, proc)
	sched.Start()

	srv := web.New(web.Config{
		Environment:  cfg.Environment,
		Interface:    cfg.APIInterface,
		Port:         cfg.APIPort,
		AutoTLS:      cfg.APIAutoTLS,
		AutoTLSHost:  cfg.APIAutoTLSHost,
		AutoTLSCache: cfg.APIAutoTLSCache,
		RedirectURL:  cfg.RedirectURL,
	}, lc, optinSvc, proc)
	srv.Start()

	services := []Stoppable{srv, sched}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("Shutdown complete, terminating now")

	return nil
}
