// Package web is the HTTP surface of dripd: the opt-in endpoints the
// website posts to, the confirm link landing, the queue process trigger
// for cron, and the non-production inspection view.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/verkstad/drip/internal/optin"
	"github.com/verkstad/drip/internal/processor"
	"github.com/verkstad/drip/tools"
)

type Config struct {
	Environment string

	Interface string
	Port      int

	AutoTLS      bool
	AutoTLSHost  string
	AutoTLSCache string

	// RedirectURL is where the confirm endpoint sends the visitor's
	// browser. With no redirect configured it answers JSON instead.
	RedirectURL string
}

type Server struct {
	cfg   Config
	log   *logrus.Logger
	e     *echo.Echo
	optin *optin.Service
	proc  *processor.Processor
}

func New(cfg Config, lc *tools.Logger, optinSvc *optin.Service, proc *processor.Processor) *Server {
	return &Server{
		cfg:   cfg,
		log:   lc.New("web"),
		optin: optinSvc,
		proc:  proc,
	}
}

func (s *Server) Start() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.e = e

	e.Use(middleware.Recover())
	prom := prometheus.NewPrometheus("drip", nil)
	prom.Use(e)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	e.POST("/api/optin", s.startOptIn)
	e.GET("/api/optin/confirm", s.confirmOptIn)
	e.POST("/api/queue/process", s.processQueue)
	e.GET("/api/queue", s.inspectQueue)

	go func() {
		var err error
		if s.cfg.AutoTLS {
			e.AutoTLSManager.Prompt = autocert.AcceptTOS
			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutoTLSHost)
			e.AutoTLSManager.Cache = autocert.DirCache(s.cfg.AutoTLSCache)
			s.log.WithField("host", s.cfg.AutoTLSHost).Info("starting web server with auto tls")
			err = e.StartAutoTLS(fmt.Sprintf("%s:%d", s.cfg.Interface, 443))
		} else {
			s.log.WithField("port", s.cfg.Port).Info("starting web server")
			err = e.Start(fmt.Sprintf("%s:%d", s.cfg.Interface, s.cfg.Port))
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("web server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	shutdown, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(shutdown)
}
