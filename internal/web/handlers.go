package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/verkstad/drip"
	"github.com/verkstad/drip/internal/optin"
)

func (s *Server) startOptIn(c echo.Context) error {
	var req drip.OptInRequest
	err := c.Bind(&req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "could not parse body"})
	}

	_, err = s.optin.Start(c.Request().Context(), req)
	if errors.Is(err, optin.ErrValidation) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err != nil {
		s.log.WithError(err).Error("opt-in start failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not start opt-in"})
	}

	return c.JSON(http.StatusAccepted, echo.Map{"status": "pending"})
}

// confirmOptIn lands the click from the confirmation email. The visitor
// always ends up with one of three outcomes; with a redirect configured
// the outcome rides along as a query parameter so the landing page can
// render the right message.
func (s *Server) confirmOptIn(c echo.Context) error {
	token := c.QueryParam("token")

	outcome := drip.OutcomeInvalid
	if token != "" {
		var err error
		outcome, err = s.optin.Confirm(c.Request().Context(), token)
		if err != nil {
			s.log.WithError(err).Error("opt-in confirmation failed")
		}
	}

	if s.cfg.RedirectURL != "" {
		return c.Redirect(http.StatusFound, fmt.Sprintf("%s?newsletter=%s", s.cfg.RedirectURL, outcome))
	}

	status := http.StatusOK
	if outcome == drip.OutcomeError {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, echo.Map{"result": outcome})
}

func (s *Server) processQueue(c echo.Context) error {
	summary, err := s.proc.Process(c.Request().Context())
	if err != nil {
		s.log.WithError(err).Error("queue pass failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not process queue"})
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) inspectQueue(c echo.Context) error {
	if s.cfg.Environment == "production" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not available"})
	}

	items, err := s.proc.Snapshot()
	if err != nil {
		s.log.WithError(err).Error("queue snapshot failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not inspect queue"})
	}
	if items == nil {
		items = []drip.Item{}
	}
	return c.JSON(http.StatusOK, items)
}
