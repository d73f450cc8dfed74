// Package optin drives the double opt-in flow, from token issue through
// confirmation into drip enrollment. Terminal states are never stored,
// a confirmed or expired token is simply a deleted record plus the
// outcome handed to the caller.
package optin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/verkstad/drip"
	"github.com/verkstad/drip/internal/cadence"
	"github.com/verkstad/drip/internal/dao"
	"github.com/verkstad/drip/internal/metrics"
	"github.com/verkstad/drip/internal/provider"
	"github.com/verkstad/drip/internal/signals"
	"github.com/verkstad/drip/internal/tokens"
	"github.com/verkstad/drip/internal/workshop"
	"github.com/verkstad/drip/tools"
)

// ErrValidation marks bad input from the caller. It never warrants a
// retry and maps to a 4xx at the HTTP boundary.
var ErrValidation = errors.New("validation error")

type Config struct {
	PublicURL   string
	FromAddress string
	TokenTTL    time.Duration
	Cadence     cadence.Options
}

type Service struct {
	cfg      Config
	store    *tokens.Store
	db       dao.DAO
	provider provider.Client
	catalog  *workshop.Catalog
	log      *logrus.Logger

	now func() time.Time
}

func New(cfg Config, lc *tools.Logger, store *tokens.Store, db dao.DAO, prov provider.Client, catalog *workshop.Catalog) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		db:       db,
		provider: prov,
		catalog:  catalog,
		log:      lc.New("optin"),
		now:      func() time.Time { return time.Now().In(time.UTC) },
	}
}

// Start validates the request, issues a token and dispatches the
// confirmation email. It returns the confirm URL embedded in that email.
// If the email cannot be dispatched the whole call fails; the stored
// record is then unreachable and simply ages out.
func (s *Service) Start(ctx context.Context, req drip.OptInRequest) (string, error) {
	if strings.TrimSpace(req.Email) == "" {
		return "", fmt.Errorf("an email address must be provided, %w", ErrValidation)
	}
	if strings.TrimSpace(req.AudienceID) == "" {
		return "", fmt.Errorf("an audience id must be provided, %w", ErrValidation)
	}
	w, err := s.catalog.Get(req.Workshop)
	if err != nil {
		return "", fmt.Errorf("%v, %w", err, ErrValidation)
	}

	token, err := tokens.NewToken()
	if err != nil {
		return "", fmt.Errorf("could not generate opt-in token, %w", err)
	}

	err = s.store.Put(token, tokens.Record{
		Email:      req.Email,
		FirstName:  req.FirstName,
		Workshop:   req.Workshop,
		AudienceID: req.AudienceID,
		ExpiresAt:  s.now().Add(s.cfg.TokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("could not store opt-in record, %w", err)
	}

	confirmURL := fmt.Sprintf("%s/api/optin/confirm?token=%s", strings.TrimRight(s.cfg.PublicURL, "/"), token)
	subject := fmt.Sprintf("Confirm your subscription to %s", w.Name)
	err = s.provider.SendEmail(ctx, s.cfg.FromAddress, req.Email, subject, confirmationHTML(req.FirstName, w.Name, confirmURL))
	if err != nil {
		return "", fmt.Errorf("could not send confirmation email, %w", err)
	}

	metrics.OptInsStarted.Inc()
	s.log.WithField("workshop", req.Workshop).Info("opt-in started, confirmation email sent")
	return confirmURL, nil
}

// Confirm resolves a token to exactly one of success, invalid or error.
//
// Absent and expired tokens are invalid, expired ones are deleted on
// sight. A live token registers the contact with the audience provider,
// enqueues the workshop's lessons and is then consumed. Provider or
// storage trouble leaves the token in place so the same link can be
// retried within its TTL.
func (s *Service) Confirm(ctx context.Context, token string) (outcome drip.Outcome, err error) {
	defer func() {
		metrics.OptInsConfirmed.WithLabelValues(string(outcome)).Inc()
	}()

	record, err := s.store.Get(token)
	if errors.Is(err, tokens.ErrNotFound) {
		return drip.OutcomeInvalid, nil
	}
	if err != nil {
		return drip.OutcomeError, fmt.Errorf("could not read opt-in record, %w", err)
	}

	now := s.now()
	if record.Expired(now) {
		err = s.store.Delete(token)
		if err != nil {
			return drip.OutcomeError, fmt.Errorf("could not delete expired opt-in record, %w", err)
		}
		s.log.WithField("workshop", record.Workshop).Info("opt-in token expired at confirmation")
		return drip.OutcomeInvalid, nil
	}

	err = s.provider.CreateContact(ctx, record.AudienceID, record.Email, record.FirstName)
	if err != nil && !provider.AlreadySubscribed(err) {
		return drip.OutcomeError, fmt.Errorf("could not register contact, %w", err)
	}
	if provider.AlreadySubscribed(err) {
		s.log.WithField("workshop", record.Workshop).Info("contact already on audience, treating as confirmed")
	}

	added, err := s.enroll(record, now)
	if err != nil {
		// token stays, enqueue is idempotent so the retry is safe
		return drip.OutcomeError, fmt.Errorf("could not enroll into drip sequence, %w", err)
	}

	err = s.store.Delete(token)
	if err != nil {
		// the contact is registered and enrolled, the subscriber is not
		// shown an error for our own cleanup trouble. A second confirm on
		// the leftover token resolves through the already-subscribed path.
		s.log.WithError(err).Error("could not delete consumed opt-in record")
	}

	if added > 0 {
		signals.Broadcast(signals.NewItemsInQueue)
	}
	s.log.WithField("workshop", record.Workshop).WithField("items", added).Info("opt-in confirmed")
	return drip.OutcomeSuccess, nil
}

// EnrollmentID is deterministic in (email, workshop) so a retried
// confirmation enqueues onto the same keys and the per-key existence
// check deduplicates.
func EnrollmentID(email, workshopSlug string) string {
	name := fmt.Sprintf("drip:%s:%s", workshopSlug, strings.ToLower(strings.TrimSpace(email)))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (s *Service) enroll(record tokens.Record, enrolledAt time.Time) (int, error) {
	w, err := s.catalog.Get(record.Workshop)
	if err != nil {
		return 0, err
	}

	enrollmentId := EnrollmentID(record.Email, record.Workshop)

	var items []dao.DripItem
	for _, lesson := range w.Lessons {
		items = append(items, dao.DripItem{
			EnrollmentID: enrollmentId,
			LessonKey:    lesson.Key,
			Email:        record.Email,
			Workshop:     record.Workshop,
			FirstName:    record.FirstName,
			Subject:      lesson.Subject,
			Preheader:    lesson.Preheader,
			SendAt:       cadence.SendAt(enrolledAt, lesson.OffsetDays, s.cfg.Cadence),
		})
	}

	added, err := s.db.Enqueue(items)
	if err != nil {
		return 0, err
	}
	metrics.ItemsEnqueued.Add(float64(added))
	return added, nil
}

func confirmationHTML(firstName, workshopName, confirmURL string) string {
	salutation := "Hi"
	if strings.TrimSpace(firstName) != "" {
		salutation = "Hi " + strings.TrimSpace(firstName)
	}
	return fmt.Sprintf(`<p>%s,</p>
<p>You signed up for the %s email course. Click the link below to confirm
your address and start receiving lessons.</p>
<p><a href="%s">Confirm subscription</a></p>
<p>The link is valid for 48 hours. If you did not sign up, ignore this
email and nothing further happens.</p>`, salutation, workshopName, confirmURL)
}
