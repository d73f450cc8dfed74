package dao

import (
	"time"

	"github.com/verkstad/drip"
)

// DripItem is one scheduled lesson send, keyed (enrollment_id, lesson_key).
// Items are inserted once at confirmation time and never deleted, the
// queue history doubles as the audit trail.
type DripItem struct {
	EnrollmentID string `db:"enrollment_id"`
	LessonKey    string `db:"lesson_key"`

	Email     string `db:"email"`
	Workshop  string `db:"workshop_slug"`
	FirstName string `db:"first_name"`
	Subject   string `db:"subject"`
	Preheader string `db:"preheader"`

	Status    string    `db:"status"`
	SendAt    time.Time `db:"send_at"`
	Attempts  int       `db:"attempts"`
	LastError string    `db:"last_error"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Inspect derives the read-only view with due/delay computed at now.
func (d DripItem) Inspect(now time.Time) drip.Item {
	item := drip.Item{
		EnrollmentID: d.EnrollmentID,
		LessonKey:    d.LessonKey,
		Email:        d.Email,
		Workshop:     d.Workshop,
		Subject:      d.Subject,
		Preheader:    d.Preheader,
		SendAt:       d.SendAt,
		Status:       drip.Status(d.Status),
		Attempts:     d.Attempts,
		LastError:    d.LastError,
	}
	item.Due = d.Status == string(drip.StatusPending) && !d.SendAt.After(now)
	if d.Status == string(drip.StatusPending) && d.SendAt.After(now) {
		item.Delay = d.SendAt.Sub(now).Truncate(time.Second).String()
	}
	return item
}
