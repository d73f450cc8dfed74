package drip

import (
	"time"
)

// OptInRequest is the payload for starting a double opt-in for a workshop
// newsletter. AudienceID is the provider side list the contact ends up in
// once the opt-in is confirmed.
type OptInRequest struct {
	Email      string `json:"email"`
	FirstName  string `json:"first_name,omitempty"`
	Workshop   string `json:"workshop"`
	AudienceID string `json:"audience_id"`
}

// Outcome is the result of a confirmation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeInvalid Outcome = "invalid"
	OutcomeError   Outcome = "error"
)

// Status of an item in the drip queue. Transitions are pending -> sent or
// pending -> failed, nothing else. Sent and failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Summary is what one pass over the drip queue reports back. Sent and
// Failed only count transitions performed by that particular pass, so two
// overlapping passes racing on the same item sum to one.
type Summary struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Item is one scheduled lesson send for one enrollment, as exposed by the
// inspection surface. Due and Delay are derived from SendAt at read time.
type Item struct {
	EnrollmentID string    `json:"enrollment_id"`
	LessonKey    string    `json:"lesson_key"`
	Email        string    `json:"email"`
	Workshop     string    `json:"workshop"`
	Subject      string    `json:"subject"`
	Preheader    string    `json:"preheader,omitempty"`
	SendAt       time.Time `json:"send_at"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`

	Due   bool   `json:"due"`
	Delay string `json:"delay,omitempty"`
}
