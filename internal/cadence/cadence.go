// Package cadence maps an enrollment time and a lesson offset to the
// absolute time the lesson should go out. All arithmetic is UTC based, so
// month and year rollovers fall out of time.AddDate and DST never enters
// the picture.
package cadence

import "time"

// TestStep is the compressed cadence used in test mode, per offset day.
const TestStep = 2 * time.Minute

type Options struct {
	SendHour int  // UTC hour of day, 0-23
	TestMode bool // compress days to TestStep
}

// SendAt computes when the lesson offsetDays into a sequence should be
// sent for an enrollment at enrolledAt.
//
// In production the slot is the configured send hour on the UTC day
// offsetDays after the UTC day of enrollment. A slot that is not strictly
// after enrolledAt (offset 0, enrollment after the send hour) is pushed
// exactly one day, so lesson 0 is never scheduled in the past.
//
// In test mode the whole sequence is compressed to TestStep per offset
// day, starting at enrolledAt, so an operator can watch a full sequence
// play out in minutes.
func SendAt(enrolledAt time.Time, offsetDays int, opts Options) time.Time {
	enrolledAt = enrolledAt.UTC()

	if opts.TestMode {
		return enrolledAt.Add(time.Duration(offsetDays) * TestStep)
	}

	y, m, d := enrolledAt.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	at := day.AddDate(0, 0, offsetDays).Add(time.Duration(opts.SendHour) * time.Hour)

	if !at.After(enrolledAt) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
