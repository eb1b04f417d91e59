// Package prefs models per-recipient delivery preferences and provides a
// read-only view over the profile service's database. The engine never
// writes preferences.
package prefs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel constants for the recipient's preferred presentation channel.
const (
	ChannelPush    = "push"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Window is a daily clock window expressed in minutes since midnight.
// A window may wrap past midnight (Start > End), e.g. quiet hours 22:00-07:00.
type Window struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// Contains reports whether the wall-clock time of t falls inside the window.
// The boundary at EndMinute is exclusive.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

// EndAfter returns the next instant at or after t when the window ends.
// Only meaningful when Contains(t) is true.
func (w Window) EndAfter(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), w.EndMinute/60, w.EndMinute%60, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// NextStart returns the next instant at or after t when the window opens.
// If t is already inside the window it returns t.
func (w Window) NextStart(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), w.StartMinute/60, w.StartMinute%60, 0, 0, t.Location())
	if !start.After(t) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// Validate rejects windows outside the minutes-of-day range.
func (w Window) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= 24*60 || w.EndMinute < 0 || w.EndMinute >= 24*60 {
		return fmt.Errorf("window minutes out of range: start=%d end=%d", w.StartMinute, w.EndMinute)
	}
	return nil
}

// QuietWindow is a quiet-hours window. Hard windows are non-negotiable:
// even urgent events with immediate delivery enabled wait them out.
type QuietWindow struct {
	Window
	Hard bool `json:"hard"`
}

// Preferences is the per-recipient delivery contract, owned by the profile
// service and read-only here.
type Preferences struct {
	RecipientID       uuid.UUID     `json:"recipient_id"`
	Channel           string        `json:"channel"`
	PreferredWindows  []Window      `json:"preferred_windows"`
	QuietHours        []QuietWindow `json:"quiet_hours"`
	DevotionalWindows []Window      `json:"devotional_windows"`
	FamilyWindows     []Window      `json:"family_windows"`
	MaxPerDay         int           `json:"max_per_day"`
	BatchingOptIn     bool          `json:"batching_opt_in"`
	ImmediateDelivery bool          `json:"immediate_delivery"`
	RespectDevotional bool          `json:"respect_devotional"`
	RespectFamilyTime bool          `json:"respect_family_time"`

	// Sink routing hints owned by the profile service.
	PushTargetARN string `json:"push_target_arn,omitempty"`
	Email         string `json:"email,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

// Default returns the conservative fallback used when preferences cannot be
// fetched: no special windows, standard quiet hours 22:00-07:00, unlimited
// daily volume, no batching.
func Default(recipientID uuid.UUID) Preferences {
	return Preferences{
		RecipientID: recipientID,
		Channel:     ChannelPush,
		QuietHours: []QuietWindow{
			{Window: Window{StartMinute: 22 * 60, EndMinute: 7 * 60}},
		},
	}
}
