// Package schedule decides if and when a queued event may be surfaced:
// eligibility against cultural/time-of-day constraints, batching of
// low-priority events, and the tick loop that promotes ready events toward
// dispatch.
package schedule

import (
	"time"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// Eligibility is the scheduler's verdict for one event at one instant.
type Eligibility struct {
	Ready        bool
	DelayedUntil time.Time
	Reason       string
}

func ready() Eligibility {
	return Eligibility{Ready: true}
}

func delayed(until time.Time, reason string) Eligibility {
	return Eligibility{DelayedUntil: until, Reason: reason}
}

// ComputeEligibility evaluates the delivery rules in fixed order; the first
// matching rule wins. It is a pure function of its arguments — no hidden
// randomness — so re-evaluation after a missed tick converges to the same
// answer.
//
// Rule order:
//  1. urgent + immediate-delivery preference bypasses everything except an
//     active hard quiet-hour window; an event the producer marked
//     quiet-hours-sensitive also yields to soft quiet hours
//  2. active cultural window matching the event's flags
//  3. active quiet hours
//  4. daily delivery cap reached
//  5. preferred delivery windows, if any are configured
func ComputeEligibility(rec *event.Record, p prefs.Preferences, deliveredToday int, now time.Time) Eligibility {
	if rec.Priority == event.PriorityUrgent && p.ImmediateDelivery {
		for _, quiet := range p.QuietHours {
			if !quiet.Contains(now) {
				continue
			}
			if quiet.Hard {
				return delayed(quiet.EndAfter(now), "hard_quiet_hours")
			}
			if rec.Flags.QuietHoursSensitive {
				return delayed(quiet.EndAfter(now), "quiet_hours")
			}
		}
		return ready()
	}

	if rec.Flags.DevotionalSensitive && p.RespectDevotional {
		if until, in := insideAny(p.DevotionalWindows, now); in {
			return delayed(until, "devotional_window")
		}
	}
	if rec.Flags.FamilyTimeSensitive && p.RespectFamilyTime {
		if until, in := insideAny(p.FamilyWindows, now); in {
			return delayed(until, "family_window")
		}
	}

	for _, quiet := range p.QuietHours {
		if quiet.Contains(now) {
			return delayed(quiet.EndAfter(now), "quiet_hours")
		}
	}

	if p.MaxPerDay > 0 && deliveredToday >= p.MaxPerDay {
		return delayed(nextDayStart(now), "daily_cap")
	}

	if len(p.PreferredWindows) > 0 {
		earliest := time.Time{}
		for _, w := range p.PreferredWindows {
			if w.Contains(now) {
				return ready()
			}
			start := w.NextStart(now)
			if earliest.IsZero() || start.Before(earliest) {
				earliest = start
			}
		}
		return delayed(earliest, "preferred_window")
	}

	return ready()
}

// insideAny returns the end of the tightest enclosing window, if now is
// inside one.
func insideAny(windows []prefs.Window, now time.Time) (time.Time, bool) {
	var until time.Time
	for _, w := range windows {
		if !w.Contains(now) {
			continue
		}
		end := w.EndAfter(now)
		if until.IsZero() || end.Before(until) {
			until = end
		}
	}
	return until, !until.IsZero()
}

func nextDayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
