package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func urgentRecord() *event.Record {
	return &event.Record{
		ID:          uuid.New(),
		Topic:       event.TopicTaskAssigned,
		RecipientID: uuid.New(),
		Priority:    event.PriorityUrgent,
	}
}

func normalRecord(flags event.CulturalFlags) *event.Record {
	return &event.Record{
		ID:          uuid.New(),
		Topic:       event.TopicRankingChanged,
		RecipientID: uuid.New(),
		Priority:    event.PriorityNormal,
		Flags:       flags,
	}
}

func TestEligibility_UrgentImmediateBypassesWindows(t *testing.T) {
	p := prefs.Preferences{
		ImmediateDelivery: true,
		QuietHours: []prefs.QuietWindow{
			{Window: prefs.Window{StartMinute: 8 * 60, EndMinute: 10 * 60}}, // soft, active at 09:00
		},
		DevotionalWindows: []prefs.Window{{StartMinute: 8 * 60, EndMinute: 10 * 60}},
		RespectDevotional: true,
	}

	el := ComputeEligibility(urgentRecord(), p, 0, at(9, 0))
	if !el.Ready {
		t.Errorf("urgent + immediate delivery should be ready at 09:00, delayed until %s (%s)", el.DelayedUntil, el.Reason)
	}
}

func TestEligibility_QuietHoursSensitiveUrgentYieldsToSoftQuietHours(t *testing.T) {
	p := prefs.Preferences{
		ImmediateDelivery: true,
		QuietHours: []prefs.QuietWindow{
			{Window: prefs.Window{StartMinute: 22 * 60, EndMinute: 7 * 60}}, // soft
		},
	}

	rec := urgentRecord()
	rec.Flags = event.CulturalFlags{QuietHoursSensitive: true}

	el := ComputeEligibility(rec, p, 0, at(23, 0))
	if el.Ready {
		t.Fatal("a quiet-hours-sensitive event must yield even to soft quiet hours")
	}
	if el.Reason != "quiet_hours" {
		t.Errorf("unexpected reason %q", el.Reason)
	}

	// The same event without the flag keeps the urgent bypass.
	if el := ComputeEligibility(urgentRecord(), p, 0, at(23, 0)); !el.Ready {
		t.Errorf("unflagged urgent event should bypass soft quiet hours, delayed (%s)", el.Reason)
	}
}

func TestEligibility_HardQuietHoursBlockUrgent(t *testing.T) {
	p := prefs.Preferences{
		ImmediateDelivery: true,
		QuietHours: []prefs.QuietWindow{
			{Window: prefs.Window{StartMinute: 22 * 60, EndMinute: 7 * 60}, Hard: true},
		},
	}

	now := at(23, 0)
	el := ComputeEligibility(urgentRecord(), p, 0, now)
	if el.Ready {
		t.Fatal("hard quiet hours are non-negotiable, even for urgent events")
	}
	if el.DelayedUntil.Hour() != 7 {
		t.Errorf("expected delay until 07:00, got %s", el.DelayedUntil)
	}
}

func TestEligibility_DevotionalWindowDelayIsExact(t *testing.T) {
	p := prefs.Preferences{
		RespectDevotional: true,
		DevotionalWindows: []prefs.Window{{StartMinute: 12 * 60, EndMinute: 12*60 + 30}},
	}
	rec := normalRecord(event.CulturalFlags{DevotionalSensitive: true})

	now := at(12, 10)
	el := ComputeEligibility(rec, p, 0, now)
	if el.Ready {
		t.Fatal("devotional-sensitive event inside the window must be delayed")
	}
	if got := el.DelayedUntil.Sub(now); got != 20*time.Minute {
		t.Errorf("delay must equal exactly the remaining window time, got %s", got)
	}
	if el.Reason != "devotional_window" {
		t.Errorf("unexpected reason %q", el.Reason)
	}
}

func TestEligibility_DevotionalWindowIgnoredWithoutOptInOrFlag(t *testing.T) {
	window := []prefs.Window{{StartMinute: 12 * 60, EndMinute: 12*60 + 30}}
	now := at(12, 10)

	// Flagged event, recipient not opted in.
	noOptIn := prefs.Preferences{DevotionalWindows: window}
	if el := ComputeEligibility(normalRecord(event.CulturalFlags{DevotionalSensitive: true}), noOptIn, 0, now); !el.Ready {
		t.Error("without the recipient opt-in the window must not apply")
	}

	// Opted-in recipient, unflagged event.
	optIn := prefs.Preferences{DevotionalWindows: window, RespectDevotional: true}
	if el := ComputeEligibility(normalRecord(event.CulturalFlags{}), optIn, 0, now); !el.Ready {
		t.Error("unflagged events pass through cultural windows")
	}
}

func TestEligibility_QuietHoursDelayNormalEvents(t *testing.T) {
	p := prefs.Default(uuid.New()) // 22:00-07:00 quiet hours

	el := ComputeEligibility(normalRecord(event.CulturalFlags{}), p, 0, at(23, 30))
	if el.Ready {
		t.Fatal("normal event inside quiet hours must wait")
	}
	if el.DelayedUntil.Hour() != 7 || el.DelayedUntil.Day() != 11 {
		t.Errorf("expected next-day 07:00, got %s", el.DelayedUntil)
	}
}

func TestEligibility_DailyCapDelaysToNextDay(t *testing.T) {
	p := prefs.Preferences{MaxPerDay: 5}
	now := at(15, 0)

	el := ComputeEligibility(normalRecord(event.CulturalFlags{}), p, 5, now)
	if el.Ready {
		t.Fatal("recipient at the daily cap must wait")
	}
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !el.DelayedUntil.Equal(want) {
		t.Errorf("expected next day boundary %s, got %s", want, el.DelayedUntil)
	}

	under := ComputeEligibility(normalRecord(event.CulturalFlags{}), p, 4, now)
	if !under.Ready {
		t.Error("under the cap the event is eligible")
	}
}

func TestEligibility_PreferredWindowSnapsForward(t *testing.T) {
	p := prefs.Preferences{
		PreferredWindows: []prefs.Window{
			{StartMinute: 17 * 60, EndMinute: 19 * 60},
			{StartMinute: 7 * 60, EndMinute: 8 * 60},
		},
	}

	// Outside both windows: snaps to the nearest next start (17:00 today).
	el := ComputeEligibility(normalRecord(event.CulturalFlags{}), p, 0, at(12, 0))
	if el.Ready {
		t.Fatal("outside preferred windows the event waits")
	}
	if el.DelayedUntil.Hour() != 17 || el.DelayedUntil.Day() != 10 {
		t.Errorf("expected today 17:00, got %s", el.DelayedUntil)
	}

	// Inside one: eligible immediately.
	if el := ComputeEligibility(normalRecord(event.CulturalFlags{}), p, 0, at(18, 0)); !el.Ready {
		t.Error("inside a preferred window the event is ready")
	}

	// No preference at all: eligible immediately.
	none := prefs.Preferences{}
	if el := ComputeEligibility(normalRecord(event.CulturalFlags{}), none, 0, at(12, 0)); !el.Ready {
		t.Error("absent any preference the event is ready")
	}
}

func TestEligibility_Idempotent(t *testing.T) {
	p := prefs.Preferences{
		RespectDevotional: true,
		DevotionalWindows: []prefs.Window{{StartMinute: 12 * 60, EndMinute: 12*60 + 30}},
		QuietHours: []prefs.QuietWindow{
			{Window: prefs.Window{StartMinute: 22 * 60, EndMinute: 7 * 60}},
		},
	}
	rec := normalRecord(event.CulturalFlags{DevotionalSensitive: true})
	now := at(12, 5)

	first := ComputeEligibility(rec, p, 2, now)
	second := ComputeEligibility(rec, p, 2, now)
	if first != second {
		t.Errorf("same inputs must yield the same verdict: %+v vs %+v", first, second)
	}
}

func TestEligibility_RuleOrderCulturalBeforeQuiet(t *testing.T) {
	// Both a devotional window and quiet hours are active; the cultural
	// window is checked first and its end wins.
	p := prefs.Preferences{
		RespectDevotional: true,
		DevotionalWindows: []prefs.Window{{StartMinute: 5 * 60, EndMinute: 5*60 + 45}},
		QuietHours: []prefs.QuietWindow{
			{Window: prefs.Window{StartMinute: 22 * 60, EndMinute: 7 * 60}},
		},
	}
	rec := normalRecord(event.CulturalFlags{DevotionalSensitive: true})

	el := ComputeEligibility(rec, p, 0, at(5, 30))
	if el.Reason != "devotional_window" {
		t.Errorf("cultural window must be evaluated before quiet hours, got %q", el.Reason)
	}
	if el.DelayedUntil.Hour() != 5 || el.DelayedUntil.Minute() != 45 {
		t.Errorf("expected 05:45, got %s", el.DelayedUntil)
	}
}
