// Package event defines the typed envelope for domain occurrences flowing
// through the delivery engine, and the deliverable units handed to the
// presentation boundary.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic identifies the kind of domain event.
type Topic string

const (
	TopicRankingChanged    Topic = "ranking_changed"
	TopicAchievementEarned Topic = "achievement_earned"
	TopicTaskAssigned      Topic = "task_assigned"
	TopicFeedbackReceived  Topic = "feedback_received"
	TopicStreakMilestone   Topic = "streak_milestone"
)

// KnownTopic reports whether t is one of the topics the engine routes.
func KnownTopic(t Topic) bool {
	switch t {
	case TopicRankingChanged, TopicAchievementEarned, TopicTaskAssigned,
		TopicFeedbackReceived, TopicStreakMilestone:
		return true
	}
	return false
}

// Priority orders events for delivery. Higher values surface first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority converts the wire representation back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

// Status tracks a record through its lifecycle.
//
// Transitions: pending -> scheduled -> delivered, or -> expired/failed from
// any non-terminal state. Terminal states are never left.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusExpired || s == StatusFailed
}

// CulturalFlags are producer-supplied sensitivities attached at ingestion.
// The engine never computes them, only honors them against the recipient's
// configured windows.
type CulturalFlags struct {
	QuietHoursSensitive bool `json:"quiet_hours_sensitive,omitempty"`
	DevotionalSensitive bool `json:"devotional_sensitive,omitempty"`
	FamilyTimeSensitive bool `json:"family_time_sensitive,omitempty"`
}

// Record is a single domain occurrence destined for one recipient.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	Topic        Topic           `json:"topic"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	Flags        CulturalFlags   `json:"cultural_flags"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Status       Status          `json:"status"`
}

// DedupKey derives the identity used to collapse re-deliveries of the same
// change. Two records with the same topic, recipient and payload content are
// considered the same occurrence regardless of their ids.
func (r *Record) DedupKey() string {
	sum := sha256.Sum256(r.Payload)
	return string(r.Topic) + ":" + r.RecipientID.String() + ":" + hex.EncodeToString(sum[:8])
}

// Expired reports whether the record is older than maxAge at the given time.
func (r *Record) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.CreatedAt) > maxAge
}

// Validate checks the fields a producer must supply.
func (r *Record) Validate() error {
	if !KnownTopic(r.Topic) {
		return fmt.Errorf("unknown topic: %q", r.Topic)
	}
	if r.RecipientID == uuid.Nil {
		return fmt.Errorf("missing recipient id")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Unit is what the dispatcher hands to the presentation boundary: a single
// record, or a batch of records for one recipient combined into one payload.
type Unit struct {
	ID           uuid.UUID       `json:"id"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	Channel      string          `json:"channel"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Batched      bool            `json:"batched"`
	Records      []*Record       `json:"-"`
}

// batchItem is one member of a combined batch payload.
type batchItem struct {
	ID      uuid.UUID       `json:"id"`
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// NewUnit wraps a single record as a deliverable unit.
func NewUnit(rec *Record, channel string, at time.Time) *Unit {
	return &Unit{
		ID:           uuid.New(),
		RecipientID:  rec.RecipientID,
		Channel:      channel,
		Priority:     rec.Priority,
		Payload:      rec.Payload,
		ScheduledFor: at,
		Records:      []*Record{rec},
	}
}

// NewBatchUnit combines two or more records for the same recipient into one
// deliverable unit. The unit's priority is the maximum member priority and
// its payload is the synthetic combined form.
func NewBatchUnit(recs []*Record, channel string, at time.Time) (*Unit, error) {
	if len(recs) < 2 {
		return nil, fmt.Errorf("batch requires at least 2 records, got %d", len(recs))
	}
	recipient := recs[0].RecipientID
	prio := recs[0].Priority
	items := make([]batchItem, 0, len(recs))
	for _, r := range recs {
		if r.RecipientID != recipient {
			return nil, fmt.Errorf("batch members must share a recipient")
		}
		if r.Priority > prio {
			prio = r.Priority
		}
		items = append(items, batchItem{ID: r.ID, Topic: r.Topic, Payload: r.Payload})
	}
	payload, err := json.Marshal(map[string]any{
		"batch":  true,
		"count":  len(items),
		"events": items,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return &Unit{
		ID:           uuid.New(),
		RecipientID:  recipient,
		Channel:      channel,
		Priority:     prio,
		Payload:      payload,
		ScheduledFor: at,
		Batched:      true,
		Records:      recs,
	}, nil
}
