package schedule

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// Aggregator groups low-priority ready events for one recipient into a
// combined deliverable unit. It is a pure grouping step: it never drops an
// event, only decides which unit carries it. Batches track member ids; the
// records themselves stay owned by the queue.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	open   map[uuid.UUID]*openBatch
}

type openBatch struct {
	recipient uuid.UUID
	members   []uuid.UUID
	due       time.Time
}

// NewAggregator creates an aggregator with the given batching window.
func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &Aggregator{
		window: window,
		open:   make(map[uuid.UUID]*openBatch),
	}
}

// Batchable reports whether a ready event may join a batch: priority at most
// normal and the recipient opted in.
func Batchable(rec *event.Record, p prefs.Preferences) bool {
	return rec.Priority <= event.PriorityNormal && p.BatchingOptIn
}

// Add places a ready event into the recipient's open batch, opening one if
// needed. The batch's due time is the first member's eligible time plus the
// batching window; later members ride along without extending it.
func (a *Aggregator) Add(rec *event.Record, eligibleAt time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch, ok := a.open[rec.RecipientID]
	if !ok {
		batch = &openBatch{
			recipient: rec.RecipientID,
			due:       eligibleAt.Add(a.window),
		}
		a.open[rec.RecipientID] = batch
	}
	for _, m := range batch.members {
		if m == rec.ID {
			return batch.due
		}
	}
	batch.members = append(batch.members, rec.ID)
	return batch.due
}

// HasOpen reports whether the recipient has a batch waiting on its window.
func (a *Aggregator) HasOpen(recipient uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.open[recipient]
	return ok
}

// Dissolve closes the recipient's open batch and returns its member ids so
// they fall back to individual delivery. Used when an urgent event preempts
// a waiting batch.
func (a *Aggregator) Dissolve(recipient uuid.UUID) []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch, ok := a.open[recipient]
	if !ok {
		return nil
	}
	delete(a.open, recipient)
	return batch.members
}

// CollectDue closes every batch whose window has elapsed and returns the
// deliverable units: a combined unit when two or more members accumulated, a
// plain single unit otherwise. resolve supplies the current copy of each
// member; members finalized (e.g. expired) while the window was open are
// dropped here.
func (a *Aggregator) CollectDue(now time.Time, channelFor func(uuid.UUID) string, resolve func(uuid.UUID) (event.Record, bool)) ([]*event.Unit, error) {
	a.mu.Lock()
	var due []*openBatch
	for recipient, batch := range a.open {
		if !batch.due.After(now) {
			due = append(due, batch)
			delete(a.open, recipient)
		}
	}
	a.mu.Unlock()

	units := make([]*event.Unit, 0, len(due))
	for _, batch := range due {
		channel := channelFor(batch.recipient)
		live := make([]*event.Record, 0, len(batch.members))
		for _, id := range batch.members {
			rec, ok := resolve(id)
			if !ok || rec.Status.Terminal() {
				continue
			}
			live = append(live, &rec)
		}
		switch {
		case len(live) == 0:
			continue
		case len(live) == 1:
			units = append(units, event.NewUnit(live[0], channel, now))
		default:
			unit, err := event.NewBatchUnit(live, channel, now)
			if err != nil {
				return units, err
			}
			units = append(units, unit)
		}
	}
	return units, nil
}
