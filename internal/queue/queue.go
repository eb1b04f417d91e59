package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/metrics"
)

const recordKeyPrefix = "beacon:event:"

// Config holds the queue's retention knobs.
type Config struct {
	MaxRetries int           // delivery attempts before a record is failed, default 3
	MaxAge     time.Duration // records older than this expire regardless of priority, default 24h
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
}

// Queue exclusively owns event record lifecycle after ingestion. Every
// mutation is durably recorded; when the store is unavailable the in-memory
// queue keeps operating for the session, degraded rather than failing closed.
type Queue struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	records map[uuid.UUID]*event.Record
	byDedup map[string]uuid.UUID

	// deliveredByDay is session-scoped: delivered records leave the durable
	// store, so a restart starts the daily caps from zero. A recipient can
	// receive at most one extra day's worth across a restart, which beats
	// persisting counters for every recipient indefinitely.
	deliveredByDay map[string]int
}

// New creates a queue over the given durable store.
func New(store Store, cfg Config, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		store:          store,
		cfg:            cfg,
		logger:         logger,
		records:        make(map[uuid.UUID]*event.Record),
		byDedup:        make(map[string]uuid.UUID),
		deliveredByDay: make(map[string]int),
	}
}

// MaxRetries exposes the configured retry bound.
func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

// Enqueue absorbs a record. Duplicate occurrences (same topic, recipient and
// payload-derived key) collapse: the newer record wins only if its priority
// is strictly higher, and even then the retained record keeps its original
// createdAt, so a flaky connection re-delivering the same change never
// produces a notification storm.
func (q *Queue) Enqueue(ctx context.Context, rec *event.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = event.StatusPending
	}

	key := rec.DedupKey()

	q.mu.Lock()
	if existingID, ok := q.byDedup[key]; ok {
		existing, live := q.records[existingID]
		if live && !existing.Status.Terminal() {
			if rec.Priority > existing.Priority {
				existing.Priority = rec.Priority
				existing.Flags = rec.Flags
				q.mu.Unlock()
				q.persist(ctx, existing)
				q.logger.Debug("duplicate event raised retained record's priority",
					zap.String("event_id", existing.ID.String()),
					zap.String("priority", existing.Priority.String()),
				)
				return nil
			}
			q.mu.Unlock()
			q.logger.Debug("duplicate event dropped",
				zap.String("topic", string(rec.Topic)),
				zap.String("recipient_id", rec.RecipientID.String()),
			)
			return nil
		}
	}
	q.records[rec.ID] = rec
	q.byDedup[key] = rec.ID
	depth := len(q.records)
	q.mu.Unlock()

	q.persist(ctx, rec)
	metrics.RecordEventEnqueued(string(rec.Topic), rec.Priority.String())
	metrics.SetQueueDepth(depth)
	return nil
}

// PeekReady returns records whose delivery slot has arrived (or that have no
// slot yet), ordered by (scheduledFor asc, priority desc, createdAt asc).
// Expired records are finalized and removed as a side effect and are never
// returned, regardless of priority. The returned records are snapshot copies
// taken under the queue's lock; transitions go through the mark methods.
func (q *Queue) PeekReady(now time.Time) []event.Record {
	q.mu.Lock()
	var ready []event.Record
	var expired []*event.Record
	for _, rec := range q.records {
		if rec.Status.Terminal() {
			continue
		}
		if rec.Expired(now, q.cfg.MaxAge) {
			expired = append(expired, rec)
			continue
		}
		if rec.ScheduledFor == nil || !rec.ScheduledFor.After(now) {
			ready = append(ready, *rec)
		}
	}
	for _, rec := range expired {
		rec.Status = event.StatusExpired
		q.dropLocked(rec)
	}
	q.mu.Unlock()

	for _, rec := range expired {
		q.deleteStored(rec.ID)
		metrics.RecordEventFinalized("expired")
		q.logger.Info("event expired",
			zap.String("event_id", rec.ID.String()),
			zap.Time("created_at", rec.CreatedAt),
		)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		si, sj := schedTime(&ready[i]), schedTime(&ready[j])
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

func schedTime(rec *event.Record) time.Time {
	if rec.ScheduledFor == nil {
		return time.Time{}
	}
	return *rec.ScheduledFor
}

// MarkScheduled assigns a delivery slot. Only non-terminal records may be
// scheduled; the slot must not precede the time it was computed at.
func (q *Queue) MarkScheduled(ctx context.Context, id uuid.UUID, at time.Time) error {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || rec.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("record %s not schedulable", id)
	}
	slot := at
	rec.Status = event.StatusScheduled
	rec.ScheduledFor = &slot
	q.mu.Unlock()

	q.persist(ctx, rec)
	return nil
}

// MarkDelivered finalizes a record as delivered and removes it, counting the
// delivery toward the recipient's daily total.
func (q *Queue) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	rec.Status = event.StatusDelivered
	q.dropLocked(rec)
	q.deliveredByDay[dayKey(rec.RecipientID, deliveredAt)]++
	q.mu.Unlock()

	q.deleteStored(id)
	metrics.RecordEventFinalized("delivered")
}

// RequeueWithRetry puts a record back for another delivery attempt. Once the
// retry bound is exceeded the record is finalized as failed and removed.
func (q *Queue) RequeueWithRetry(ctx context.Context, id uuid.UUID) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || rec.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	rec.RetryCount++
	if rec.RetryCount > q.cfg.MaxRetries {
		rec.Status = event.StatusFailed
		q.dropLocked(rec)
		q.mu.Unlock()

		q.deleteStored(id)
		metrics.RecordEventFinalized("failed")
		q.logger.Warn("event failed after exhausting retries",
			zap.String("event_id", id.String()),
			zap.Int("attempts", rec.RetryCount),
		)
		return
	}
	rec.Status = event.StatusPending
	rec.ScheduledFor = nil
	retries := rec.RetryCount
	q.mu.Unlock()

	q.persist(ctx, rec)
	q.logger.Info("event requeued for retry",
		zap.String("event_id", id.String()),
		zap.Int("retry_count", retries),
	)
}

// Remove drops a record without finalizing it.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if ok {
		q.dropLocked(rec)
	}
	q.mu.Unlock()
	if ok {
		q.deleteStored(id)
	}
}

// Get returns a snapshot copy of a record.
func (q *Queue) Get(id uuid.UUID) (event.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return event.Record{}, false
	}
	return *rec, true
}

// Len returns the number of live records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// PendingCount returns the number of undelivered records for one recipient.
func (q *Queue) PendingCount(recipientID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.records {
		if rec.RecipientID == recipientID && !rec.Status.Terminal() {
			n++
		}
	}
	return n
}

// PendingFor returns snapshot copies of every undelivered record for one
// recipient, sorted by creation time.
func (q *Queue) PendingFor(recipientID uuid.UUID) []event.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []event.Record
	for _, rec := range q.records {
		if rec.RecipientID == recipientID && !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeliveredToday returns how many deliveries the recipient has received on
// now's calendar day.
func (q *Queue) DeliveredToday(recipientID uuid.UUID, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deliveredByDay[dayKey(recipientID, now)]
}

// Load reloads persisted records after a restart. Pending and scheduled
// records come back as pending with their slot cleared: scheduling is always
// reattempted from scratch because device clocks or preferences may have
// changed while the process was down.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.store.ListKeys(ctx, recordKeyPrefix)
	if err != nil {
		return fmt.Errorf("list persisted events: %w", err)
	}

	now := time.Now()
	loaded, dropped := 0, 0
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			q.logger.Warn("skipping unreadable persisted event", zap.String("key", key), zap.Error(err))
			continue
		}
		var rec event.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			q.logger.Warn("dropping corrupt persisted event", zap.String("key", key), zap.Error(err))
			_ = q.store.Delete(ctx, key)
			continue
		}
		if rec.Status.Terminal() || rec.Expired(now, q.cfg.MaxAge) {
			_ = q.store.Delete(ctx, key)
			dropped++
			continue
		}
		rec.Status = event.StatusPending
		rec.ScheduledFor = nil

		q.mu.Lock()
		q.records[rec.ID] = &rec
		q.byDedup[rec.DedupKey()] = rec.ID
		q.mu.Unlock()
		loaded++
	}

	q.logger.Info("event queue reloaded",
		zap.Int("loaded", loaded),
		zap.Int("dropped", dropped),
	)
	metrics.SetQueueDepth(q.Len())
	return nil
}

// Flush persists every live record. Called on shutdown.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	recs := make([]*event.Record, 0, len(q.records))
	for _, rec := range q.records {
		recs = append(recs, rec)
	}
	q.mu.Unlock()

	for _, rec := range recs {
		q.persist(ctx, rec)
	}
	q.logger.Info("event queue flushed", zap.Int("records", len(recs)))
}

// dropLocked removes a record from the in-memory maps. Caller holds q.mu.
func (q *Queue) dropLocked(rec *event.Record) {
	delete(q.records, rec.ID)
	key := rec.DedupKey()
	if q.byDedup[key] == rec.ID {
		delete(q.byDedup, key)
	}
	metrics.SetQueueDepth(len(q.records))
}

// persist writes a record to the durable store. Store failures degrade to
// in-memory operation with a logged warning.
func (q *Queue) persist(ctx context.Context, rec *event.Record) {
	q.mu.Lock()
	raw, err := json.Marshal(rec)
	q.mu.Unlock()
	if err != nil {
		q.logger.Error("marshal event for persistence", zap.Error(err))
		return
	}
	if err := q.store.Set(ctx, recordKeyPrefix+rec.ID.String(), raw); err != nil {
		q.logger.Warn("persistence degraded, event held in memory only",
			zap.String("event_id", rec.ID.String()),
			zap.Error(err),
		)
		metrics.RecordPersistenceError()
	}
}

func (q *Queue) deleteStored(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.store.Delete(ctx, recordKeyPrefix+id.String()); err != nil {
		q.logger.Warn("failed to delete persisted event",
			zap.String("event_id", id.String()),
			zap.Error(err),
		)
		metrics.RecordPersistenceError()
	}
}

func dayKey(recipientID uuid.UUID, t time.Time) string {
	return recipientID.String() + ":" + t.Format("2006-01-02")
}
