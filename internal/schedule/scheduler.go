package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/metrics"
	"github.com/noorsoft/beacon/internal/prefs"
	"github.com/noorsoft/beacon/internal/queue"
)

// Dispatcher hands deliverable units to the presentation boundary. The
// hand-off must not block the tick loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, unit *event.Unit)
}

// Config holds the scheduler's timing knobs.
type Config struct {
	TickInterval time.Duration // default 30s
	BatchWindow  time.Duration // default 2h
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 2 * time.Hour
	}
}

// Scheduler drives the periodic eligibility evaluation. Its tick loop is the
// only writer of pending/scheduled transitions, so records never race.
type Scheduler struct {
	queue      *queue.Queue
	provider   prefs.Provider
	agg        *Aggregator
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
}

// New creates a scheduler over the queue, preferences provider and
// dispatcher.
func New(q *queue.Queue, provider prefs.Provider, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		queue:      q,
		provider:   provider,
		agg:        NewAggregator(cfg.BatchWindow),
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run ticks until the context is cancelled. An immediate first tick catches
// records reloaded at startup.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx, time.Now())

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick evaluates every surfaced record once. Exported so tests can drive
// the loop with a controlled clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	// Close out batches whose window elapsed.
	units, err := s.agg.CollectDue(now, s.channelFor, s.queue.Get)
	if err != nil {
		s.logger.Error("collecting due batches", zap.Error(err))
	}
	for _, unit := range units {
		if unit.Batched {
			metrics.RecordBatchDispatched()
		}
		s.dispatcher.Dispatch(ctx, unit)
	}

	for _, rec := range s.queue.PeekReady(now) {
		if rec.Status == event.StatusScheduled {
			// Batch members waiting on their window; the aggregator owns
			// them until CollectDue closes the batch.
			continue
		}
		rec := rec
		s.evaluate(ctx, &rec, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, rec *event.Record, now time.Time) {
	p := s.preferencesFor(ctx, rec.RecipientID)
	delivered := s.queue.DeliveredToday(rec.RecipientID, now)

	el := ComputeEligibility(rec, p, delivered, now)
	if !el.Ready {
		s.logger.Debug("event not yet eligible",
			zap.String("event_id", rec.ID.String()),
			zap.String("reason", el.Reason),
			zap.Time("delayed_until", el.DelayedUntil),
		)
		return
	}

	// An urgent arrival preempts the recipient's waiting batch: the batch
	// dissolves and its members fall back to individual delivery now.
	if rec.Priority == event.PriorityUrgent && s.agg.HasOpen(rec.RecipientID) {
		for _, id := range s.agg.Dissolve(rec.RecipientID) {
			member, ok := s.queue.Get(id)
			if !ok || member.Status.Terminal() {
				continue
			}
			if err := s.queue.MarkScheduled(ctx, id, now); err != nil {
				s.logger.Warn("rescheduling dissolved batch member", zap.Error(err))
				continue
			}
			s.dispatcher.Dispatch(ctx, event.NewUnit(&member, p.Channel, now))
		}
	}

	if Batchable(rec, p) {
		due := s.agg.Add(rec, now)
		if err := s.queue.MarkScheduled(ctx, rec.ID, due); err != nil {
			s.logger.Warn("scheduling batched event", zap.Error(err))
		}
		return
	}

	if err := s.queue.MarkScheduled(ctx, rec.ID, now); err != nil {
		s.logger.Warn("scheduling event", zap.Error(err))
		return
	}
	s.dispatcher.Dispatch(ctx, event.NewUnit(rec, p.Channel, now))
}

// preferencesFor fetches preferences, falling back to the conservative
// default (standard quiet hours only) when the profile service is
// unavailable. Delivery is never blocked indefinitely on a preference fetch.
func (s *Scheduler) preferencesFor(ctx context.Context, recipientID uuid.UUID) prefs.Preferences {
	p, err := s.provider.Get(ctx, recipientID)
	if err != nil {
		s.logger.Warn("preference fetch failed, using conservative defaults",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err),
		)
		return prefs.Default(recipientID)
	}
	return p
}

func (s *Scheduler) channelFor(recipientID uuid.UUID) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.preferencesFor(ctx, recipientID).Channel
}
