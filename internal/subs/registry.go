// Package subs maps logical topics to active channel handles on top of one
// connection, translates raw change-stream payloads into typed event records,
// and re-establishes every registered subscription after a reconnect.
package subs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/conn"
	"github.com/noorsoft/beacon/internal/event"
)

// Enqueuer absorbs translated records. Implemented by the event queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *event.Record) error
}

// envelope is the raw change-stream payload shape. Anything that does not
// decode into it is logged and dropped; one bad payload never halts the
// stream.
type envelope struct {
	Topic       string              `json:"topic"`
	RecipientID string              `json:"recipient_id"`
	Priority    string              `json:"priority"`
	Payload     json.RawMessage     `json:"payload"`
	Flags       event.CulturalFlags `json:"cultural_flags"`
}

type subscription struct {
	id     uuid.UUID
	topic  string
	filter string
	cancel func()
}

// Registry tracks active subscriptions keyed by (topic, filter). It is the
// single writer of the subscription map; other components reach it only
// through Subscribe/Unsubscribe.
type Registry struct {
	manager *conn.Manager
	sink    Enqueuer
	logger  *zap.Logger

	mu    sync.Mutex
	byKey map[string]*subscription
	byID  map[uuid.UUID]*subscription
}

// NewRegistry creates a registry bound to the connection manager. It hooks
// the manager's state changes so that every registered subscription is
// re-established after a reconnect.
func NewRegistry(manager *conn.Manager, sink Enqueuer, logger *zap.Logger) *Registry {
	r := &Registry{
		manager: manager,
		sink:    sink,
		logger:  logger,
		byKey:   make(map[string]*subscription),
		byID:    make(map[uuid.UUID]*subscription),
	}
	manager.OnStateChange(func(s conn.State) {
		if s.Phase == conn.PhaseConnected {
			r.resubscribeAll()
		}
	})
	return r
}

func subKey(topic, filter string) string {
	return topic + "\x00" + filter
}

// Subscribe registers a topic+filter pair and returns its subscription id.
// Subscribing to the same pair twice returns the existing id rather than
// creating a duplicate.
func (r *Registry) Subscribe(ctx context.Context, topic, filter string) (uuid.UUID, error) {
	r.mu.Lock()
	if existing, ok := r.byKey[subKey(topic, filter)]; ok {
		r.mu.Unlock()
		return existing.id, nil
	}
	sub := &subscription{id: uuid.New(), topic: topic, filter: filter}
	r.byKey[subKey(topic, filter)] = sub
	r.byID[sub.id] = sub
	r.mu.Unlock()

	if session := r.manager.CurrentSession(); session != nil {
		if err := r.attach(ctx, session, sub); err != nil {
			// Registration stands; the next reconnect re-attaches it.
			r.logger.Warn("subscription attach failed, will retry on reconnect",
				zap.String("topic", topic),
				zap.String("filter", filter),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("subscription registered",
		zap.String("subscription_id", sub.id.String()),
		zap.String("topic", topic),
		zap.String("filter", filter),
	)
	return sub.id, nil
}

// Unsubscribe detaches and forgets a subscription. Unknown ids are a no-op.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byKey, subKey(sub.topic, sub.filter))
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if sub.cancel != nil {
		sub.cancel()
	}
	r.logger.Info("subscription removed",
		zap.String("subscription_id", id.String()),
		zap.String("topic", sub.topic),
	)
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// attach binds a subscription to a live session.
func (r *Registry) attach(ctx context.Context, session conn.Session, sub *subscription) error {
	cancel, err := session.Subscribe(ctx, sub.topic, sub.filter,
		func(raw []byte) { r.ingest(sub.topic, raw) },
		func(err error) {
			r.logger.Warn("channel error",
				zap.String("topic", sub.topic),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.topic, err)
	}
	r.mu.Lock()
	sub.cancel = cancel
	r.mu.Unlock()
	return nil
}

// resubscribeAll re-establishes every registered subscription on the current
// session. Failures are isolated: one bad subscription never blocks the
// others.
func (r *Registry) resubscribeAll() {
	session := r.manager.CurrentSession()
	if session == nil {
		return
	}

	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok := 0
	for _, sub := range subs {
		if err := r.attach(ctx, session, sub); err != nil {
			r.logger.Warn("resubscribe failed",
				zap.String("topic", sub.topic),
				zap.String("filter", sub.filter),
				zap.Error(err),
			)
			continue
		}
		ok++
	}
	r.logger.Info("subscriptions re-established",
		zap.Int("ok", ok),
		zap.Int("total", len(subs)),
	)
}

// ingest translates a raw payload into an event record and hands it to the
// queue. Translation failures are dropped with a warning.
func (r *Registry) ingest(topic string, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("dropping malformed change-stream payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	recipient, err := uuid.Parse(env.RecipientID)
	if err != nil {
		r.logger.Warn("dropping payload with invalid recipient id",
			zap.String("topic", topic),
			zap.String("recipient_id", env.RecipientID),
		)
		return
	}
	priority, err := event.ParsePriority(env.Priority)
	if err != nil {
		r.logger.Warn("dropping payload with invalid priority",
			zap.String("topic", topic),
			zap.String("priority", env.Priority),
		)
		return
	}

	rec := &event.Record{
		ID:          uuid.New(),
		Topic:       event.Topic(env.Topic),
		RecipientID: recipient,
		Priority:    priority,
		Payload:     env.Payload,
		Flags:       env.Flags,
		CreatedAt:   time.Now(),
		Status:      event.StatusPending,
	}
	if err := rec.Validate(); err != nil {
		r.logger.Warn("dropping invalid change-stream event",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.Enqueue(ctx, rec); err != nil {
		r.logger.Warn("enqueue failed for change-stream event",
			zap.String("event_id", rec.ID.String()),
			zap.Error(err),
		)
	}
}
