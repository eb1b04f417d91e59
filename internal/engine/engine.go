// Package engine assembles the delivery pipeline: the realtime connection,
// the subscription registry, the event queue, the scheduler and the
// dispatcher, behind one lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/conn"
	"github.com/noorsoft/beacon/internal/dispatch"
	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/metrics"
	"github.com/noorsoft/beacon/internal/queue"
	"github.com/noorsoft/beacon/internal/schedule"
	"github.com/noorsoft/beacon/internal/subs"
)

// Runner is a background loop owned by the engine, typically the SQS
// consumer. It must return when its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Options carries the pre-built components the engine orchestrates.
type Options struct {
	Manager    *conn.Manager
	Registry   *subs.Registry
	Queue      *queue.Queue
	Scheduler  *schedule.Scheduler
	Dispatcher *dispatch.Dispatcher
	Runners    []Runner
}

type Engine struct {
	manager    *conn.Manager
	registry   *subs.Registry
	queue      *queue.Queue
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher
	runners    []Runner
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(opts Options, logger *zap.Logger) *Engine {
	e := &Engine{
		manager:    opts.Manager,
		registry:   opts.Registry,
		queue:      opts.Queue,
		scheduler:  opts.Scheduler,
		dispatcher: opts.Dispatcher,
		runners:    opts.Runners,
		logger:     logger,
	}

	e.manager.OnStateChange(func(st conn.State) {
		metrics.SetConnectionPhase(int(st.Phase))
		if st.Phase == conn.PhaseReconnecting {
			metrics.RecordReconnect()
		}
	})

	return e
}

// Start reloads persisted events, brings the connection up and starts the
// scheduler and any background runners. Safe to call once. A failed initial
// dial is not fatal: the manager has already armed its backoff reconnect,
// and delivery resumes once the connection lands.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.queue.Load(ctx); err != nil {
		// Degraded start: the store is unreachable, so we begin with an
		// empty in-memory queue and keep serving.
		e.logger.Error("reloading persisted events failed, starting empty", zap.Error(err))
	}

	if err := e.manager.Connect(ctx); err != nil {
		e.logger.Warn("initial connect failed, reconnecting in background", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(runCtx)
	}()

	for _, r := range e.runners {
		r := r
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(runCtx)
		}()
	}

	e.started = true
	e.logger.Info("engine started")
	return nil
}

// Shutdown stops intake, waits for in-flight deliveries to settle and
// flushes the queue. The context bounds the flush.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	e.manager.Close()
	e.dispatcher.Wait()
	e.queue.Flush(ctx)

	e.logger.Info("engine stopped")
}

// Subscribe registers interest in a topic+filter pair on the realtime feed.
func (e *Engine) Subscribe(ctx context.Context, topic, filter string) (uuid.UUID, error) {
	return e.registry.Subscribe(ctx, topic, filter)
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (e *Engine) Unsubscribe(id uuid.UUID) {
	e.registry.Unsubscribe(id)
}

// EnqueueExternalEvent accepts an event from an out-of-band producer (the
// HTTP API or the SQS consumer) into the same pipeline the realtime feed
// uses.
func (e *Engine) EnqueueExternalEvent(ctx context.Context, rec *event.Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = event.StatusPending
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	// The queue records the enqueue metric itself, and only for records it
	// actually retains.
	return e.queue.Enqueue(ctx, rec)
}

// PendingFor lists undelivered events for a recipient.
func (e *Engine) PendingFor(recipientID uuid.UUID) []event.Record {
	return e.queue.PendingFor(recipientID)
}

// PendingCount counts undelivered events for a recipient.
func (e *Engine) PendingCount(recipientID uuid.UUID) int {
	return e.queue.PendingCount(recipientID)
}

// ConnectionState returns the current realtime connection snapshot.
func (e *Engine) ConnectionState() conn.State {
	return e.manager.StateSnapshot()
}

// Metrics returns the running delivery counters.
func (e *Engine) Metrics() metrics.Snapshot {
	return metrics.CurrentSnapshot()
}
