package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/metrics"
)

// Ledger is the slice of the event queue the dispatcher settles against.
type Ledger interface {
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time)
	RequeueWithRetry(ctx context.Context, id uuid.UUID)
}

type Config struct {
	Concurrency     int
	DeliveryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
}

// Dispatcher hands delivery units to the sink layer with bounded
// concurrency. A slow channel backs up at the semaphore instead of
// spawning unbounded goroutines.
type Dispatcher struct {
	sink   Sink
	ledger Ledger
	cfg    Config
	logger *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(sink Sink, ledger Ledger, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()

	return &Dispatcher{
		sink:   sink,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.Concurrency),
	}
}

// Dispatch queues the unit for delivery. It blocks only while all
// delivery slots are busy, then returns; the delivery itself and the
// queue settlement happen on a worker goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, unit *event.Unit) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.logger.Warn("dispatch aborted before acquiring a slot",
			zap.String("unit_id", unit.ID.String()),
		)
		d.settleFailure(unit)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.deliver(unit)
	}()
}

// Wait blocks until all in-flight deliveries settle. Used on shutdown
// after the scheduler has stopped producing units.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(unit *event.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()

	if err := d.sink.Deliver(ctx, unit); err != nil {
		d.logger.Error("delivery failed",
			zap.String("unit_id", unit.ID.String()),
			zap.String("channel", unit.Channel),
			zap.Bool("batched", unit.Batched),
			zap.Error(err),
		)
		metrics.RecordDispatchFailure(unit.Channel)
		d.settleFailure(unit)
		return
	}

	now := time.Now()
	settleCtx, settleCancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer settleCancel()
	for _, rec := range unit.Records {
		d.ledger.MarkDelivered(settleCtx, rec.ID, now)
		metrics.RecordDelivery(unit.Channel, now.Sub(rec.CreatedAt))
	}

	d.logger.Info("unit delivered",
		zap.String("unit_id", unit.ID.String()),
		zap.String("channel", unit.Channel),
		zap.Int("events", len(unit.Records)),
		zap.Bool("batched", unit.Batched),
	)
}

// settleFailure requeues each member independently. A batch retry is
// per-event: members that already exhausted their retry budget drop
// out while the rest go back to pending.
func (d *Dispatcher) settleFailure(unit *event.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()
	for _, rec := range unit.Records {
		d.ledger.RequeueWithRetry(ctx, rec.ID)
	}
}
