package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
)

// Sink mirrors the dispatch.Sink interface to avoid a circular import.
type Sink interface {
	Deliver(ctx context.Context, unit *event.Unit) error
	SupportsChannel(channel string) bool
}

// ProtectedSink wraps any Sink with a CircuitBreaker. When the downstream
// channel (SNS, SES, a webhook endpoint) starts failing, the circuit opens
// and deliveries fail fast instead of piling up behind a dead service.
type ProtectedSink struct {
	sink    Sink
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSink wraps a sink with circuit breaker protection.
func NewProtectedSink(sink Sink, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSink {
	return &ProtectedSink{
		sink:    sink,
		breaker: breaker,
		logger:  logger,
	}
}

// Deliver attempts a delivery through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
// If the delivery succeeds, records success. If it fails, records failure.
func (p *ProtectedSink) Deliver(ctx context.Context, unit *event.Unit) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery - failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("unit_id", unit.ID.String()),
			zap.String("channel", unit.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s channel unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sink.Deliver(ctx, unit)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sink.
func (p *ProtectedSink) SupportsChannel(channel string) bool {
	return p.sink.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSink) Breaker() *CircuitBreaker {
	return p.breaker
}
