package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// Sink is the unified interface for all delivery channels.
// Implementations: push (SNS), email (SES), webhooks.
type Sink interface {
	Deliver(ctx context.Context, unit *event.Unit) error
	SupportsChannel(channel string) bool
}

// MultiSink routes delivery units to the appropriate channel sink.
type MultiSink struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMultiSink creates a router over multiple underlying sinks.
func NewMultiSink(logger *zap.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{
		sinks:  sinks,
		logger: logger,
	}
}

// Deliver routes the unit to the first sink that supports its channel.
func (m *MultiSink) Deliver(ctx context.Context, unit *event.Unit) error {
	for _, sink := range m.sinks {
		if sink.SupportsChannel(unit.Channel) {
			m.logger.Debug("routing unit to sink",
				zap.String("channel", unit.Channel),
				zap.String("unit_id", unit.ID.String()),
			)
			return sink.Deliver(ctx, unit)
		}
	}

	return fmt.Errorf("no sink found for channel: %s", unit.Channel)
}

// SupportsChannel checks if any underlying sink supports the channel.
func (m *MultiSink) SupportsChannel(channel string) bool {
	for _, sink := range m.sinks {
		if sink.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSink writes delivery units to the log (for development and tests).
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, unit *event.Unit) error {
	s.logger.Info("delivering unit (development mode)",
		zap.String("unit_id", unit.ID.String()),
		zap.String("channel", unit.Channel),
		zap.String("recipient_id", unit.RecipientID.String()),
		zap.Bool("batched", unit.Batched),
		zap.Any("payload", unit.Payload),
	)
	return nil
}

func (s *LogSink) SupportsChannel(channel string) bool {
	// LogSink accepts everything in development mode.
	return channel == prefs.ChannelPush || channel == prefs.ChannelEmail || channel == prefs.ChannelWebhook
}
