package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// WebhookSink posts delivery units to the recipient's configured webhook URL.
type WebhookSink struct {
	client   *http.Client
	provider prefs.Provider
	logger   *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

func NewWebhookSink(cfg WebhookConfig, provider prefs.Provider, logger *zap.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSink{
		client: &http.Client{
			Timeout: timeout,
		},
		provider: provider,
		logger:   logger,
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, unit *event.Unit) error {
	if unit.Channel != prefs.ChannelWebhook {
		return fmt.Errorf("webhook sink only supports webhooks, got: %s", unit.Channel)
	}

	p, err := s.provider.Get(ctx, unit.RecipientID)
	if err != nil {
		return fmt.Errorf("resolving webhook url: %w", err)
	}
	if p.WebhookURL == "" {
		return fmt.Errorf("recipient %s has no webhook url registered", unit.RecipientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(unit.Payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Beacon/1.0.0")
	req.Header.Set("X-Beacon-Unit-ID", unit.ID.String())
	req.Header.Set("X-Beacon-Recipient-ID", unit.RecipientID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("webhook delivered",
		zap.String("unit_id", unit.ID.String()),
		zap.String("url", p.WebhookURL),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *WebhookSink) SupportsChannel(channel string) bool {
	return channel == prefs.ChannelWebhook
}
