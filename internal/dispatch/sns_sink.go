package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// SNSSink delivers push notifications through AWS SNS platform endpoints.
// The target endpoint ARN comes from the recipient's delivery preferences.
type SNSSink struct {
	client   *sns.Client
	provider prefs.Provider
	logger   *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSink(ctx context.Context, cfg SNSConfig, provider prefs.Provider, logger *zap.Logger) (*SNSSink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSink{
		client:   sns.NewFromConfig(awsCfg),
		provider: provider,
		logger:   logger,
	}, nil
}

// Deliver publishes the unit payload to the recipient's push endpoint.
func (s *SNSSink) Deliver(ctx context.Context, unit *event.Unit) error {
	if unit.Channel != prefs.ChannelPush {
		return fmt.Errorf("SNS sink only supports push, got: %s", unit.Channel)
	}

	p, err := s.provider.Get(ctx, unit.RecipientID)
	if err != nil {
		return fmt.Errorf("resolving push target: %w", err)
	}
	if p.PushTargetARN == "" {
		return fmt.Errorf("recipient %s has no push target registered", unit.RecipientID)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(p.PushTargetARN),
		Message:   aws.String(string(unit.Payload)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("unit_id", unit.ID.String()),
		zap.String("recipient_id", unit.RecipientID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSink) SupportsChannel(channel string) bool {
	return channel == prefs.ChannelPush
}
