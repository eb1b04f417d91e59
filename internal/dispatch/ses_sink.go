package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
	"github.com/noorsoft/beacon/internal/prefs"
)

// SESSink delivers units as email digests through AWS SES. The destination
// address comes from the recipient's delivery preferences.
type SESSink struct {
	client   *ses.Client
	provider prefs.Provider
	from     string
	logger   *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSink(ctx context.Context, cfg SESConfig, provider prefs.Provider, logger *zap.Logger) (*SESSink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSink{
		client:   ses.NewFromConfig(awsCfg),
		provider: provider,
		from:     cfg.FromEmail,
		logger:   logger,
	}, nil
}

func (s *SESSink) Deliver(ctx context.Context, unit *event.Unit) error {
	if unit.Channel != prefs.ChannelEmail {
		return fmt.Errorf("SES sink only supports email, got: %s", unit.Channel)
	}

	p, err := s.provider.Get(ctx, unit.RecipientID)
	if err != nil {
		return fmt.Errorf("resolving email address: %w", err)
	}
	if p.Email == "" {
		return fmt.Errorf("recipient %s has no email address registered", unit.RecipientID)
	}

	subject := "New activity update"
	if unit.Batched {
		subject = fmt.Sprintf("%d activity updates", len(unit.Records))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{p.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(string(unit.Payload)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("unit_id", unit.ID.String()),
		zap.String("to", p.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSink) SupportsChannel(channel string) bool {
	return channel == prefs.ChannelEmail
}
