// Package ingest consumes events pushed by backend producers through SQS.
// It is the second ingestion path next to the realtime subscription feed:
// producers that never hold a realtime connection (batch jobs, the LMS
// backend) drop events on the queue and the consumer folds them into the
// same delivery pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
)

// Enqueuer is where consumed events land.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *event.Record) error
}

// SQSAPI is the slice of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS consumer configuration.
type Config struct {
	Region       string
	QueueURL     string
	WaitTime     time.Duration
	MaxMessages  int32
	EnqueueLimit time.Duration
}

func (c *Config) applyDefaults() {
	if c.WaitTime == 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 10
	}
	if c.EnqueueLimit == 0 {
		c.EnqueueLimit = 5 * time.Second
	}
}

// message is the wire shape producers put on the queue.
type message struct {
	Topic       event.Topic         `json:"topic"`
	RecipientID string              `json:"recipient_id"`
	Priority    string              `json:"priority"`
	Payload     json.RawMessage     `json:"payload"`
	Flags       event.CulturalFlags `json:"cultural_flags"`
}

// Consumer long-polls an SQS queue and feeds events into the queue layer.
type Consumer struct {
	client   SQSAPI
	queueURL string
	sink     Enqueuer
	cfg      Config
	logger   *zap.Logger
}

// NewConsumer creates an SQS consumer using the default AWS config chain.
func NewConsumer(ctx context.Context, cfg Config, sink Enqueuer, logger *zap.Logger) (*Consumer, error) {
	cfg.applyDefaults()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// NewConsumerFromClient wires an explicit client. Used by tests.
func NewConsumerFromClient(client SQSAPI, cfg Config, sink Enqueuer, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run long-polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}
		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("sqs consumer stopping")
				return
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			// Back off briefly so a broken queue does not spin the loop.
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// Poll performs a single receive round and processes every message in it.
func (c *Consumer) Poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
	})
	if err != nil {
		return fmt.Errorf("receive message: %w", err)
	}

	for _, msg := range out.Messages {
		c.process(ctx, msg)
	}
	return nil
}

// process translates a single message. Malformed messages are deleted so
// they do not cycle through the queue forever; transient enqueue failures
// leave the message for redelivery.
func (c *Consumer) process(ctx context.Context, msg types.Message) {
	rec, err := c.translate(msg)
	if err != nil {
		c.logger.Warn("dropping malformed queue message",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		c.delete(ctx, msg)
		return
	}

	enqCtx, cancel := context.WithTimeout(ctx, c.cfg.EnqueueLimit)
	err = c.sink.Enqueue(enqCtx, rec)
	cancel()
	if err != nil {
		c.logger.Error("enqueue from sqs failed, leaving message for redelivery",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		return
	}

	c.delete(ctx, msg)
}

func (c *Consumer) translate(msg types.Message) (*event.Record, error) {
	var m message
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &m); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}

	recipient, err := uuid.Parse(m.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient id %q: %w", m.RecipientID, err)
	}

	prio, err := event.ParsePriority(m.Priority)
	if err != nil {
		return nil, err
	}

	rec := &event.Record{
		ID:          uuid.New(),
		Topic:       m.Topic,
		RecipientID: recipient,
		Priority:    prio,
		Payload:     m.Payload,
		Flags:       m.Flags,
		CreatedAt:   time.Now().UTC(),
		Status:      event.StatusPending,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warn("failed to delete sqs message",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
	}
}
