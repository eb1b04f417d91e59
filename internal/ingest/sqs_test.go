package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/event"
)

type fakeSQS struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type captureEnqueuer struct {
	mu      sync.Mutex
	err     error
	records []*event.Record
}

func (c *captureEnqueuer) Enqueue(_ context.Context, rec *event.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, rec)
	return nil
}

func sqsMessage(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func TestConsumer_TranslatesAndDeletes(t *testing.T) {
	recipient := uuid.New()
	body := fmt.Sprintf(`{
		"topic": "achievement_earned",
		"recipient_id": %q,
		"priority": "high",
		"payload": {"badge": "gold-streak"},
		"cultural_flags": {"quiet_hours_sensitive": true}
	}`, recipient)

	client := &fakeSQS{messages: []types.Message{sqsMessage("m1", body)}}
	sink := &captureEnqueuer{}
	c := NewConsumerFromClient(client, Config{QueueURL: "q"}, sink, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 enqueued record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Topic != event.TopicAchievementEarned {
		t.Errorf("topic = %s", rec.Topic)
	}
	if rec.RecipientID != recipient {
		t.Errorf("recipient = %s", rec.RecipientID)
	}
	if rec.Priority != event.PriorityHigh {
		t.Errorf("priority = %s", rec.Priority)
	}
	if !rec.Flags.QuietHoursSensitive {
		t.Error("cultural flags should carry through")
	}
	if rec.Status != event.StatusPending {
		t.Errorf("status = %s", rec.Status)
	}

	if got := client.deletedHandles(); len(got) != 1 || got[0] != "rh-m1" {
		t.Errorf("message should be deleted after enqueue, got %v", got)
	}
}

func TestConsumer_DropsMalformedMessages(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"topic":"achievement_earned","recipient_id":"not-a-uuid","priority":"high"}`,
		fmt.Sprintf(`{"topic":"achievement_earned","recipient_id":%q,"priority":"soonish"}`, uuid.New()),
		fmt.Sprintf(`{"topic":"","recipient_id":%q}`, uuid.New()),
	}

	var msgs []types.Message
	for i, b := range bodies {
		msgs = append(msgs, sqsMessage(fmt.Sprintf("m%d", i), b))
	}

	client := &fakeSQS{messages: msgs}
	sink := &captureEnqueuer{}
	c := NewConsumerFromClient(client, Config{QueueURL: "q"}, sink, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(sink.records) != 0 {
		t.Errorf("malformed messages must not be enqueued, got %d", len(sink.records))
	}
	// All are deleted so they do not cycle through the queue forever.
	if got := client.deletedHandles(); len(got) != len(bodies) {
		t.Errorf("expected %d deletions, got %d", len(bodies), len(got))
	}
}

func TestConsumer_LeavesMessageOnEnqueueFailure(t *testing.T) {
	body := fmt.Sprintf(`{"topic":"task_assigned","recipient_id":%q,"priority":"normal","payload":{}}`, uuid.New())
	client := &fakeSQS{messages: []types.Message{sqsMessage("m1", body)}}
	sink := &captureEnqueuer{err: errors.New("store unavailable")}
	c := NewConsumerFromClient(client, Config{QueueURL: "q"}, sink, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := client.deletedHandles(); len(got) != 0 {
		t.Errorf("message must stay for redelivery on transient failure, got deletions %v", got)
	}
}

func TestConsumer_DefaultPriorityIsNormal(t *testing.T) {
	body := fmt.Sprintf(`{"topic":"ranking_changed","recipient_id":%q,"payload":{}}`, uuid.New())
	client := &fakeSQS{messages: []types.Message{sqsMessage("m1", body)}}
	sink := &captureEnqueuer{}
	c := NewConsumerFromClient(client, Config{QueueURL: "q"}, sink, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	if sink.records[0].Priority != event.PriorityNormal {
		t.Errorf("missing priority should default to normal, got %s", sink.records[0].Priority)
	}
}
