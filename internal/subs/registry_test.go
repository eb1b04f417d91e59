package subs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/conn"
	"github.com/noorsoft/beacon/internal/event"
)

// capturingSink records enqueued events.
type capturingSink struct {
	mu   sync.Mutex
	recs []*event.Record
}

func (s *capturingSink) Enqueue(_ context.Context, rec *event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *capturingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// flakySession fails the first failSubs Subscribe calls after each reset.
type flakySession struct {
	mu       sync.Mutex
	failSubs int
	calls    int
	handlers map[string]func([]byte)
}

func newFlakySession(failSubs int) *flakySession {
	return &flakySession{failSubs: failSubs, handlers: make(map[string]func([]byte))}
}

func (s *flakySession) Subscribe(_ context.Context, topic, _ string, onPayload func([]byte), _ func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failSubs {
		return nil, errors.New("channel_error")
	}
	s.handlers[topic] = onPayload
	return func() {}, nil
}

func (s *flakySession) Publish(_ context.Context, _ string, _ []byte) error { return nil }
func (s *flakySession) Ping(_ context.Context) error                        { return nil }
func (s *flakySession) Close() error                                        { return nil }

func (s *flakySession) deliver(topic string, raw []byte) {
	s.mu.Lock()
	h := s.handlers[topic]
	s.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (s *flakySession) attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

type sessionTransport struct {
	session conn.Session
}

func (t *sessionTransport) Dial(_ context.Context) (conn.Session, error) {
	return t.session, nil
}

func newTestManager(t *testing.T, session conn.Session) *conn.Manager {
	t.Helper()
	m := conn.NewManager(&sessionTransport{session: session}, conn.Config{
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		MaxAttempts:       3,
	}, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSubscribe_IdempotentByTopicFilter(t *testing.T) {
	session := newFlakySession(0)
	m := newTestManager(t, session)
	r := NewRegistry(m, &capturingSink{}, zap.NewNop())
	_ = m.Connect(context.Background())

	id1, err := r.Subscribe(context.Background(), "rankings", "org=alfalah")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id2, err := r.Subscribe(context.Background(), "rankings", "org=alfalah")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id1 != id2 {
		t.Error("same topic+filter should return the existing subscription")
	}

	id3, _ := r.Subscribe(context.Background(), "rankings", "org=annoor")
	if id3 == id1 {
		t.Error("different filter must create a new subscription")
	}
	if r.Count() != 2 {
		t.Errorf("expected 2 subscriptions, got %d", r.Count())
	}
}

func TestIngest_TranslatesAndEnqueues(t *testing.T) {
	session := newFlakySession(0)
	m := newTestManager(t, session)
	sink := &capturingSink{}
	r := NewRegistry(m, sink, zap.NewNop())
	_ = m.Connect(context.Background())
	waitFor(t, time.Second, m.IsConnected)

	if _, err := r.Subscribe(context.Background(), string(event.TopicTaskAssigned), ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return session.attached() == 1 })

	recipient := uuid.New()
	raw := fmt.Sprintf(`{
		"topic": "task_assigned",
		"recipient_id": %q,
		"priority": "high",
		"payload": {"task": "surah review"},
		"cultural_flags": {"devotional_sensitive": true}
	}`, recipient)
	session.deliver(string(event.TopicTaskAssigned), []byte(raw))

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	rec := sink.recs[0]
	sink.mu.Unlock()
	if rec.Topic != event.TopicTaskAssigned || rec.RecipientID != recipient {
		t.Errorf("bad translation: %+v", rec)
	}
	if rec.Priority != event.PriorityHigh || !rec.Flags.DevotionalSensitive {
		t.Errorf("priority/flags not carried: %+v", rec)
	}
	if rec.Status != event.StatusPending || rec.ID == uuid.Nil {
		t.Errorf("record not initialized for ingestion: %+v", rec)
	}
}

func TestIngest_DropsMalformedPayloads(t *testing.T) {
	session := newFlakySession(0)
	m := newTestManager(t, session)
	sink := &capturingSink{}
	r := NewRegistry(m, sink, zap.NewNop())
	_ = m.Connect(context.Background())
	waitFor(t, time.Second, m.IsConnected)

	_, _ = r.Subscribe(context.Background(), "rankings", "")
	waitFor(t, time.Second, func() bool { return session.attached() == 1 })

	bad := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"topic":"rankings","recipient_id":"not-a-uuid"}`),
		[]byte(fmt.Sprintf(`{"topic":"mystery_topic","recipient_id":%q}`, uuid.New())),
		[]byte(fmt.Sprintf(`{"topic":"ranking_changed","recipient_id":%q,"priority":"mega"}`, uuid.New())),
	}
	for _, raw := range bad {
		session.deliver("rankings", raw)
	}

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("malformed payloads must be dropped, enqueued %d", sink.count())
	}
}

func TestReconnect_ResubscribesAllDespiteTransientFailure(t *testing.T) {
	// Three topics registered while disconnected; the first resubscribe call
	// fails transiently, the other two must still go through.
	session := newFlakySession(1)
	m := newTestManager(t, session)
	r := NewRegistry(m, &capturingSink{}, zap.NewNop())

	topics := []string{"rankings", "tasks", "achievements"}
	for _, topic := range topics {
		if _, err := r.Subscribe(context.Background(), topic, ""); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	if session.attached() != 0 {
		t.Fatal("nothing should be attached before connect")
	}

	_ = m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return session.attached() == 2 })

	// The failed one is picked up on the next reconnect.
	m.Disconnect()
	_ = m.Connect(context.Background())
	waitFor(t, time.Second, func() bool { return session.attached() == 3 })
}

func TestUnsubscribe(t *testing.T) {
	session := newFlakySession(0)
	m := newTestManager(t, session)
	r := NewRegistry(m, &capturingSink{}, zap.NewNop())
	_ = m.Connect(context.Background())

	id, _ := r.Subscribe(context.Background(), "rankings", "")
	r.Unsubscribe(id)
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}

	// Unknown id is a no-op.
	r.Unsubscribe(uuid.New())
}
