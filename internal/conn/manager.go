package conn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the connection lifecycle phase.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Quality is the estimated network quality, derived from heartbeat
// round-trip times.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// State is an observable snapshot of the connection. Mutated only by the
// Manager.
type State struct {
	Phase             Phase
	Quality           Quality
	LastConnectedAt   time.Time
	ReconnectAttempts int
}

// ErrClosed is returned by operations on a manager that has been shut down.
var ErrClosed = errors.New("connection manager closed")

// ErrNotConnected is returned by Publish when no session is live.
var ErrNotConnected = errors.New("not connected")

// Config holds the connection manager's timing knobs. Zero values take the
// documented defaults.
type Config struct {
	ConnectTimeout    time.Duration // default 10s
	HeartbeatInterval time.Duration // default 30s
	HeartbeatTimeout  time.Duration // default 5s
	BaseDelay         time.Duration // reconnect backoff base, default 1s
	MaxDelay          time.Duration // reconnect backoff cap, default 2m
	MaxAttempts       int           // reconnect ceiling before phase=error, default 5
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// heartbeatFailureLimit is how many consecutive failed heartbeats demote
// quality and force a reconnect.
const heartbeatFailureLimit = 3

// Manager owns the connection lifecycle. All state transitions flow through
// it and are fanned out to registered handlers exactly once, in order.
type Manager struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger

	mu             sync.Mutex
	state          State
	session        Session
	gen            int // connection generation; stale timers/heartbeats check it
	heartbeatFails int
	reconnectTimer *time.Timer
	closed         bool

	notifier *notifier
}

// NewManager creates a manager over the given transport. Connect must be
// called explicitly to bring the connection up.
func NewManager(transport Transport, cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		state:     State{Phase: PhaseDisconnected, Quality: QualityOffline},
		notifier:  newNotifier(),
	}
	go m.notifier.run()
	return m
}

// OnStateChange registers a handler for state transitions. Handlers are
// called in registration order, one transition at a time.
func (m *Manager) OnStateChange(fn func(State)) {
	m.notifier.addListener(fn)
}

// StateSnapshot returns the current connection state.
func (m *Manager) StateSnapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a session is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase == PhaseConnected
}

// CurrentSession returns the live session, or nil.
func (m *Manager) CurrentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect brings the connection up. It is idempotent: calling it while
// already connected, connecting or reconnecting is a no-op. A call after the
// manager gave up (phase error) restarts the attempt cycle from zero.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state.Phase {
	case PhaseConnected, PhaseConnecting, PhaseReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.state.ReconnectAttempts = 0
	m.transition(PhaseConnecting, m.state.Quality)
	m.mu.Unlock()

	return m.attempt(ctx)
}

// attempt performs one dial with the connect timeout. Failure schedules a
// backoff reconnect and returns the dial error.
func (m *Manager) attempt(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	session, err := m.transport.Dial(dialCtx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if session != nil {
			session.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.logger.Warn("change-stream dial failed",
			zap.Error(err),
			zap.Int("attempt", m.state.ReconnectAttempts),
		)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	m.session = session
	m.gen++
	gen := m.gen
	m.heartbeatFails = 0
	m.state.LastConnectedAt = time.Now()
	m.state.ReconnectAttempts = 0
	m.transition(PhaseConnected, QualityGood)
	m.mu.Unlock()

	m.logger.Info("change-stream connected")
	go m.heartbeatLoop(gen, session)
	return nil
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// gives up and parks in the error phase once the ceiling is reached.
// Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	m.state.ReconnectAttempts++
	if m.state.ReconnectAttempts > m.cfg.MaxAttempts {
		m.logger.Error("reconnect ceiling reached, giving up until explicit connect",
			zap.Int("attempts", m.state.ReconnectAttempts-1),
		)
		m.transition(PhaseError, QualityOffline)
		return
	}

	delay := backoffDelay(m.cfg, m.state.ReconnectAttempts)
	m.transition(PhaseReconnecting, m.state.Quality)
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.state.ReconnectAttempts),
		zap.Duration("delay", delay),
	)

	gen := m.gen
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.closed || m.gen != gen || m.state.Phase != PhaseReconnecting
		m.mu.Unlock()
		if stale {
			return
		}
		_ = m.attempt(context.Background())
	})
}

// backoffDelay computes min(base * 2^attempt + jitter, maxDelay). Jitter is
// bounded below one base so consecutive delays never decrease.
func backoffDelay(cfg Config, attempt int) time.Duration {
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := cfg.BaseDelay << uint(shift)
	if d < 0 || d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	if d+jitter > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d + jitter
}

// heartbeatLoop pings the session at the configured interval. Three
// consecutive failures demote quality and force a reconnect without waiting
// for an explicit disconnect signal.
func (m *Manager) heartbeatLoop(gen int, session Session) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if m.closed || m.gen != gen || m.state.Phase != PhaseConnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		pingCtx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatTimeout)
		start := time.Now()
		err := session.Ping(pingCtx)
		rtt := time.Since(start)
		cancel()

		m.mu.Lock()
		if m.closed || m.gen != gen {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.heartbeatFails++
			m.logger.Warn("heartbeat failed",
				zap.Error(err),
				zap.Int("consecutive_failures", m.heartbeatFails),
			)
			if m.heartbeatFails >= heartbeatFailureLimit {
				m.transition(m.state.Phase, QualityPoor)
				m.dropSessionLocked()
				m.scheduleReconnectLocked()
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			continue
		}
		m.heartbeatFails = 0
		q := qualityForRTT(rtt)
		if q != m.state.Quality {
			m.transition(m.state.Phase, q)
		}
		m.mu.Unlock()
	}
}

func qualityForRTT(rtt time.Duration) Quality {
	switch {
	case rtt < 150*time.Millisecond:
		return QualityExcellent
	case rtt < 500*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Publish sends a best-effort outbound payload over the live session.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	session := m.session
	connected := m.state.Phase == PhaseConnected
	m.mu.Unlock()

	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Publish(ctx, topic, payload)
}

// Disconnect tears the connection down and stops all timers. The manager can
// be brought back with Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.dropSessionLocked()
	if m.state.Phase != PhaseDisconnected {
		m.transition(PhaseDisconnected, QualityOffline)
	}
}

// Close shuts the manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.dropSessionLocked()
	m.transition(PhaseDisconnected, QualityOffline)
	m.mu.Unlock()

	m.notifier.close()
}

// dropSessionLocked closes the live session and cancels any pending
// reconnect timer. Caller holds m.mu.
func (m *Manager) dropSessionLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.gen++
	m.heartbeatFails = 0
}

// transition updates phase/quality and queues the new state for listener
// delivery. Caller holds m.mu.
func (m *Manager) transition(phase Phase, quality Quality) {
	m.state.Phase = phase
	m.state.Quality = quality
	m.logger.Debug("connection state transition",
		zap.String("phase", phase.String()),
		zap.String("quality", quality.String()),
	)
	m.notifier.publish(m.state)
}

// notifier fans state transitions out to listeners from a single goroutine,
// preserving transition order and delivering each exactly once.
type notifier struct {
	mu        sync.Mutex
	queue     []State
	listeners []func(State)
	signal    chan struct{}
	done      chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (n *notifier) addListener(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *notifier) publish(s State) {
	n.mu.Lock()
	n.queue = append(n.queue, s)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.signal:
		}
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			s := n.queue[0]
			n.queue = n.queue[1:]
			listeners := make([]func(State), len(n.listeners))
			copy(listeners, n.listeners)
			n.mu.Unlock()

			for _, fn := range listeners {
				fn(s)
			}
		}
	}
}

func (n *notifier) close() {
	close(n.done)
}
