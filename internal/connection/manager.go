package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/rickgao/giftplan-realtime/internal/backoff"
	"github.com/rickgao/giftplan-realtime/internal/topic"
)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock sets the clock used for reconnect and heartbeat timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver sets the instrumentation observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// Manager owns the single push connection and its state machine.
type Manager struct {
	cfg      Config
	auth     Authenticator
	dialer   Dialer
	clock    clockwork.Clock
	logger   *slog.Logger
	observer Observer
	policy   backoff.Policy
	registry *topic.Registry

	// Throttles "dropped send" diagnostics.
	dropLog rate.Sometimes

	// Guards everything below and every wire write.
	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	connID     string
	gen        uint64 // Bumped whenever in-flight callbacks become stale
	manual     bool   // Set by Disconnect, cleared by Connect
	attempts   int
	dialCancel context.CancelFunc
	retry      clockwork.Timer
	heartbeat  *heartbeat

	listeners    map[uint64]func(StateEvent)
	nextListener uint64
	pending      []StateEvent
	notifyMu     sync.Mutex

	// Stats
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	malformed      atomic.Int64
	droppedSends   atomic.Int64
	handlerPanics  atomic.Int64
}

// New creates a Connection Manager. The manager starts disconnected;
// call Connect to open the connection.
func New(cfg Config, auth Authenticator, opts ...Option) *Manager {
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:       cfg,
		auth:      auth,
		policy:    cfg.Policy(),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		observer:  nopObserver{},
		dropLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
		listeners: make(map[uint64]func(StateEvent)),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.dialer == nil {
		m.dialer = NewWebSocketDialer(cfg)
	}

	m.registry = topic.NewRegistry(m.logger)
	m.registry.OnPanic = func(t string, _ any) {
		m.handlerPanics.Add(1)
		m.observer.HandlerPanicked(t)
	}

	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Topics returns the topics that currently have handlers.
func (m *Manager) Topics() []string {
	return m.registry.Topics()
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		State:    m.state,
		Attempts: m.attempts,
	}
	if m.state == StateConnected {
		st.ConnID = m.connID
	}
	m.mu.Unlock()

	st.Topics = m.registry.Len()
	st.FramesSent = m.framesSent.Load()
	st.FramesReceived = m.framesReceived.Load()
	st.MalformedFrames = m.malformed.Load()
	st.DroppedSends = m.droppedSends.Load()
	st.HandlerPanics = m.handlerPanics.Load()
	return st
}

// Observe registers fn for state transitions. Listeners run outside the
// manager lock, in transition order. The returned func removes fn.
func (m *Manager) Observe(fn func(StateEvent)) (cancel func()) {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connect opens the connection unless one is already open or opening.
// It returns immediately; watch the state to learn the outcome.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.unlock()

	m.connectLocked()
}

// Disconnect closes the connection and suppresses automatic reconnection
// until Connect is called again. Frames still being read are dropped once
// Disconnect returns; a dispatch that had already started may finish.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()

	m.manual = true
	idle := m.conn == nil && m.retry == nil && m.dialCancel == nil && m.heartbeat == nil
	if m.state == StateDisconnected && idle {
		return
	}

	m.teardownLocked()
	m.gen++
	m.setStateLocked(StateDisconnected, nil)

	m.logger.Info("websocket disconnected", "url", m.cfg.URL)
}

// Send writes msg as one JSON frame. Frames are only written while
// connected; otherwise the frame is dropped and ErrNotConnected returned.
func (m *Manager) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	action := "custom"
	if cm, ok := msg.(ControlMessage); ok {
		action = string(cm.Action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.conn == nil {
		m.droppedSends.Add(1)
		state := m.state
		m.dropLog.Do(func() {
			m.logger.Warn("dropping frame while not connected",
				"action", action,
				"state", state.String(),
			)
		})
		return ErrNotConnected
	}

	return m.writeLocked(data, action)
}

// Subscribe registers handler for topicName. When connected and the topic
// is new, a subscribe frame is sent right away; otherwise the topic is
// subscribed on the next successful connection.
//
// The returned func removes exactly this handler. When it was the last
// handler for the topic, an unsubscribe frame is sent if connected.
func (m *Manager) Subscribe(topicName string, handler topic.Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	tok, first := m.registry.Register(topicName, handler)
	if first && m.state == StateConnected {
		m.writeControlLocked(Subscribe(topicName))
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(tok)
		})
	}
}

// Unsubscribe removes every handler for topicName.
func (m *Manager) Unsubscribe(topicName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry.Remove(topicName) && m.state == StateConnected {
		m.writeControlLocked(Unsubscribe(topicName))
	}
}

// release drops one handler registration.
func (m *Manager) release(tok topic.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry.Unregister(tok) && m.state == StateConnected {
		m.writeControlLocked(Unsubscribe(tok.Topic))
	}
}

// connectLocked starts a dial. It reports whether a dial was started or
// one is already in progress.
func (m *Manager) connectLocked() bool {
	if m.state == StateConnecting || m.state == StateConnected {
		m.logger.Debug("connect ignored", "state", m.state.String())
		return true
	}

	if m.auth == nil || !m.auth.IsAuthenticated() {
		m.logger.Info("connect skipped: not authenticated")
		return false
	}
	token := m.auth.Token()
	if token == "" {
		m.logger.Info("connect skipped: no token")
		return false
	}

	m.teardownLocked()
	m.manual = false
	m.gen++
	gen := m.gen

	target, err := BuildURL(m.cfg.URL, token)
	if err != nil {
		m.logger.Error("cannot build websocket url", "url", m.cfg.URL, "error", err)
		m.setStateLocked(StateError, err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	m.dialCancel = cancel
	m.setStateLocked(StateConnecting, nil)

	m.logger.Debug("websocket connecting", "url", m.cfg.URL, "attempt", m.attempts)

	go m.dial(ctx, cancel, gen, target)
	return true
}

// dial runs the handshake off the caller's goroutine.
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer cancel()

	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Disconnect or a newer Connect won the race.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("websocket connect failed", "url", m.cfg.URL, "error", err)
		m.setStateLocked(StateError, err)
		m.recoverLocked(err)
		m.unlock()
		return
	}

	m.conn = conn
	m.connID = uuid.NewString()
	m.attempts = 0
	m.setStateLocked(StateConnected, nil)
	m.startHeartbeatLocked(gen)

	topics := m.registry.Topics()
	for _, t := range topics {
		m.writeControlLocked(Subscribe(t))
	}

	m.logger.Info("websocket connected",
		"url", m.cfg.URL,
		"conn_id", m.connID,
		"topics", len(topics),
	)

	go m.readLoop(gen, conn)
	m.unlock()
}

// readLoop reads frames until the connection fails or goes stale.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.gen || m.conn != conn {
				m.mu.Unlock()
				return
			}
			m.handleTransportFailureLocked(err)
			m.unlock()
			return
		}

		if !m.current(gen) {
			return
		}
		m.handleFrame(gen, data)
	}
}

// current reports whether gen is still the live connection.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleTransportFailureLocked classifies a read error and enters the
// reconnect path.
func (m *Manager) handleTransportFailureLocked(err error) {
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	if isClose(err) {
		code, reason := closeDetails(err)
		m.logger.Info("websocket closed",
			"conn_id", m.connID,
			"code", code,
			"reason", reason,
		)
		if !m.cfg.Reconnect {
			m.setStateLocked(StateDisconnected, err)
			return
		}
		m.recoverLocked(err)
		return
	}

	m.logger.Warn("websocket transport error", "conn_id", m.connID, "error", err)
	m.setStateLocked(StateError, err)
	m.recoverLocked(err)
}

// recoverLocked schedules the next reconnect attempt when enabled.
// Without reconnect the current state is left as is.
func (m *Manager) recoverLocked(cause error) {
	m.stopHeartbeatLocked()
	if !m.cfg.Reconnect || m.manual {
		return
	}

	delay := m.policy.Delay(m.attempts)
	attempt := m.attempts
	m.attempts++
	m.gen++
	gen := m.gen

	m.setStateLocked(StateReconnecting, cause)
	m.retry = m.clock.AfterFunc(delay, func() {
		m.retryFired(gen)
	})
	m.observer.ReconnectScheduled(attempt, delay)

	m.logger.Info("websocket reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
	)
}

// retryFired runs when the backoff timer expires.
func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen || m.manual || m.state != StateReconnecting {
		return
	}
	m.retry = nil

	if !m.connectLocked() {
		// Credential vanished while waiting; nothing left to retry with.
		m.setStateLocked(StateDisconnected, nil)
	}
}

// teardownLocked stops timers, aborts a pending dial and closes the
// transport. State is left for the caller to set.
func (m *Manager) teardownLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.stopHeartbeatLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// handleFrame decodes one inbound frame and dispatches it. Frames from a
// connection that went stale while decoding are dropped.
func (m *Manager) handleFrame(gen uint64, data []byte) {
	m.framesReceived.Add(1)
	m.observer.FrameReceived()

	if m.cfg.Debug {
		m.logger.Debug("frame received", "frame", string(data))
	}

	ev, err := topic.DecodeEvent(data)
	if err != nil {
		if action, ok := controlReply(data); ok {
			m.logger.Debug("control reply", "action", action, "size", len(data))
			return
		}
		m.malformed.Add(1)
		m.observer.MalformedFrame()
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	if !m.current(gen) {
		m.logger.Debug("dropping frame from stale connection", "topic", ev.Topic)
		return
	}
	if n := m.registry.Dispatch(ev); n == 0 {
		m.logger.Debug("no handlers for topic", "topic", ev.Topic, "event", ev.Kind)
	}
}

// controlReply reports whether data is a server control reply such as
// {"action":"pong"} rather than an event, and returns its action.
func controlReply(data []byte) (string, bool) {
	var env struct {
		Action string `json:"action"`
		Topic  string `json:"topic"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	return env.Action, env.Action != "" && env.Topic == ""
}

// writeControlLocked sends a control frame. Failures are logged only.
func (m *Manager) writeControlLocked(msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("encode control frame", "action", msg.Action, "error", err)
		return
	}
	if err := m.writeLocked(data, string(msg.Action)); err != nil {
		m.logger.Warn("failed to send control frame",
			"action", msg.Action,
			"topic", msg.Topic,
			"error", err,
		)
	}
}

// writeLocked writes one frame. A failed write closes the transport so
// the reader observes the failure and drives reconnection.
func (m *Manager) writeLocked(data []byte, action string) error {
	if m.conn == nil {
		return ErrNotConnected
	}

	if err := m.conn.WriteMessage(data); err != nil {
		m.conn.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	m.framesSent.Add(1)
	m.observer.FrameSent(action)
	if m.cfg.Debug {
		m.logger.Debug("frame sent", "frame", string(data))
	}
	return nil
}

// setStateLocked records a transition and queues it for listeners.
func (m *Manager) setStateLocked(to ConnectionState, cause error) {
	if m.state == to {
		return
	}

	ev := StateEvent{
		From: m.state,
		To:   to,
		Err:  cause,
		At:   m.clock.Now(),
	}
	m.state = to
	m.pending = append(m.pending, ev)

	m.logger.Debug("connection state changed",
		"from", ev.From.String(),
		"to", ev.To.String(),
	)
}

// unlock releases the lock and delivers queued transitions.
func (m *Manager) unlock() {
	m.mu.Unlock()
	m.flushEvents()
}

// flushEvents delivers pending transitions. Only one goroutine delivers at
// a time; a listener that triggers further transitions has them picked up
// by the loop instead of re-entering.
func (m *Manager) flushEvents() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}

		for {
			m.mu.Lock()
			events := m.pending
			m.pending = nil
			listeners := m.snapshotListenersLocked()
			m.mu.Unlock()

			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				m.observer.StateChanged(ev)
				for _, fn := range listeners {
					m.notify(fn, ev)
				}
			}
		}

		m.notifyMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

// snapshotListenersLocked returns listeners in registration order.
func (m *Manager) snapshotListenersLocked() []func(StateEvent) {
	if len(m.listeners) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(StateEvent), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

// notify calls one listener with panic isolation.
func (m *Manager) notify(fn func(StateEvent), ev StateEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("state listener panicked", "panic", fmt.Sprint(rec))
		}
	}()
	fn(ev)
}
