package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shoalproj/shoal/internal/logging"
	"github.com/shoalproj/shoal/internal/metrics"
	"github.com/shoalproj/shoal/types"
)

var (
	// ErrNotEstablished is returned by Send before the handshake completes.
	ErrNotEstablished = errors.New("connection not established")

	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("connection manager closed")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("connection manager already initialized")

	// ErrWorkerURLUnknown is returned when no worker URL has been resolved
	// yet.
	ErrWorkerURLUnknown = errors.New("worker URL not known yet")
)

// Manager maintains one logical connection to the worker serving an
// assignment. It dials, performs the handshake, schedules keepalive
// heartbeats, and transparently reconnects with backoff when the channel
// drops, re-resolving the owning worker on every attempt.
//
// All notifications are delivered on Events. The manager never calls back
// into application code directly.
type Manager struct {
	locator Locator
	session SessionStore
	env     Environment
	dialer  Dialer

	policy      ReconnectPolicy
	hbPeriod    time.Duration
	fallbackURL string
	eventBuffer int

	logger  types.Logger
	metrics types.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
	hb     *heartbeatTimer

	// firstConnectDone gates reconnect attempts until the initial connect,
	// with its potentially slow environment detection, has finished.
	firstConnectDone chan struct{}
	firstOnce        sync.Once

	mu                sync.Mutex
	initialized       bool
	closed            bool
	assignmentID      string
	clientID          string
	clientCounter     string
	workerURL         string
	state             ConnState
	ch                Channel
	chGen             int // identifies the live channel; stale callbacks are ignored
	firstConnect      bool
	wantReconnect     bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocator sets the worker locator. Without one the manager stays
// dormant: Initialize records the assignment but never dials.
func WithLocator(locator Locator) Option {
	return func(m *Manager) {
		m.locator = locator
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger types.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the manager metrics collector.
func WithMetrics(collector types.MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithHeartbeatPeriod overrides DefaultHeartbeatPeriod.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.hbPeriod = d
		}
	}
}

// WithReconnectPolicy overrides the default backoff table.
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithFallbackURL sets the URL used when the locator reports the
// assignment is served through default routing (empty worker URL).
func WithFallbackURL(rawURL string) Option {
	return func(m *Manager) {
		m.fallbackURL = rawURL
	}
}

// WithEventBuffer sets the event channel capacity (default 64). Server
// messages are dropped with a warning when the consumer falls this far
// behind; state and status events wait for room instead.
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.eventBuffer = n
		}
	}
}

// NewManager creates a connection manager.
//
// Parameters:
//   - session: Client identity store shared across managers in the session
//   - env: Ambient client details for handshake and heartbeats
//   - dialer: Channel factory, typically NewWSDialer()
//   - opts: Optional configuration (locator, logger, timings)
func NewManager(session SessionStore, env Environment, dialer Dialer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		session:          session,
		env:              env,
		dialer:           dialer,
		policy:           NewReconnectPolicy(),
		hbPeriod:         DefaultHeartbeatPeriod,
		eventBuffer:      64,
		logger:           logging.NewNop(),
		metrics:          metrics.NewNop(),
		ctx:              ctx,
		cancel:           cancel,
		hb:               newHeartbeatTimer(),
		firstConnectDone: make(chan struct{}),
		firstConnect:     true,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.events = make(chan Event, m.eventBuffer)
	m.clientCounter = session.NextConnectionCounter()

	return m
}

// Events returns the notification stream. Consumers should drain it
// promptly: server messages are dropped rather than block when the consumer
// falls behind, while state and status events are never dropped (delivery
// waits for buffer room, so a stalled consumer stalls the manager until it
// reads or the manager is closed).
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Initialize binds the manager to an assignment and starts the first
// connection attempt in the background.
//
// Without a locator the manager records the assignment and logs that it is
// not activating; all other operations remain inert.
func (m *Manager) Initialize(assignmentID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}
	if m.initialized {
		m.mu.Unlock()

		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.assignmentID = assignmentID
	m.clientID = m.session.ClientID(assignmentID)
	m.mu.Unlock()

	if m.locator == nil {
		m.logger.Info("connection manager not activating: no worker lookup configured",
			"assignment_id", assignmentID)

		return nil
	}

	m.emit(ConnectStateEvent{Established: false})

	go func() {
		m.connect(false)
		m.firstOnce.Do(func() { close(m.firstConnectDone) })
	}()

	return nil
}

// connect performs one connection attempt. It re-resolves the worker URL,
// builds the connection address with identity parameters, and dials. Dial
// failures funnel into the same reconnect path as channel drops.
func (m *Manager) connect(isReconnecting bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}
	m.wantReconnect = true
	if isReconnecting {
		m.reconnectAttempts++
	}
	attempt := m.reconnectAttempts
	assignmentID := m.assignmentID
	m.mu.Unlock()

	if isReconnecting {
		m.metrics.RecordReconnectAttempt(attempt)
		m.logger.Info("reconnecting", "assignment_id", assignmentID, "attempt", attempt)
	}

	resolved, err := m.locator.ResolveWorkerURL(m.ctx, assignmentID)
	if err != nil {
		// Keep any previously known URL; dialing a stale address routes the
		// failure into the ordinary reconnect path.
		m.logger.Warn("failed to resolve worker for assignment",
			"assignment_id", assignmentID, "error", err)
	} else {
		m.mu.Lock()
		if resolved == "" {
			m.workerURL = m.fallbackURL
		} else {
			m.workerURL = resolved
		}
		m.mu.Unlock()
	}

	tz, err := m.env.Timezone(m.ctx)
	if err != nil {
		m.logger.Debug("timezone detection failed", "error", err)
		tz = ""
	}

	m.mu.Lock()
	if m.closed || !m.wantReconnect {
		m.mu.Unlock()

		return
	}
	workerURL := m.workerURL
	clientID := m.clientID
	counter := m.clientCounter
	m.mu.Unlock()

	if workerURL == "" {
		m.logger.Warn("no worker URL known; abandoning connection attempt",
			"assignment_id", assignmentID)

		return
	}

	dialURL, err := buildConnectURL(workerURL, clientID, counter, !isReconnecting, tz, m.env.UserSelector())
	if err != nil {
		m.logger.Error("failed to build connection URL", "url", workerURL, "error", err)

		return
	}

	m.logger.Debug("opening channel", "url", dialURL)

	ch, err := m.dialer.Dial(m.ctx, dialURL)
	if err != nil {
		m.logger.Warn("channel open failed", "assignment_id", assignmentID, "error", err)
		m.mu.Lock()
		gen := m.chGen
		m.mu.Unlock()
		m.onChannelDown(gen)

		return
	}

	m.mu.Lock()
	if m.closed || !m.wantReconnect {
		m.mu.Unlock()
		ch.Close()

		return
	}
	m.chGen++
	gen := m.chGen
	m.ch = ch
	m.state = StateConnecting
	m.reconnectAttempts = 0
	m.mu.Unlock()

	m.scheduleHeartbeat()

	go func() {
		for data := range ch.Recv() {
			m.onMessage(gen, data)
		}
		m.onChannelDown(gen)
	}()
}

// onMessage dispatches one inbound message. Any traffic resets the
// heartbeat timer.
func (m *Manager) onMessage(gen int, data []byte) {
	m.mu.Lock()
	if m.closed || gen != m.chGen {
		m.mu.Unlock()

		return
	}
	established := m.state == StateEstablished
	m.mu.Unlock()

	m.scheduleHeartbeat()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("dropping unparseable message", "error", err)

		return
	}

	if env.Type == messageTypeConnect {
		m.onHandshake(data)

		return
	}

	if !established {
		m.logger.Debug("dropping message received before handshake", "type", env.Type)

		return
	}

	m.emit(ServerMessageEvent{Data: data})
}

// onHandshake processes the server's clientConnect message: adopts the
// issued client id, reports whether identity was reset, and replays missed
// messages in order.
func (m *Manager) onHandshake(data []byte) {
	var hs handshakeMessage
	if err := json.Unmarshal(data, &hs); err != nil {
		m.logger.Error("failed to parse handshake message", "error", err)

		return
	}

	m.mu.Lock()
	if m.state == StateEstablished {
		m.mu.Unlock()
		m.logger.Info("skipping duplicate handshake message")

		return
	}
	m.state = StateEstablished

	// A changed client id on anything but the very first connect means the
	// server could not resume our session; downstream state must reset.
	reset := hs.ClientID != m.clientID && !m.firstConnect
	if hs.ClientID != m.clientID {
		m.clientID = hs.ClientID
		m.session.SetClientID(m.assignmentID, hs.ClientID)
	}
	m.firstConnect = false
	assignmentID := m.assignmentID
	counter := m.clientCounter
	m.mu.Unlock()

	if hs.Dup {
		m.logger.Warn("missed the initial handshake message; processing its duplicate")
	}

	m.logger.Info("connection established",
		"assignment_id", assignmentID,
		"client_id", hs.ClientID,
		"counter", counter,
		"reset_client_id", reset,
		"missed_messages", len(hs.MissedMessages))

	hs.ResetClientID = reset
	payload, err := json.Marshal(hs)
	if err != nil {
		m.logger.Error("failed to re-encode handshake message", "error", err)

		return
	}

	m.emit(ConnectStateEvent{Established: true})
	m.emit(ConnectionStatusEvent{Message: "Connected", Level: StatusOK})
	m.emit(ServerMessageEvent{Data: payload})
	for _, msg := range hs.MissedMessages {
		m.emit(ServerMessageEvent{Data: msg})
	}
}

// onChannelDown handles a dropped or failed channel for generation gen and
// schedules a reconnect unless the manager was closed deliberately.
func (m *Manager) onChannelDown(gen int) {
	m.mu.Lock()
	if m.closed || gen != m.chGen {
		m.mu.Unlock()

		return
	}
	m.ch = nil
	m.state = StateDisconnected
	want := m.wantReconnect
	attempt := m.reconnectAttempts + 1
	assignmentID := m.assignmentID
	m.mu.Unlock()

	m.hb.Stop()
	m.emit(ConnectStateEvent{Established: false})

	if !want {
		return
	}

	delay := m.policy.Delay(attempt)
	m.logger.Info("connection lost; scheduling reconnect",
		"assignment_id", assignmentID, "attempt", attempt, "delay", delay)
	m.emit(ConnectionStatusEvent{Message: "Trying to reconnect...", Level: StatusWarning})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		// The first connect may still be resolving environment details;
		// reconnects must not race past it.
		select {
		case <-m.firstConnectDone:
		case <-m.ctx.Done():
			return
		}
		m.connect(true)
	})
	m.mu.Unlock()
}

// Send writes one message to the worker. It fails with ErrNotEstablished
// until the handshake completes; write errors surface here while the
// read-side teardown drives the reconnect.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}
	if m.state != StateEstablished || m.ch == nil {
		m.mu.Unlock()

		return ErrNotEstablished
	}
	ch := m.ch
	m.mu.Unlock()

	if err := ch.Send(data); err != nil {
		m.logger.Warn("failed to send message", "error", err)

		return fmt.Errorf("send message: %w", err)
	}

	m.scheduleHeartbeat()

	return nil
}

// scheduleHeartbeat (re)arms the keepalive timer. Any send or receive calls
// this, so the heartbeat only fires after a full quiet period.
func (m *Manager) scheduleHeartbeat() {
	m.hb.Schedule(m.hbPeriod, m.sendHeartbeat)
}

// sendHeartbeat emits one keepalive. A successful send re-arms the timer
// via Send; when the connection is down the chain stops until the next
// handshake restarts it.
func (m *Manager) sendHeartbeat() {
	m.mu.Lock()
	assignmentID := m.assignmentID
	m.mu.Unlock()

	payload, err := json.Marshal(heartbeatMessage{
		Beat:  "alive",
		URL:   m.env.PageURL(),
		DocID: assignmentID,
	})
	if err != nil {
		m.logger.Error("failed to encode heartbeat", "error", err)

		return
	}

	if err := m.Send(payload); err != nil {
		m.logger.Debug("heartbeat not sent", "error", err)

		return
	}

	m.metrics.RecordHeartbeatSent()
}

// Close tears the connection down for good. It is idempotent; a closed
// manager never reconnects. Client identity is cleared so a future manager
// starts a fresh session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}
	m.closed = true
	m.wantReconnect = false
	m.state = StateDisconnected
	ch := m.ch
	m.ch = nil
	m.clientID = ""
	m.firstConnect = true
	m.reconnectAttempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	m.hb.Stop()
	if ch != nil {
		ch.Close()
	}
	m.cancel()
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Established reports whether the handshake has completed on the current
// channel.
func (m *Manager) Established() bool {
	return m.State() == StateEstablished
}

// ClientID returns the server-issued client id, or "" before the first
// handshake.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clientID
}

// AssignmentID returns the assignment this manager is bound to.
func (m *Manager) AssignmentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.assignmentID
}

// WorkerURL returns the most recently resolved worker URL.
func (m *Manager) WorkerURL() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.workerURL == "" {
		return "", ErrWorkerURLUnknown
	}

	return m.workerURL, nil
}

// emit delivers an event to the consumer.
//
// Server messages are load-shed: when the buffer is full they are dropped,
// since the server replays missed traffic on the next handshake. State and
// status events have no replay path, so a consumer that misses one would
// hold a stale view of the connection forever; those wait for buffer room,
// giving up only when the manager shuts down.
func (m *Manager) emit(ev Event) {
	if _, ok := ev.(ServerMessageEvent); ok {
		select {
		case m.events <- ev:
		default:
			m.logger.Warn("event channel full; dropping server message")
		}

		return
	}

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// buildConnectURL assembles the dial address with identity and environment
// query parameters.
func buildConnectURL(workerURL, clientID, counter string, newClient bool, tz, user string) (string, error) {
	u, err := url.Parse(workerURL)
	if err != nil {
		return "", fmt.Errorf("parse worker URL: %w", err)
	}

	bs, err := json.Marshal(browserSettings{Timezone: tz})
	if err != nil {
		return "", fmt.Errorf("encode browser settings: %w", err)
	}

	q := u.Query()
	if clientID == "" {
		// The server treats "0" as "no previous identity".
		q.Set("clientId", "0")
	} else {
		q.Set("clientId", clientID)
	}
	q.Set("counter", counter)
	if newClient {
		q.Set("newClient", "1")
	} else {
		q.Set("newClient", "0")
	}
	q.Set("browserSettings", string(bs))
	if user != "" {
		q.Set("user", user)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
