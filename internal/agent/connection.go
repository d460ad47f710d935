package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/logger"
	"github.com/recky/print-agent/internal/protocol"
)

var (
	ErrStopped         = errors.New("connection manager stopped")
	ErrWatchdogTimeout = errors.New("watchdog: no pong before timeout")
	ErrWatchdogStalled = errors.New("watchdog: previous ping still unanswered")
	ErrNotConnected    = errors.New("not connected")
	ErrAuthTimeout     = errors.New("authentication not acknowledged before timeout")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var stateTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateConnected, StateDisconnected},
	StateConnected:      {StateAuthenticating, StateClosing, StateDisconnected},
	StateAuthenticating: {StateAuthenticated, StateClosing, StateDisconnected},
	StateAuthenticated:  {StateAuthenticating, StateClosing, StateDisconnected},
	StateClosing:        {StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobQueue is the part of core.Queue the connection drives.
type JobQueue interface {
	Enqueue(req core.JobRequest) (*core.Job, error)
	Stats() core.QueueStats
	Clear() int
}

// ExhaustionNotifier is told when reconnection gives up for good.
type ExhaustionNotifier interface {
	ConnectionExhausted(attempts int, lastErr error)
}

// Status is a point-in-time view of the connection for the control API.
type Status struct {
	State       string    `json:"state"`
	Attempts    int       `json:"reconnectAttempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Exhausted   bool      `json:"exhausted"`
	PendingPong bool      `json:"pendingPong"`
	AuthMode    string    `json:"authMode"`
	LastChange  time.Time `json:"lastChange"`
	LastError   string    `json:"lastError,omitempty"`
}

type eventKind int

const (
	evDialed eventKind = iota
	evMessage
	evReadError
	evCredential
)

type event struct {
	kind  eventKind
	gen   uint64
	conn  Conn
	data  []byte
	err   error
	token string
}

// ConnectionManager keeps one authenticated channel to the coordinator open.
// The Run goroutine owns the loop state; readers, dialers and SetCredential
// only talk to it through events.
type ConnectionManager struct {
	server    config.ServerConfig
	reconnect config.ReconnectConfig
	watchdog  config.WatchdogConfig
	dialer    Dialer
	queue     JobQueue
	notifier  ExhaustionNotifier
	log       logger.Logger
	now       func() time.Time

	events chan event
	done   chan struct{}

	// owned by the event loop
	state          State
	conn           Conn
	connCancel     context.CancelFunc
	gen            uint64
	attempts       int
	exhausted      bool
	stopping       bool
	pendingPong    bool
	credential     string
	lastErr        error
	pingTicker     *time.Ticker
	pongTimer      *time.Timer
	authTimer      *time.Timer
	reconnectTimer *time.Timer

	mu       sync.RWMutex
	snapshot Status
}

type Option func(*ConnectionManager)

func WithNotifier(n ExhaustionNotifier) Option {
	return func(m *ConnectionManager) { m.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *ConnectionManager) { m.now = now }
}

func NewConnectionManager(cfg *config.Config, dialer Dialer, queue JobQueue, log logger.Logger, opts ...Option) *ConnectionManager {
	m := &ConnectionManager{
		server:    cfg.Server,
		reconnect: cfg.Reconnect,
		watchdog:  cfg.Watchdog,
		dialer:    dialer,
		queue:     queue,
		log:       log,
		now:       time.Now,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snapshot = Status{
		State:       StateDisconnected.String(),
		MaxAttempts: m.reconnect.MaxAttempts,
		AuthMode:    string(m.server.AuthMode),
		LastChange:  m.now(),
	}
	return m
}

// Run connects and serves the channel until ctx is cancelled. Cancellation
// closes the connection without scheduling a reconnect. Run returns nil after
// a clean shutdown; exhausting the reconnect attempts does not end it.
func (m *ConnectionManager) Run(ctx context.Context) error {
	defer close(m.done)

	m.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		case <-tickerC(m.pingTicker):
			m.onWatchdogTick(ctx)
		case <-timerC(m.pongTimer):
			m.pongTimer = nil
			if m.pendingPong {
				m.teardown(ErrWatchdogTimeout)
			}
		case <-timerC(m.authTimer):
			m.authTimer = nil
			if m.state == StateAuthenticating {
				m.teardown(ErrAuthTimeout)
			}
		case <-timerC(m.reconnectTimer):
			m.reconnectTimer = nil
			m.connect(ctx)
		}
	}
}

// SetCredential replaces the token sent in authenticateAgent. When a channel
// is open the handshake is run again with the new token.
func (m *ConnectionManager) SetCredential(token string) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.events <- event{kind: evCredential, token: token}:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

func (m *ConnectionManager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func (m *ConnectionManager) Exhausted() bool {
	return m.Status().Exhausted
}

func (m *ConnectionManager) transition(to State) error {
	if !canTransition(m.state, to) {
		return fmt.Errorf("invalid connection transition %s -> %s", m.state, to)
	}
	m.log.Infof("connection %s -> %s", m.state, to)
	m.state = to
	m.publish(true)
	return nil
}

// mustTransition is used on edges the loop guarantees; a failure is a bug and is only logged.
func (m *ConnectionManager) mustTransition(to State) {
	if err := m.transition(to); err != nil {
		m.log.Errorf("%v", err)
	}
}

func (m *ConnectionManager) publish(changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.State = m.state.String()
	m.snapshot.Attempts = m.attempts
	m.snapshot.Exhausted = m.exhausted
	m.snapshot.PendingPong = m.pendingPong
	m.snapshot.LastError = ""
	if m.lastErr != nil {
		m.snapshot.LastError = m.lastErr.Error()
	}
	if changed {
		m.snapshot.LastChange = m.now()
	}
}

func (m *ConnectionManager) connect(ctx context.Context) {
	if m.stopping || m.state != StateDisconnected {
		return
	}
	m.mustTransition(StateConnecting)
	m.gen++
	gen := m.gen
	m.log.Infof("connecting to %s", m.server.URL)

	go func() {
		dialCtx := ctx
		if m.server.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, m.server.DialTimeout)
			defer cancel()
		}
		conn, err := m.dialer.Dial(dialCtx, m.server.URL)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if !m.post(event{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

// post hands an event to the loop. It returns false once the loop is gone.
func (m *ConnectionManager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *ConnectionManager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evDialed:
		m.onDialed(ctx, ev)
	case evMessage:
		if ev.gen == m.gen && m.conn != nil {
			m.onMessage(ctx, ev.data)
		}
	case evReadError:
		if ev.gen == m.gen && m.conn != nil {
			m.log.Warnf("connection lost: %v", ev.err)
			m.teardown(ev.err)
		}
	case evCredential:
		m.onCredential(ctx, ev.token)
	}
}

func (m *ConnectionManager) onDialed(ctx context.Context, ev event) {
	if ev.gen != m.gen || m.state != StateConnecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		m.lastErr = ev.err
		m.log.Errorf("connection failed: %v", ev.err)
		m.mustTransition(StateDisconnected)
		m.scheduleReconnect()
		return
	}

	m.conn = ev.conn
	connCtx, cancel := context.WithCancel(ctx)
	m.connCancel = cancel
	m.mustTransition(StateConnected)
	m.log.Infof("connected to %s", m.server.URL)
	go m.readLoop(connCtx, ev.gen, ev.conn)

	m.authenticate(ctx)
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.post(event{kind: evReadError, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evMessage, gen: gen, data: data}) {
			return
		}
	}
}

func (m *ConnectionManager) token() string {
	if m.credential != "" {
		return m.credential
	}
	if m.server.AuthMode == config.AuthToken {
		return ""
	}
	return m.server.AgentKey
}

func (m *ConnectionManager) authenticate(ctx context.Context) {
	token := m.token()
	if token == "" {
		m.log.Warnf("no credential available, waiting for one from the control API")
		return
	}

	m.stopWatchdog()
	if m.state != StateAuthenticating {
		m.mustTransition(StateAuthenticating)
	}
	if err := m.send(ctx, protocol.ActionAuthenticateAgent, protocol.AuthPayload{
		Token:     token,
		AgentName: m.server.AgentName,
	}); err != nil {
		m.teardown(err)
		return
	}
	m.log.Infof("authentication sent as %q", m.server.AgentName)

	if m.server.AuthMode == config.AuthOptimistic {
		m.onAuthenticated()
		return
	}
	stopTimer(m.authTimer)
	m.authTimer = nil
	if m.server.AuthTimeout > 0 {
		m.authTimer = time.NewTimer(m.server.AuthTimeout)
	}
}

func (m *ConnectionManager) onAuthenticated() {
	stopTimer(m.authTimer)
	m.authTimer = nil
	m.mustTransition(StateAuthenticated)
	m.attempts = 0
	m.lastErr = nil
	m.startWatchdog()
	m.publish(false)
	m.log.Infof("agent authenticated, waiting for print jobs")
}

func (m *ConnectionManager) onCredential(ctx context.Context, token string) {
	m.credential = token
	m.log.Infof("credential updated")
	switch m.state {
	case StateConnected, StateAuthenticating, StateAuthenticated:
		m.authenticate(ctx)
	}
}

func (m *ConnectionManager) onMessage(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.log.Warnf("dropping message: %v", err)
		return
	}

	switch env.Action {
	case protocol.ActionAuthenticated:
		if m.state == StateAuthenticating {
			m.onAuthenticated()
		} else {
			m.log.Debugf("authenticated received in state %s", m.state)
		}

	case protocol.ActionSilentPrint:
		m.onPrint(env)

	case protocol.ActionPing:
		m.log.Infof("ping received, answering with pong")
		if err := m.keepAlive(ctx, protocol.ActionPong); err != nil {
			m.teardown(err)
		}

	case protocol.ActionPong:
		if m.pendingPong {
			m.pendingPong = false
			stopTimer(m.pongTimer)
			m.pongTimer = nil
			m.publish(false)
			m.log.Infof("pong received, watchdog cleared")
		}

	case protocol.ActionGetQueueStats:
		s := m.queue.Stats()
		if err := m.send(ctx, protocol.ActionQueueStats, protocol.QueueStatsPayload{
			Total:        s.Total,
			Processed:    s.Processed,
			Failed:       s.Failed,
			InQueue:      s.InQueue,
			IsProcessing: s.IsProcessing,
		}); err != nil {
			m.teardown(err)
		}

	case protocol.ActionClearQueue:
		n := m.queue.Clear()
		if err := m.send(ctx, protocol.ActionQueueCleared, protocol.QueueClearedPayload{Cleared: n}); err != nil {
			m.teardown(err)
		}

	default:
		m.log.Infof("ignoring unknown action %q", env.Action)
	}
}

func (m *ConnectionManager) onPrint(env *protocol.Envelope) {
	doc, err := protocol.DecodePrint(env)
	if err != nil {
		m.log.Errorf("dropping print job: %v", err)
		return
	}
	dest := doc.Destination
	if dest == "" {
		dest = "default printer"
	}
	m.log.Infof("print job received for %s", dest)
	if _, err := m.queue.Enqueue(core.JobRequest{
		ID:          doc.JobID,
		Destination: doc.Destination,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		Data:        doc.Data,
		UserID:      doc.UserID,
	}); err != nil {
		m.log.Errorf("failed to enqueue print job: %v", err)
	}
}

func (m *ConnectionManager) send(ctx context.Context, action protocol.Action, payload any) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(action, payload)
	if err != nil {
		return err
	}
	return m.write(ctx, action, data)
}

// keepAlive sends a ping or pong stamped with the current time.
func (m *ConnectionManager) keepAlive(ctx context.Context, action protocol.Action) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Ping(action, m.now())
	if err != nil {
		return err
	}
	return m.write(ctx, action, data)
}

func (m *ConnectionManager) write(ctx context.Context, action protocol.Action, data []byte) error {
	if m.server.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.server.WriteTimeout)
		defer cancel()
	}
	if err := m.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	return nil
}

func (m *ConnectionManager) startWatchdog() {
	m.stopWatchdog()
	m.pingTicker = time.NewTicker(m.watchdog.Interval)
}

func (m *ConnectionManager) stopWatchdog() {
	if m.pingTicker != nil {
		m.pingTicker.Stop()
		m.pingTicker = nil
	}
	stopTimer(m.pongTimer)
	m.pongTimer = nil
	m.pendingPong = false
}

func (m *ConnectionManager) onWatchdogTick(ctx context.Context) {
	if m.state != StateAuthenticated {
		return
	}
	if m.pendingPong {
		m.teardown(ErrWatchdogStalled)
		return
	}
	if err := m.keepAlive(ctx, protocol.ActionPing); err != nil {
		m.teardown(err)
		return
	}
	m.log.Infof("watchdog ping sent, waiting %s for pong", m.watchdog.Timeout)
	m.pendingPong = true
	m.pongTimer = time.NewTimer(m.watchdog.Timeout)
	m.publish(false)
}

// teardown is the only path that closes an open connection. It runs at most
// once per connection and schedules at most one reconnect.
func (m *ConnectionManager) teardown(reason error) {
	if m.conn == nil {
		return
	}
	m.lastErr = reason
	m.log.Warnf("closing connection: %v", reason)
	m.closeConn()
	m.scheduleReconnect()
}

func (m *ConnectionManager) closeConn() {
	m.stopWatchdog()
	stopTimer(m.authTimer)
	m.authTimer = nil
	m.mustTransition(StateClosing)
	m.connCancel()
	if err := m.conn.Close(); err != nil {
		m.log.Debugf("close: %v", err)
	}
	m.conn = nil
	m.connCancel = nil
	m.gen++
	m.mustTransition(StateDisconnected)
}

func (m *ConnectionManager) scheduleReconnect() {
	if m.stopping || m.reconnectTimer != nil {
		return
	}
	if m.attempts >= m.reconnect.MaxAttempts {
		m.exhausted = true
		m.publish(false)
		m.log.Errorf("giving up after %d reconnect attempts", m.attempts)
		if m.notifier != nil {
			m.notifier.ConnectionExhausted(m.attempts, m.lastErr)
		}
		return
	}
	m.attempts++
	m.publish(false)
	m.log.Infof("reconnecting in %s (%d/%d)", m.reconnect.Delay, m.attempts, m.reconnect.MaxAttempts)
	m.reconnectTimer = time.NewTimer(m.reconnect.Delay)
}

func (m *ConnectionManager) shutdown() {
	m.stopping = true
	stopTimer(m.reconnectTimer)
	m.reconnectTimer = nil
	if m.conn != nil {
		m.closeConn()
	} else if m.state == StateConnecting {
		m.gen++
		m.mustTransition(StateDisconnected)
	}
	m.log.Infof("connection manager stopped")
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
