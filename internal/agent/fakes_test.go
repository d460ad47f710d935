package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/logger"
	"github.com/recky/print-agent/internal/protocol"
)

var errConnClosed = errors.New("fake: connection closed")

type fakeConn struct {
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
	autoPong bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if c.autoPong {
		if env, err := protocol.Decode(data); err == nil && env.Action == protocol.ActionPing {
			c.in <- []byte(`{"action":"pong"}`)
		}
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.drop()
	return nil
}

// drop simulates the server going away without the agent calling Close.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) send(t *testing.T, msg string) {
	t.Helper()
	select {
	case c.in <- []byte(msg):
	case <-time.After(time.Second):
		t.Fatal("inbound buffer full")
	}
}

// expect waits for the next outbound frame and checks its action.
func (c *fakeConn) expect(t *testing.T, action protocol.Action) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		require.Equal(t, action, env.Action)
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame sent", action)
		return nil
	}
}

func (c *fakeConn) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(wait):
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	fail     func(n int) error
	autoPong bool
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	c.autoPong = d.autoPong
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

type fakeQueue struct {
	mu      sync.Mutex
	reqs    []core.JobRequest
	stats   core.QueueStats
	pending int
}

func (q *fakeQueue) Enqueue(req core.JobRequest) (*core.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return &core.Job{ID: req.ID}, nil
}

func (q *fakeQueue) Stats() core.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *fakeQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.pending
	q.pending = 0
	return n
}

func (q *fakeQueue) Requests() []core.JobRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.JobRequest(nil), q.reqs...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	attempts []int
}

func (n *fakeNotifier) ConnectionExhausted(attempts int, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, attempts)
}

func (n *fakeNotifier) Calls() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.attempts...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.URL = "ws://coordinator.test/ws"
	cfg.Server.AgentKey = "secret-key"
	cfg.Server.DialTimeout = 0
	cfg.Reconnect.Delay = 10 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 3
	cfg.Watchdog.Interval = time.Hour
	cfg.Watchdog.Timeout = time.Minute
	return cfg
}

type harness struct {
	m      *ConnectionManager
	dialer *fakeDialer
	queue  *fakeQueue
	cancel context.CancelFunc
	result chan error
}

func start(t *testing.T, cfg *config.Config, dialer *fakeDialer, opts ...Option) *harness {
	t.Helper()
	return startLogged(t, cfg, dialer, logger.Discard(), opts...)
}

func startLogged(t *testing.T, cfg *config.Config, dialer *fakeDialer, log logger.Logger, opts ...Option) *harness {
	t.Helper()
	queue := &fakeQueue{}
	m := NewConnectionManager(cfg, dialer, queue, log, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{m: m, dialer: dialer, queue: queue, cancel: cancel, result: make(chan error, 1)}
	go func() { h.result <- m.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err, ok := <-h.result:
		if ok {
			require.NoError(t, err)
			close(h.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Status().State == s.String() },
		2*time.Second, 2*time.Millisecond, "want state %s, have %s", s, h.m.Status().State)
}

// authenticate completes the ack handshake on conn.
func (h *harness) authenticate(t *testing.T, conn *fakeConn) {
	t.Helper()
	conn.expect(t, protocol.ActionAuthenticateAgent)
	conn.send(t, `{"action":"authenticated"}`)
	h.waitState(t, StateAuthenticated)
}

// logBuffer collects log output written from the loop goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func payload[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}
