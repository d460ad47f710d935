package agent

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/logger"
	"github.com/recky/print-agent/internal/protocol"
)

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, canTransition(StateDisconnected, StateConnecting))
	require.True(t, canTransition(StateAuthenticated, StateAuthenticating))
	require.True(t, canTransition(StateClosing, StateDisconnected))
	require.False(t, canTransition(StateDisconnected, StateAuthenticated))
	require.False(t, canTransition(StateConnecting, StateAuthenticating))
	require.False(t, canTransition(StateClosing, StateConnecting))
	require.Equal(t, "authenticating", StateAuthenticating.String())
}

func TestConnection_AckHandshake(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	conn := dialer.next(t)

	env := conn.expect(t, protocol.ActionAuthenticateAgent)
	auth := payload[protocol.AuthPayload](t, env)
	require.Equal(t, "secret-key", auth.Token)
	require.Equal(t, "silentPrint", auth.AgentName)
	h.waitState(t, StateAuthenticating)

	conn.send(t, `{"action":"authenticated"}`)
	h.waitState(t, StateAuthenticated)
	require.Zero(t, h.m.Status().Attempts)
}

func TestConnection_OptimisticHandshake(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AuthMode = config.AuthOptimistic
	dialer := newFakeDialer()
	h := start(t, cfg, dialer)
	conn := dialer.next(t)

	conn.expect(t, protocol.ActionAuthenticateAgent)
	h.waitState(t, StateAuthenticated)

	// a late ack changes nothing
	conn.send(t, `{"action":"authenticated"}`)
	conn.send(t, `{"action":"getQueueStats"}`)
	conn.expect(t, protocol.ActionQueueStats)
	require.Equal(t, StateAuthenticated.String(), h.m.Status().State)
}

func TestConnection_TokenModeWaitsForCredential(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AuthMode = config.AuthToken
	cfg.Server.AgentKey = ""
	dialer := newFakeDialer()
	h := start(t, cfg, dialer)
	conn := dialer.next(t)

	h.waitState(t, StateConnected)
	conn.expectNothing(t, 30*time.Millisecond)

	require.NoError(t, h.m.SetCredential("from-api"))
	env := conn.expect(t, protocol.ActionAuthenticateAgent)
	require.Equal(t, "from-api", payload[protocol.AuthPayload](t, env).Token)
	conn.send(t, `{"action":"authenticated"}`)
	h.waitState(t, StateAuthenticated)

	// a new credential re-runs the handshake on the open channel
	require.NoError(t, h.m.SetCredential("rotated"))
	env = conn.expect(t, protocol.ActionAuthenticateAgent)
	require.Equal(t, "rotated", payload[protocol.AuthPayload](t, env).Token)
	h.waitState(t, StateAuthenticating)
	conn.send(t, `{"action":"authenticated"}`)
	h.waitState(t, StateAuthenticated)
	require.Zero(t, conn.closes.Load())
}

func TestConnection_AnswersPing(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer, WithClock(func() time.Time { return now }))
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.send(t, `{"action":"ping","payload":{"timestamp":1}}`)
	env := conn.expect(t, protocol.ActionPong)
	require.Equal(t, now.UnixMilli(), payload[protocol.PingPayload](t, env).Timestamp)
}

func TestConnection_IgnoresUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.send(t, `{"action":"reboot","payload":{}}`)
	conn.send(t, `not json`)
	conn.send(t, `{"payload":{"file":"aGVsbG8="}}`)
	conn.send(t, `{"action":"silentPrint"}`)
	conn.send(t, `{"action":"silentPrint","payload":{"file":"%%%"}}`)

	// a reply to this proves the frames above were consumed
	conn.send(t, `{"action":"getQueueStats"}`)
	conn.expect(t, protocol.ActionQueueStats)

	require.Equal(t, StateAuthenticated.String(), h.m.Status().State)
	require.Empty(t, h.queue.Requests())
	require.Zero(t, conn.closes.Load())
}

func TestConnection_SilentPrintEnqueues(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.send(t, `{"action":"silentPrint","payload":{"file":"aGVsbG8=","filename":"t.pdf","destino":" CAJA ","contentType":"application/pdf","jobId":42,"idUsuario":7}}`)

	require.Eventually(t, func() bool { return len(h.queue.Requests()) == 1 }, time.Second, 2*time.Millisecond)
	req := h.queue.Requests()[0]
	require.Equal(t, core.JobRequest{
		ID:          "42",
		Destination: "CAJA",
		Filename:    "t.pdf",
		ContentType: "application/pdf",
		Data:        []byte("hello"),
		UserID:      []byte("7"),
	}, req)
}

func TestConnection_QueueControl(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	h.queue.stats = core.QueueStats{Total: 5, Processed: 2, Failed: 1, InQueue: 1, IsProcessing: true}
	h.queue.pending = 1
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.send(t, `{"action":"getQueueStats"}`)
	env := conn.expect(t, protocol.ActionQueueStats)
	require.Equal(t, protocol.QueueStatsPayload{Total: 5, Processed: 2, Failed: 1, InQueue: 1, IsProcessing: true},
		payload[protocol.QueueStatsPayload](t, env))

	conn.send(t, `{"action":"clearQueue"}`)
	env = conn.expect(t, protocol.ActionQueueCleared)
	require.Equal(t, 1, payload[protocol.QueueClearedPayload](t, env).Cleared)
}

func TestConnection_WatchdogPongKeepsConnection(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Watchdog.Interval = 20 * time.Millisecond
	cfg.Watchdog.Timeout = 10 * time.Millisecond
	dialer := newFakeDialer()
	dialer.autoPong = true
	h := start(t, cfg, dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.expect(t, protocol.ActionPing)
	conn.expect(t, protocol.ActionPing)
	conn.expect(t, protocol.ActionPing)
	require.Zero(t, conn.closes.Load())
	require.Equal(t, 1, dialer.Dials())
	require.Equal(t, StateAuthenticated.String(), h.m.Status().State)
}

func TestConnection_WatchdogTimeoutClosesOnceAndReconnectsOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Watchdog.Interval = 30 * time.Millisecond
	cfg.Watchdog.Timeout = 15 * time.Millisecond
	dialer := newFakeDialer()
	h := start(t, cfg, dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.expect(t, protocol.ActionPing)

	second := dialer.next(t)
	require.Equal(t, int32(1), conn.closes.Load())
	second.expect(t, protocol.ActionAuthenticateAgent)

	// the second channel is never acknowledged, so no watchdog runs on it
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, dialer.Dials())
	require.Equal(t, int32(1), conn.closes.Load())
	require.Equal(t, 1, h.m.Status().Attempts)
	require.Contains(t, h.m.Status().LastError, "watchdog")
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.drop()
	second := dialer.next(t)
	h.authenticate(t, second)
	require.Zero(t, h.m.Status().Attempts)
	require.Equal(t, 2, dialer.Dials())
}

func TestConnection_ReconnectBounded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Reconnect.Delay = 2 * time.Millisecond
	dialer := newFakeDialer()
	dialer.fail = func(int) error { return errors.New("connection refused") }
	notifier := &fakeNotifier{}
	h := start(t, cfg, dialer, WithNotifier(notifier))

	require.Eventually(t, h.m.Exhausted, 2*time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, 1+cfg.Reconnect.MaxAttempts, dialer.Dials())
	require.Equal(t, []int{3}, notifier.Calls())
	status := h.m.Status()
	require.Equal(t, StateDisconnected.String(), status.State)
	require.Equal(t, 3, status.Attempts)
	require.Equal(t, "connection refused", status.LastError)
}

func TestConnection_AttemptsResetOnAuthentication(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AuthMode = config.AuthOptimistic
	cfg.Reconnect.Delay = 2 * time.Millisecond
	dialer := newFakeDialer()
	dialer.fail = func(n int) error {
		if n <= 2 {
			return errors.New("connection refused")
		}
		return nil
	}
	h := start(t, cfg, dialer)

	conn := dialer.next(t)
	conn.expect(t, protocol.ActionAuthenticateAgent)
	h.waitState(t, StateAuthenticated)
	require.Equal(t, 3, dialer.Dials())
	require.Zero(t, h.m.Status().Attempts)
	require.False(t, h.m.Exhausted())
}

func TestConnection_ShutdownDoesNotReconnect(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	h := start(t, testConfig(), dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	h.stop(t)
	require.Equal(t, int32(1), conn.closes.Load())
	require.Equal(t, StateDisconnected.String(), h.m.Status().State)

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, 1, dialer.Dials())
	require.ErrorIs(t, h.m.SetCredential("late"), ErrStopped)
}

func TestConnection_WatchdogStalledIntervalClosesOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Watchdog.Interval = 20 * time.Millisecond
	cfg.Watchdog.Timeout = time.Hour
	dialer := newFakeDialer()
	h := start(t, cfg, dialer)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.expect(t, protocol.ActionPing)

	second := dialer.next(t)
	second.expect(t, protocol.ActionAuthenticateAgent)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), conn.closes.Load())
	require.Equal(t, 2, dialer.Dials())
	require.Equal(t, 1, h.m.Status().Attempts)
	require.Contains(t, h.m.Status().LastError, "still unanswered")
}

func TestConnection_AuthTimeoutReconnects(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AuthTimeout = 20 * time.Millisecond
	dialer := newFakeDialer()
	h := start(t, cfg, dialer)
	conn := dialer.next(t)
	conn.expect(t, protocol.ActionAuthenticateAgent)

	second := dialer.next(t)
	require.Equal(t, int32(1), conn.closes.Load())
	require.Equal(t, ErrAuthTimeout.Error(), h.m.Status().LastError)
	h.authenticate(t, second)

	// an acknowledged channel is not closed by the auth timer
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 2, dialer.Dials())
	require.Zero(t, second.closes.Load())
	require.Equal(t, StateAuthenticated.String(), h.m.Status().State)
}

func TestConnection_LogsTransitionsAndKeepAlive(t *testing.T) {
	t.Parallel()

	var out logBuffer
	log, err := logger.New(logger.Options{Level: logger.LevelInfo, Output: &out})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Watchdog.Interval = 20 * time.Millisecond
	cfg.Watchdog.Timeout = 10 * time.Millisecond
	dialer := newFakeDialer()
	dialer.autoPong = true
	h := startLogged(t, cfg, dialer, log)
	conn := dialer.next(t)
	h.authenticate(t, conn)

	conn.expect(t, protocol.ActionPing)
	conn.send(t, `{"action":"ping"}`)
	deadline := time.After(2 * time.Second)
	for answered := false; !answered; {
		select {
		case data := <-conn.out:
			env, err := protocol.Decode(data)
			require.NoError(t, err)
			answered = env.Action == protocol.ActionPong
		case <-deadline:
			t.Fatal("ping was not answered")
		}
	}

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "INFO  connection disconnected -> connecting") &&
			strings.Contains(s, "INFO  connection authenticating -> authenticated") &&
			strings.Contains(s, "INFO  watchdog ping sent") &&
			strings.Contains(s, "INFO  pong received, watchdog cleared") &&
			strings.Contains(s, "INFO  ping received, answering with pong")
	}, 2*time.Second, 5*time.Millisecond, out.String())
}
