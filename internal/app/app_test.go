package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.URL = "ws://127.0.0.1:1/ws"
	cfg.Server.AgentKey = "secret-key"
	cfg.Reconnect.MaxAttempts = 0
	cfg.Printing.TempDir = filepath.Join(dir, "tmp")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Control.Listen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger(t *testing.T) *logger.Std {
	t.Helper()
	log, err := logger.New(logger.Options{Level: logger.LevelError, Output: io.Discard})
	require.NoError(t, err)
	return log
}

func TestApp_RunsAndShutsDown(t *testing.T) {
	a, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + a.server.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
	require.Equal(t, 0, a.queue.Stats().Total)
}

func TestApp_ControlListenerFailureIsStartupError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Control.Listen = ln.Addr().String()

	_, err = New(cfg, testLogger(t))
	require.Error(t, err)
}

func TestApp_JournalIsOptional(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	cfg.Control.Enabled = false

	a, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.Nil(t, a.journal)
	require.Nil(t, a.server)
	a.closeStores()
}
