package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestStd_FiltersByLevelAndPrefixesComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(Options{Level: LevelInfo, Output: &buf})
	require.NoError(t, err)

	c := l.With("queue")
	c.Debugf("hidden %d", 1)
	c.Infof("job %s enqueued", "a")
	c.Errorf("boom")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO  [queue] job a enqueued")
	require.Contains(t, out, "ERROR [queue] boom")
	require.NotContains(t, out, "\033[")
}

func TestStd_TeesToFileWithoutColors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.log")
	color := true
	var buf bytes.Buffer
	l, err := New(Options{Level: LevelDebug, File: path, Output: &buf, Color: &color})
	require.NoError(t, err)

	l.Warnf("paper low on %s", "CAJA")
	require.NoError(t, l.Close())

	require.Contains(t, buf.String(), "\033[33m")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "WARN  paper low on CAJA"))
	require.NotContains(t, string(data), "\033[")
}
