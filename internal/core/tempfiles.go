package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/recky/print-agent/internal/logger"
)

var ErrTempFilesClosed = errors.New("temp files: closed")

// TempFiles owns the documents written for printing and their delayed removal.
// Every scheduled removal is tracked so Close can run them immediately instead
// of leaving timers behind at shutdown.
type TempFiles struct {
	dir    string
	delay  time.Duration
	log    logger.Logger
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewTempFiles creates dir if needed.
func NewTempFiles(dir string, delay time.Duration, log logger.Logger) (*TempFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory %s: %w", dir, err)
	}
	return &TempFiles{
		dir:    dir,
		delay:  delay,
		log:    log,
		timers: make(map[string]*time.Timer),
	}, nil
}

func (t *TempFiles) Dir() string { return t.dir }

// Write stores data under name inside the temp directory.
func (t *TempFiles) Write(name string, data []byte) (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", ErrTempFilesClosed
	}
	path := filepath.Join(t.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return path, nil
}

// RemoveLater deletes path after the configured delay.
func (t *TempFiles) RemoveLater(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.remove(path)
		return
	}
	if old, ok := t.timers[path]; ok {
		if old.Stop() {
			t.wg.Done()
		}
	}
	t.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(t.delay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		if t.timers[path] == timer {
			delete(t.timers, path)
		}
		t.mu.Unlock()
		t.remove(path)
	})
	t.timers[path] = timer
}

// Pending returns the number of removals not yet executed.
func (t *TempFiles) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Close cancels the pending timers, removes their files right away and waits for
// removals already in progress.
func (t *TempFiles) Close() {
	t.mu.Lock()
	t.closed = true
	var now []string
	for path, timer := range t.timers {
		if timer.Stop() {
			t.wg.Done()
			now = append(now, path)
		}
		delete(t.timers, path)
	}
	t.mu.Unlock()

	for _, path := range now {
		t.remove(path)
	}
	t.wg.Wait()
}

func (t *TempFiles) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Errorf("failed to remove temp file %s: %v", path, err)
		return
	}
	t.log.Debugf("temp file removed: %s", path)
}
