package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/escpos"
	"github.com/recky/print-agent/internal/logger"
)

var ErrUnknownFeature = errors.New("unknown feature")

// ActionError reports a signaling command that could not be spawned or exited non-zero.
type ActionError struct {
	Feature     Feature
	Destination string
	Output      string
	Err         error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("%s on %s: %v", e.Feature, e.Destination, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// ActionResult is the outcome of one Dispatch call. Skipped results are successful.
type ActionResult struct {
	Feature     Feature
	Destination string
	Skipped     bool
	// Mode is the cut mode that was finally sent, which may differ from the
	// configured one after a fallback.
	Mode string
	Err  error
}

func (r ActionResult) OK() bool { return r.Err == nil }

// Dispatcher sends post-print ESC/POS sequences to a shared printer by copying
// a scratch file to \\localhost\<destination>.
type Dispatcher struct {
	runner     CommandRunner
	scratchDir string
	platform   string
	goos       string
	retries    int
	retryDelay time.Duration
	log        logger.Logger
}

type DispatcherOption func(*Dispatcher)

// WithDispatchGOOS overrides the detected operating system.
func WithDispatchGOOS(goos string) DispatcherOption {
	return func(d *Dispatcher) { d.goos = goos }
}

func NewDispatcher(signal config.SignalConfig, cut config.CutConfig, runner CommandRunner, log logger.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runner:     runner,
		scratchDir: signal.ScratchDir,
		platform:   signal.Platform,
		goos:       runtime.GOOS,
		retries:    cut.Retries,
		retryDelay: cut.RetryDelay,
		log:        log,
	}
	if d.scratchDir == "" {
		d.scratchDir = os.TempDir()
	}
	if d.retries < 1 {
		d.retries = 1
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one feature for destination after eff.Delay. A disabled feature
// or a blank destination is skipped without spawning anything, and on a
// platform other than the configured one the command is a successful no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, feature Feature, destination string, eff Effective) ActionResult {
	destination = strings.TrimSpace(destination)
	res := ActionResult{Feature: feature, Destination: destination, Mode: eff.Mode}

	if !eff.Enabled || destination == "" {
		res.Skipped = true
		d.log.Debugf("%s skipped for %q (enabled=%t)", feature, destination, eff.Enabled)
		return res
	}

	if err := sleepCtx(ctx, eff.Delay); err != nil {
		res.Err = err
		return res
	}

	if d.goos != d.platform {
		d.log.Debugf("%s for %s not sent: platform %s is not %s", feature, destination, d.goos, d.platform)
		return res
	}

	switch feature {
	case FeatureBeep:
		res.Err = d.send(ctx, feature, destination, escpos.Beep(eff.Count, eff.Duration))
	case FeatureCut:
		res.Mode, res.Err = d.cut(ctx, destination, escpos.ParseCutMode(eff.Mode), eff.FeedLines)
	default:
		res.Err = fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	if res.Err != nil {
		d.log.Errorf("%s failed on %s: %v", feature, destination, res.Err)
	} else {
		d.log.Infof("%s sent to %s", feature, destination)
	}
	return res
}

// cut retries the configured mode and, when a full cut keeps failing, tries a
// partial cut once.
func (d *Dispatcher) cut(ctx context.Context, destination string, mode escpos.CutMode, feed int) (string, error) {
	var err error
	for attempt := 1; attempt <= d.retries; attempt++ {
		if err = d.send(ctx, FeatureCut, destination, escpos.Cut(mode, feed)); err == nil {
			return string(mode), nil
		}
		d.log.Warnf("cut attempt %d/%d on %s failed: %v", attempt, d.retries, destination, err)
		if attempt < d.retries {
			if werr := sleepCtx(ctx, d.retryDelay); werr != nil {
				return string(mode), werr
			}
		}
	}
	if mode == escpos.CutPartial {
		return string(mode), err
	}

	d.log.Infof("trying partial cut on %s", destination)
	if perr := d.send(ctx, FeatureCut, destination, escpos.Cut(escpos.CutPartial, feed)); perr != nil {
		return string(escpos.CutPartial), errors.Join(err, perr)
	}
	return string(escpos.CutPartial), nil
}

func (d *Dispatcher) send(ctx context.Context, feature Feature, destination string, seq []byte) error {
	if err := os.MkdirAll(d.scratchDir, 0o755); err != nil {
		return &ActionError{Feature: feature, Destination: destination, Err: err}
	}
	path := filepath.Join(d.scratchDir, fmt.Sprintf("%s-%s.bin", feature, uuid.NewString()))
	if err := os.WriteFile(path, seq, 0o600); err != nil {
		return &ActionError{Feature: feature, Destination: destination, Err: err}
	}
	defer os.Remove(path)

	out, err := d.runner.Run(ctx, "cmd", "/C", "copy", "/b", path, `\\localhost\`+destination)
	if err != nil {
		return &ActionError{
			Feature:     feature,
			Destination: destination,
			Output:      strings.TrimSpace(string(out)),
			Err:         err,
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PostPrint runs the configured beep and then the configured cut for a printed job.
type PostPrint struct {
	resolver   *Resolver
	dispatcher *Dispatcher
	log        logger.Logger
}

func NewPostPrint(resolver *Resolver, dispatcher *Dispatcher, log logger.Logger) *PostPrint {
	return &PostPrint{resolver: resolver, dispatcher: dispatcher, log: log}
}

// Run never lets one feature's failure prevent the other.
func (p *PostPrint) Run(ctx context.Context, job *Job) []ActionResult {
	results := make([]ActionResult, 0, 2)
	for _, feature := range []Feature{FeatureBeep, FeatureCut} {
		eff := p.resolver.Resolve(feature, job.Destination)
		res := p.dispatcher.Dispatch(ctx, feature, job.Destination, eff)
		if res.Err != nil {
			p.log.Warnf("job %s: %s on %s failed: %v", job.ID, feature, job.DestinationLabel(), res.Err)
		}
		results = append(results, res)
	}
	return results
}

// PostPrinter is what the queue calls after a successful print.
type PostPrinter interface {
	Run(ctx context.Context, job *Job) []ActionResult
}

// postPrintTracker runs post-print sequences in the background and lets
// shutdown wait for them.
type postPrintTracker struct {
	wg sync.WaitGroup
}

func (t *postPrintTracker) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *postPrintTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
