package core

import (
	"context"
	"errors"
	"os"
	"sync"
)

var errCommand = errors.New("exit status 1")

// fakeRunner records every command. When a cmd copy is run, the scratch file
// content is captured before the dispatcher deletes it.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	payloads [][]byte
	fail     func(call int, name string, args []string) bool
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	var payload []byte
	if len(args) > 0 {
		payload, _ = os.ReadFile(args[len(args)-1])
		if name == "cmd" && len(args) >= 4 {
			payload, _ = os.ReadFile(args[3])
		}
	}
	r.payloads = append(r.payloads, payload)
	if r.fail != nil && r.fail(len(r.calls), name, args) {
		return []byte("access denied"), errCommand
	}
	return []byte("1 file(s) copied."), nil
}

func (r *fakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *fakeRunner) Payload(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[i]
}

type recordingObserver struct {
	mu   sync.Mutex
	jobs []Job
}

func (o *recordingObserver) JobFinished(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, *job)
}

func (o *recordingObserver) Finished() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Job(nil), o.jobs...)
}
