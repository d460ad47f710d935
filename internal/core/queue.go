package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recky/print-agent/internal/logger"
)

var (
	ErrQueueStopped = errors.New("queue stopped")
	ErrEmptyJob     = errors.New("job has no data")
)

// JobObserver is notified once for every job that reaches a terminal status.
// Implementations must not block for long; the consumer calls them inline.
type JobObserver interface {
	JobFinished(job *Job)
}

// Queue is a FIFO of print jobs drained by at most one consumer goroutine, so
// no two jobs are ever sent to the hardware at the same time.
type Queue struct {
	printer   Printer
	post      PostPrinter
	observers []JobObserver
	pause     time.Duration
	log       logger.Logger

	// ctx is handed to printing and post-print work. It is only cancelled when
	// Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu         sync.Mutex
	pending    []*Job
	current    *Job
	processing bool
	stopped    bool
	total      int
	processed  int
	failed     int
	idle       chan struct{}

	actions postPrintTracker
}

type QueueOption func(*Queue)

// WithPostPrint sets the sequence run after every successful print.
func WithPostPrint(p PostPrinter) QueueOption {
	return func(q *Queue) { q.post = p }
}

func WithObservers(obs ...JobObserver) QueueOption {
	return func(q *Queue) { q.observers = append(q.observers, obs...) }
}

// WithJobPause sets the delay between two consecutive jobs.
func WithJobPause(d time.Duration) QueueOption {
	return func(q *Queue) { q.pause = d }
}

func NewQueue(printer Printer, log logger.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		printer: printer,
		pause:   500 * time.Millisecond,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a job and wakes the consumer if it is idle. A missing id is
// replaced by a random uuid.
func (q *Queue) Enqueue(req JobRequest) (*Job, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyJob
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := &Job{
		ID:          id,
		Destination: req.Destination,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Data:        req.Data,
		UserID:      req.UserID,
		Status:      JobStatusPending,
		EnqueuedAt:  time.Now(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	q.pending = append(q.pending, job)
	q.total++
	position := len(q.pending)
	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.log.Infof("job %s queued for %s (position %d)", job.ID, job.DestinationLabel(), position)
	if start {
		go q.consume()
	}
	return job, nil
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:        q.total,
		Processed:    q.processed,
		Failed:       q.failed,
		InQueue:      len(q.pending),
		IsProcessing: q.current != nil,
	}
}

// Clear drops every pending job and returns how many were dropped. The job
// currently printing is not affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.log.Infof("queue cleared: %d pending job(s) removed", n)
	return n
}

// Stop refuses new jobs and discards the pending ones. The running job is
// allowed to finish; Stop waits for it and for post-print actions. When ctx expires first
// the remaining work is cancelled and ctx.Err() returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	idle := q.idle
	q.mu.Unlock()
	close(q.stopCh)

	if dropped > 0 {
		q.log.Warnf("queue stopping: %d pending job(s) discarded", dropped)
	}

	defer q.cancel()
	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("waiting for running job: %w", ctx.Err())
		}
	}
	if err := q.actions.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for post-print actions: %w", err)
	}
	return nil
}

func (q *Queue) consume() {
	for {
		job := q.next()
		if job == nil {
			return
		}
		q.run(job)

		select {
		case <-time.After(q.pause):
		case <-q.stopCh:
		}
	}
}

// next pops the head of the queue, or marks the consumer idle and returns nil.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
	if len(q.pending) == 0 || q.stopped {
		q.processing = false
		if q.idle != nil {
			close(q.idle)
			q.idle = nil
		}
		return nil
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	now := time.Now()
	_ = job.transition(JobStatusRunning)
	job.StartedAt = &now
	q.current = job
	return job
}

func (q *Queue) run(job *Job) {
	q.log.Infof("job %s: printing on %s", job.ID, job.DestinationLabel())

	err := q.print(job)

	q.mu.Lock()
	now := time.Now()
	job.FinishedAt = &now
	q.current = nil
	if err != nil {
		_ = job.transition(JobStatusFailed)
		job.Error = err.Error()
		q.failed++
	} else {
		_ = job.transition(JobStatusSucceeded)
		q.processed++
	}
	q.mu.Unlock()

	if err != nil {
		q.log.Errorf("job %s failed: %v", job.ID, err)
	} else {
		q.log.Infof("job %s printed in %s", job.ID, job.Duration().Round(time.Millisecond))
		if q.post != nil {
			q.actions.Go(func() { q.post.Run(q.ctx, job) })
		}
	}

	for _, o := range q.observers {
		o.JobFinished(job)
	}
}

// print calls the printer and turns a panic into a job failure.
func (q *Queue) print(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("printer panic: %v", r)
		}
	}()
	return q.printer.Print(q.ctx, job)
}
