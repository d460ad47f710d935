package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/logger"
)

type Event string

const (
	EventJobCompleted        Event = "job_completed"
	EventJobFailed           Event = "job_failed"
	EventConnectionExhausted Event = "connection_exhausted"
)

// Payload is the JSON body posted to every endpoint.
type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Agent     string      `json:"agent"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID        string `json:"job_id"`
	Destination  string `json:"destination"`
	Filename     string `json:"filename,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Duration     int64  `json:"duration_ms,omitempty"`
}

type ConnectionEventData struct {
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

type Options struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	endpoint config.WebhookConfig
	payload  *Payload
	attempt  int
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("http error: %d", e.code) }

// Sender delivers signed event notifications to the configured endpoints
// from a small pool of workers.
type Sender struct {
	endpoints  []config.WebhookConfig
	agent      string
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	log        logger.Logger
	queue      chan *task
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewSender(endpoints []config.WebhookConfig, agent string, opts Options, log logger.Logger) *Sender {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	return &Sender{
		endpoints: endpoints,
		agent:     agent,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		workers:    opts.WorkerCount,
		log:        log,
		queue:      make(chan *task, opts.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop lets the workers drain what is already queued until ctx expires.
func (s *Sender) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnf("webhook: %d notification(s) not delivered before shutdown", len(s.queue))
	}
}

// JobFinished notifies job_completed or job_failed.
func (s *Sender) JobFinished(job *core.Job) {
	data := &JobEventData{
		JobID:        job.ID,
		Destination:  job.Destination,
		Filename:     job.Filename,
		Status:       string(job.Status),
		ErrorMessage: job.Error,
		Duration:     job.Duration().Milliseconds(),
	}
	if job.Status == core.JobStatusFailed {
		s.Send(EventJobFailed, data)
		return
	}
	s.Send(EventJobCompleted, data)
}

func (s *Sender) ConnectionExhausted(attempts int, lastErr error) {
	data := &ConnectionEventData{Attempts: attempts}
	if lastErr != nil {
		data.LastError = lastErr.Error()
	}
	s.Send(EventConnectionExhausted, data)
}

// Send queues event for every endpoint subscribed to it. An endpoint without
// an events list receives everything.
func (s *Sender) Send(event Event, data interface{}) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	for _, endpoint := range s.endpoints {
		if !subscribed(endpoint, event) {
			continue
		}
		t := &task{
			endpoint: endpoint,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Agent:     s.agent,
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.log.Warnf("webhook: queue full, dropping %s for %s", event, endpointName(endpoint))
		}
	}
}

func subscribed(endpoint config.WebhookConfig, event Event) bool {
	if len(endpoint.Events) == 0 {
		return true
	}
	for _, e := range endpoint.Events {
		if e == string(event) || e == "*" {
			return true
		}
	}
	return false
}

func endpointName(endpoint config.WebhookConfig) string {
	if endpoint.Name != "" {
		return endpoint.Name
	}
	return endpoint.URL
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case t := <-s.queue:
			s.deliver(id, t)
		case <-s.stopCh:
			for {
				select {
				case t := <-s.queue:
					s.deliver(id, t)
				default:
					return
				}
			}
		}
	}
}

func (s *Sender) deliver(id int, t *task) {
	if err := s.sendWithRetry(t); err != nil {
		s.log.Errorf("webhook worker %d: failed to send %s to %s after %d attempt(s): %v",
			id, t.payload.Event, endpointName(t.endpoint), t.attempt, err)
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Debugf("webhook: retry %d/%d for %s in %v: %v",
				t.attempt, s.retryCount, endpointName(t.endpoint), backoff, err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(endpoint config.WebhookConfig, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if endpoint.Secret != "" {
		payload.Signature = Sign(dataBytes, endpoint.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// Sign returns the hex HMAC-SHA256 of the data object, keyed by secret.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
