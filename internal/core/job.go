package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed},
}

// JobRequest is what a caller hands to Queue.Enqueue.
type JobRequest struct {
	ID          string
	Destination string
	Filename    string
	ContentType string
	Data        []byte
	UserID      json.RawMessage
}

type Job struct {
	ID          string
	Destination string
	Filename    string
	ContentType string
	Data        []byte
	UserID      json.RawMessage
	Status      JobStatus
	Error       string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (j *Job) transition(to JobStatus) error {
	for _, next := range jobTransitions[j.Status] {
		if next == to {
			j.Status = to
			return nil
		}
	}
	return fmt.Errorf("job %s: invalid transition %s -> %s", j.ID, j.Status, to)
}

// Duration is the wall time spent printing, or zero while unfinished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// DestinationLabel is used in log lines.
func (j *Job) DestinationLabel() string {
	if j.Destination == "" {
		return "default printer"
	}
	return j.Destination
}

var contentTypeExt = map[string]string{
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
}

// SafeFilename returns a file name for the job's temp copy. The job id prefix
// keeps concurrent jobs with equal names apart and path elements are stripped.
func (j *Job) SafeFilename() string {
	name := filepath.Base(strings.ReplaceAll(j.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document" + contentTypeExt[strings.ToLower(j.ContentType)]
		if filepath.Ext(name) == "" {
			name += ".bin"
		}
	}
	return j.ID + "-" + name
}

type QueueStats struct {
	Total        int  `json:"total"`
	Processed    int  `json:"processed"`
	Failed       int  `json:"failed"`
	InQueue      int  `json:"inQueue"`
	IsProcessing bool `json:"isProcessing"`
}
