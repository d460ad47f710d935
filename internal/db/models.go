package db

import (
	"time"
)

// JobRecord is one finished print job.
type JobRecord struct {
	ID           int64      `db:"id" json:"id"`
	JobID        string     `db:"job_id" json:"jobId"`
	Destination  string     `db:"destination" json:"destination"`
	Filename     string     `db:"filename" json:"filename"`
	ContentType  string     `db:"content_type" json:"contentType"`
	SizeBytes    int        `db:"size_bytes" json:"sizeBytes"`
	UserID       string     `db:"user_id" json:"userId,omitempty"`
	Status       string     `db:"status" json:"status"`
	ErrorMessage string     `db:"error_message" json:"error,omitempty"`
	EnqueuedAt   time.Time  `db:"enqueued_at" json:"enqueuedAt"`
	StartedAt    *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt   time.Time  `db:"finished_at" json:"finishedAt"`
	DurationMs   int64      `db:"duration_ms" json:"durationMs"`
}

type JobFilter struct {
	Status      string
	Destination string
	Limit       int
	Offset      int
}
