package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/recky/print-agent/internal/core"
	"github.com/recky/print-agent/internal/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	recordTimeout    = 5 * time.Second
)

// Journal stores finished jobs for later inspection. It is never replayed into
// the queue.
type Journal struct {
	db  *sqlx.DB
	log logger.Logger
}

func NewJournal(db *sqlx.DB, log logger.Logger) *Journal {
	return &Journal{db: db, log: log}
}

// Record inserts one finished job.
func (j *Journal) Record(ctx context.Context, rec *JobRecord) error {
	rec.EnqueuedAt = rec.EnqueuedAt.UTC()
	rec.FinishedAt = rec.FinishedAt.UTC()
	if rec.StartedAt != nil {
		t := rec.StartedAt.UTC()
		rec.StartedAt = &t
	}
	result, err := j.db.NamedExecContext(ctx, InsertJobRecord, rec)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", rec.JobID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get journal id: %w", err)
	}
	rec.ID = id
	return nil
}

// JobFinished records a terminal job. Errors are logged, never returned, so
// the queue is not held up by a broken journal.
func (j *Journal) JobFinished(job *core.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := j.Record(ctx, RecordFromJob(job)); err != nil {
		j.log.Errorf("%v", err)
	}
}

func RecordFromJob(job *core.Job) *JobRecord {
	rec := &JobRecord{
		JobID:        job.ID,
		Destination:  job.Destination,
		Filename:     job.Filename,
		ContentType:  job.ContentType,
		SizeBytes:    len(job.Data),
		UserID:       strings.Trim(string(job.UserID), `"`),
		Status:       string(job.Status),
		ErrorMessage: job.Error,
		EnqueuedAt:   job.EnqueuedAt,
		StartedAt:    job.StartedAt,
		DurationMs:   job.Duration().Milliseconds(),
	}
	if job.FinishedAt != nil {
		rec.FinishedAt = *job.FinishedAt
	} else {
		rec.FinishedAt = time.Now()
	}
	return rec
}

// List returns records newest first.
func (j *Journal) List(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Destination != "" {
		conditions = append(conditions, "destination = ?")
		args = append(args, filter.Destination)
	}

	query := selectJobRecords
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	records := []JobRecord{}
	if err := j.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return records, nil
}

func (j *Journal) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	if err := j.db.GetContext(ctx, &count, CountJobRecordsByStatus, status); err != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return count, nil
}

// Prune deletes records finished before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, PruneJobRecords, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}

// RunRetention prunes records older than days once at start and then every
// interval until ctx is done. Zero days keeps everything.
func (j *Journal) RunRetention(ctx context.Context, days int, interval time.Duration) {
	if days <= 0 {
		return
	}
	prune := func() {
		n, err := j.Prune(ctx, time.Now().AddDate(0, 0, -days))
		if err != nil {
			j.log.Errorf("%v", err)
			return
		}
		if n > 0 {
			j.log.Infof("journal: pruned %d record(s) older than %d days", n, days)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}
