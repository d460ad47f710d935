package db

const (
	InsertJobRecord = `
		INSERT INTO job_journal (
			job_id, destination, filename, content_type, size_bytes, user_id,
			status, error_message, enqueued_at, started_at, finished_at, duration_ms
		) VALUES (
			:job_id, :destination, :filename, :content_type, :size_bytes, :user_id,
			:status, :error_message, :enqueued_at, :started_at, :finished_at, :duration_ms
		)
	`

	selectJobRecords = `
		SELECT id, job_id, destination, filename, content_type, size_bytes, user_id,
			status, error_message, enqueued_at, started_at, finished_at, duration_ms
		FROM job_journal
	`

	CountJobRecordsByStatus = `SELECT COUNT(*) FROM job_journal WHERE status = ?`

	PruneJobRecords = `DELETE FROM job_journal WHERE finished_at < ?`
)
