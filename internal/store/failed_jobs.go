package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"embedding-updater/internal/models"
)

const failedJobColumns = `id, subject_id, operation, error_message, error_trace, payload, attempts, status, failed_at, last_retry_at, retry_after`

// RecordFailedJob inserts a dead-letter record. A second failure for the same subject refreshes the
// existing row while it is still in status failed; terminal rows are left as they are.
func (s *Store) RecordFailedJob(ctx context.Context, job models.FailedJob) (models.FailedJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.FailedStatusFailed
	}
	if job.FailedAt.IsZero() {
		job.FailedAt = time.Now().UTC()
	}
	if job.RetryAfter.IsZero() {
		job.RetryAfter = models.NextRetryAfter(job.FailedAt, 0)
	}
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO failed_jobs (`+failedJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10)
		ON CONFLICT (operation, subject_id) DO UPDATE
		SET error_message = EXCLUDED.error_message,
		    error_trace = EXCLUDED.error_trace,
		    payload = EXCLUDED.payload,
		    attempts = GREATEST(failed_jobs.attempts, EXCLUDED.attempts),
		    failed_at = EXCLUDED.failed_at,
		    retry_after = EXCLUDED.retry_after,
		    status = EXCLUDED.status
		WHERE failed_jobs.status = 'failed'
		RETURNING `+failedJobColumns,
		job.ID, job.SubjectID, job.Operation, job.ErrorMessage, job.ErrorTrace, payload, job.Attempts, job.Status, job.FailedAt, job.RetryAfter)
	out, err := scanFailedJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.FailedJobBySubject(ctx, job.Operation, job.SubjectID)
	}
	if err != nil {
		return models.FailedJob{}, fmt.Errorf("record failed job: %w", err)
	}
	return out, nil
}

// FailedJobBySubject fetches the record for an operation/subject pair.
func (s *Store) FailedJobBySubject(ctx context.Context, operation, subjectID string) (models.FailedJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+failedJobColumns+` FROM failed_jobs WHERE operation = $1 AND subject_id = $2`, operation, subjectID)
	job, err := scanFailedJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FailedJob{}, ErrNotFound
	}
	if err != nil {
		return models.FailedJob{}, fmt.Errorf("scan failed job: %w", err)
	}
	return job, nil
}

// DueFailedJobs lists failed jobs whose retry_after has passed without claiming them.
func (s *Store) DueFailedJobs(ctx context.Context, now time.Time, limit int) ([]models.FailedJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+failedJobColumns+` FROM failed_jobs
		WHERE status = $1 AND retry_after <= $2
		ORDER BY retry_after
		LIMIT $3
	`, models.FailedStatusFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due failed jobs: %w", err)
	}
	return collectFailedJobs(rows)
}

// ClaimDueFailedJobs moves up to limit due jobs from failed to retrying and returns them. Rows locked
// by a concurrent sweep are skipped.
func (s *Store) ClaimDueFailedJobs(ctx context.Context, now time.Time, limit int) ([]models.FailedJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE failed_jobs SET status = $1, last_retry_at = $3
		WHERE id IN (
			SELECT id FROM failed_jobs
			WHERE status = $2 AND retry_after <= $3
			ORDER BY retry_after
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+failedJobColumns,
		models.FailedStatusRetrying, models.FailedStatusFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due failed jobs: %w", err)
	}
	return collectFailedJobs(rows)
}

// RequeueStaleFailedJobs returns jobs stuck in retrying since before claimedBefore to failed so the
// next sweep claims them again. Attempts and retry_after are left as they were.
func (s *Store) RequeueStaleFailedJobs(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE failed_jobs SET status = $1
		WHERE status = $2 AND (last_retry_at IS NULL OR last_retry_at < $3)
	`, models.FailedStatusFailed, models.FailedStatusRetrying, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TransitionFailedJob moves a job from one status to another, updating attempts, retry_after and
// the error message when non-empty. It returns ErrStaleTransition when the job was not in from.
func (s *Store) TransitionFailedJob(ctx context.Context, id, from, to string, attempts int, retryAfter time.Time, lastErr string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("failed job %s: illegal transition %s -> %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE failed_jobs
		SET status = $3, attempts = $4, retry_after = $5,
		    error_message = COALESCE(NULLIF($6, ''), error_message)
		WHERE id = $1 AND status = $2
	`, id, from, to, attempts, retryAfter, lastErr)
	if err != nil {
		return fmt.Errorf("transition failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FailedJobsByStatus lists records with the given status, oldest first.
func (s *Store) FailedJobsByStatus(ctx context.Context, status string, limit int) ([]models.FailedJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+failedJobColumns+` FROM failed_jobs WHERE status = $1 ORDER BY failed_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	return collectFailedJobs(rows)
}

// CountFailedJobsByStatus returns a count for every status, including zeros.
func (s *Store) CountFailedJobsByStatus(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, 4)
	for _, st := range models.FailedJobStatuses() {
		out[st] = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM failed_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count failed jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan failed job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func collectFailedJobs(rows pgx.Rows) ([]models.FailedJob, error) {
	defer rows.Close()
	var out []models.FailedJob
	for rows.Next() {
		job, err := scanFailedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanFailedJob(row pgx.Row) (models.FailedJob, error) {
	var job models.FailedJob
	var id pgtype.UUID
	var payload []byte
	var lastRetry pgtype.Timestamptz
	if err := row.Scan(&id, &job.SubjectID, &job.Operation, &job.ErrorMessage, &job.ErrorTrace, &payload,
		&job.Attempts, &job.Status, &job.FailedAt, &lastRetry, &job.RetryAfter); err != nil {
		return models.FailedJob{}, err
	}
	job.ID = uuid.UUID(id.Bytes).String()
	job.Payload = payload
	if lastRetry.Valid {
		t := lastRetry.Time
		job.LastRetryAt = &t
	}
	return job, nil
}
