package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	backoffBase = 60 * time.Second
	backoffMax  = time.Hour
)

// EnqueueJob inserts a queued job. If an identical payload of the same
// type is already queued or running, the existing job is returned instead
// of a duplicate.
func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var existing Job
	err = s.db.QueryRowContext(ctx,
		`SELECT job_id, type, status, attempts, next_run_ts, payload, error_text, created_ts, updated_ts
		 FROM jobs WHERE type = ? AND payload = ? AND status IN ('queued','running') LIMIT 1`,
		jobType, string(raw)).Scan(jobScanDest(&existing)...)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for duplicate job: %w", err)
	}

	now := time.Now()
	job := &Job{
		JobID:     NewID(),
		Type:      jobType,
		Status:    JobQueued,
		NextRunTS: now,
		Payload:   raw,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, type, status, attempts, next_run_ts, payload, error_text, created_ts, updated_ts)
		 VALUES (?, ?, ?, 0, ?, ?, '', ?, ?)`,
		job.JobID, job.Type, job.Status, now.UnixMilli(), string(raw), now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

// LeaseJob atomically claims the oldest runnable job of one of the given
// types. Returns nil when nothing is due.
func (s *Store) LeaseJob(ctx context.Context, types []string, now time.Time) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(types))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(types)+1)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, now.UnixMilli())

	var job Job
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT job_id, type, status, attempts, next_run_ts, payload, error_text, created_ts, updated_ts
		 FROM jobs
		 WHERE type IN (%s) AND status IN ('queued','error') AND next_run_ts <= ?
		 ORDER BY created_ts ASC, rowid ASC LIMIT 1`, placeholders), args...).Scan(jobScanDest(&job)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job for lease: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_ts = ? WHERE job_id = ? AND status IN ('queued','error')`,
		now.UnixMilli(), job.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil // claimed by another worker
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	job.Status = JobRunning
	return &job, nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', error_text = '', updated_ts = ? WHERE job_id = ?`,
		time.Now().UnixMilli(), jobID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob records a failure with exponential backoff. After maxAttempts
// the job is dead-lettered.
func (s *Store) FailJob(ctx context.Context, jobID, errText string, maxAttempts int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin fail: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM jobs WHERE job_id = ?`, jobID).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read job attempts: %w", err)
	}

	attempts++
	now := time.Now()
	status := JobError
	nextRun := now.Add(backoffFor(attempts))
	if attempts >= maxAttempts {
		status = JobDead
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, next_run_ts = ?, error_text = ?, updated_ts = ?
		 WHERE job_id = ?`,
		status, attempts, nextRun.UnixMilli(), errText, now.UnixMilli(), jobID); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return tx.Commit()
}

// backoffFor computes min(60s * 2^(attempts-1), 1h).
func backoffFor(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, type, status, attempts, next_run_ts, payload, error_text, created_ts, updated_ts
		 FROM jobs WHERE job_id = ?`, jobID).Scan(jobScanDest(&job)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT job_id, type, status, attempts, next_run_ts, payload, error_text, created_ts, updated_ts
	          FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(jobScanDest(&job)...); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns job counts grouped by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// jobScanDest adapts a Job for row scanning (timestamps stored as millis).
func jobScanDest(job *Job) []any {
	return []any{
		&job.JobID, &job.Type, &job.Status, &job.Attempts,
		scanMilli{&job.NextRunTS}, scanJSON{&job.Payload}, &job.ErrorText,
		scanMilli{&job.CreatedTS}, scanMilli{&job.UpdatedTS},
	}
}

// scanMilli scans an INTEGER millisecond column into a time.Time.
type scanMilli struct{ t *time.Time }

func (m scanMilli) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*m.t = time.UnixMilli(v)
		return nil
	case nil:
		*m.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time.Time", src)
	}
}

// scanJSON scans a TEXT column into a json.RawMessage.
type scanJSON struct{ raw *json.RawMessage }

func (j scanJSON) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*j.raw = json.RawMessage(v)
		return nil
	case []byte:
		*j.raw = json.RawMessage(string(v))
		return nil
	case nil:
		*j.raw = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into json.RawMessage", src)
	}
}
