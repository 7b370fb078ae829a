// ABOUTME: Batch job persistence with chunk leases and compare-and-set cursor commits
// ABOUTME: Also records per-record failures for later inspection
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/harperreed/contactsync/models"
)

var (
	ErrJobNotFound    = errors.New("db: batch job not found")
	ErrJobLeased      = errors.New("db: batch job is leased by another runner")
	ErrJobFinished    = errors.New("db: batch job already finished")
	ErrCursorConflict = errors.New("db: batch job cursor moved since lease")
)

// JobRepository stores batch jobs and their failures.
type JobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

const jobColumns = `id, provider_slug, job_type, tag, cursor, scanned, total_estimate, chunk_size, sleep_seconds,
	status, requeue, processed, failed, lease_owner, lease_until, next_run_at, last_error,
	created_at, updated_at, completed_at`

// Create persists a new pending job and assigns it a ULID.
func (r *JobRepository) Create(ctx context.Context, job *models.BatchJob) error {
	now := r.now().UTC()
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	job.Status = models.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	requeue, err := encodeRequeue(job.Requeue)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, provider_slug, job_type, tag, cursor, scanned, total_estimate, chunk_size,
			sleep_seconds, status, requeue, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ProviderSlug, job.JobType, job.Tag, job.Cursor, job.Scanned, job.TotalEstimate, job.ChunkSize,
		job.SleepSeconds, job.Status, requeue, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	return nil
}

// Get returns the job with id.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.BatchJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

// List returns the most recent jobs, newest first.
func (r *JobRepository) List(ctx context.Context, limit int) ([]models.BatchJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return collectJobs(rows)
}

// Runnable returns unfinished jobs whose next_run_at has passed and whose lease expired.
func (r *JobRepository) Runnable(ctx context.Context) ([]models.BatchJob, error) {
	now := toMillis(r.now())
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM batch_jobs
		WHERE status IN ('pending', 'running') AND next_run_at <= ? AND lease_until <= ?
		ORDER BY created_at
	`, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable jobs: %w", err)
	}
	return collectJobs(rows)
}

// AcquireLease marks the job running and leased to owner until now+ttl. It
// returns the job as stored at acquisition time.
func (r *JobRepository) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (*models.BatchJob, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET lease_owner = ?, lease_until = ?, status = 'running', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
		  AND (lease_until <= ? OR lease_owner = ?)
	`, owner, toMillis(now.Add(ttl)), now.UTC(), id, toMillis(now), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to lease batch job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to lease batch job: %w", err)
	}

	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if job.Done() {
			return nil, ErrJobFinished
		}
		return nil, ErrJobLeased
	}
	return job, nil
}

// Commit stores the chunk outcome and releases the lease, but only if the
// cursor is still expectedCursor and owner still holds the lease.
func (r *JobRepository) Commit(ctx context.Context, job *models.BatchJob, expectedCursor int, owner string) error {
	if job.Cursor < expectedCursor {
		return fmt.Errorf("batch cursor cannot move backwards (%d < %d)", job.Cursor, expectedCursor)
	}
	now := r.now().UTC()
	job.UpdatedAt = now
	requeue, err := encodeRequeue(job.Requeue)
	if err != nil {
		return err
	}
	var nextRun int64
	if job.NextRunAt != nil {
		nextRun = toMillis(*job.NextRunAt)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET cursor = ?, scanned = ?, total_estimate = ?, status = ?, requeue = ?, processed = ?, failed = ?,
			next_run_at = ?, last_error = ?, completed_at = ?, updated_at = ?,
			lease_owner = '', lease_until = 0
		WHERE id = ? AND cursor = ? AND lease_owner = ?
	`, job.Cursor, job.Scanned, job.TotalEstimate, job.Status, requeue, job.Processed, job.Failed,
		nextRun, job.LastError, job.CompletedAt, now,
		job.ID, expectedCursor, owner)
	if err != nil {
		return fmt.Errorf("failed to commit batch job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCursorConflict
	}
	job.LeaseOwner = ""
	job.LeaseUntil = nil
	return nil
}

// ReleaseLease drops the lease without touching progress.
func (r *JobRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batch_jobs SET lease_owner = '', lease_until = 0 WHERE id = ? AND lease_owner = ?
	`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to release batch job lease: %w", err)
	}
	return nil
}

// Reset explicitly rewinds a job to the start and clears its failures.
func (r *JobRepository) Reset(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin job reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_jobs
		SET cursor = 0, scanned = 0, status = 'pending', requeue = '[]', processed = 0, failed = 0,
			lease_owner = '', lease_until = 0, next_run_at = 0, last_error = '',
			completed_at = NULL, updated_at = ?
		WHERE id = ?
	`, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset batch job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_failures WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear batch failures: %w", err)
	}
	return tx.Commit()
}

// RecordFailure stores a record that could not be processed.
func (r *JobRepository) RecordFailure(ctx context.Context, f *models.BatchFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_failures (id, job_id, record_key, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.JobID, f.RecordKey, f.Kind, f.Message, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record batch failure: %w", err)
	}
	return nil
}

// Failures lists recorded failures for a job in insertion order.
func (r *JobRepository) Failures(ctx context.Context, jobID string) ([]models.BatchFailure, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, record_key, kind, message, created_at
		FROM batch_failures WHERE job_id = ?
		ORDER BY created_at, rowid
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.BatchFailure
	for rows.Next() {
		var f models.BatchFailure
		if err := rows.Scan(&f.ID, &f.JobID, &f.RecordKey, &f.Kind, &f.Message, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]models.BatchJob, error) {
	defer func() { _ = rows.Close() }()
	var jobs []models.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*models.BatchJob, error) {
	var j models.BatchJob
	var requeue string
	var leaseUntil, nextRun int64
	var completed sql.NullTime
	err := row.Scan(&j.ID, &j.ProviderSlug, &j.JobType, &j.Tag, &j.Cursor, &j.Scanned, &j.TotalEstimate, &j.ChunkSize,
		&j.SleepSeconds, &j.Status, &requeue, &j.Processed, &j.Failed, &j.LeaseOwner, &leaseUntil,
		&nextRun, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requeue), &j.Requeue); err != nil {
		return nil, fmt.Errorf("failed to decode requeue list for job %s: %w", j.ID, err)
	}
	j.LeaseUntil = fromMillis(leaseUntil)
	j.NextRunAt = fromMillis(nextRun)
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}

func encodeRequeue(list []models.RequeuedRecord) (string, error) {
	if list == nil {
		list = []models.RequeuedRecord{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode requeue list: %w", err)
	}
	return string(data), nil
}
