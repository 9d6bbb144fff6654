package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

// Store persists jobs in the jobs table.
type Store struct {
	db  *sql.DB
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

func (s *Store) now() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

const jobColumns = `id,type,payload_json,state,COALESCE(idempotency_key,''),attempt_count,COALESCE(last_error,''),COALESCE(result_json,''),requested_by,created_at,started_at,finished_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var started, finished sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.State, &j.IdempotencyKey, &j.AttemptCount, &j.LastError, &j.Result, &j.RequestedBy, &j.CreatedAt, &started, &finished)
	if err != nil {
		return j, err
	}
	if started.Valid {
		j.StartedAt = &started.String
	}
	if finished.Valid {
		j.FinishedAt = &finished.String
	}
	return j, nil
}

// Enqueue inserts a queued job. When the job carries an idempotency key and
// a queued or running job with the same key exists, that job is returned
// and created is false.
func (s *Store) Enqueue(ctx context.Context, job Job) (Job, bool, error) {
	if job.Type == "" {
		return Job{}, false, errors.New("job type required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = JobStateQueued
	job.AttemptCount = 0
	job.CreatedAt = s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	if job.IdempotencyKey != "" {
		existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=? AND state IN ('queued','running') LIMIT 1`, job.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, fmt.Errorf("check idempotency key: %w", err)
		}
	}
	var key any
	if job.IdempotencyKey != "" {
		key = job.IdempotencyKey
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,type,payload_json,state,idempotency_key,attempt_count,requested_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		job.ID, job.Type, job.Payload, job.State, key, 0, job.RequestedBy, job.CreatedAt); err != nil {
		return Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Claim moves the oldest queued job to running and returns it, or nil when
// the queue is empty.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE state='queued' ORDER BY created_at, id LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='running', started_at=?, finished_at=NULL, attempt_count=attempt_count+1 WHERE id=? AND state='queued'`, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete marks a running job as succeeded.
func (s *Store) Complete(ctx context.Context, id, resultJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state='succeeded', result_json=?, finished_at=? WHERE id=?`, resultJSON, s.now(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail records errMsg. A retryable job with attempts left goes back to the
// queue; otherwise it is failed for good.
func (s *Store) Fail(ctx context.Context, id, errMsg string, retryable bool, maxRetries int) (JobState, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	state := JobStateFailed
	if retryable && job.AttemptCount <= maxRetries {
		state = JobStateQueued
	}
	var finished any
	if state == JobStateFailed {
		finished = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET state=?, last_error=?, started_at=CASE WHEN ?='queued' THEN NULL ELSE started_at END, finished_at=? WHERE id=?`,
		state, errMsg, state, finished, id); err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return state, nil
}

// CleanupStuckJobs requeues running jobs that started before now-timeout.
func (s *Store) CleanupStuckJobs(ctx context.Context, timeout time.Duration) (int64, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(-timeout).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state='queued', started_at=NULL, last_error='requeued after claim timeout' WHERE state='running' AND started_at<?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job, ErrJobNotFound
	}
	return job, err
}

type ListFilter struct {
	Type  string
	State JobState
	Limit int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
