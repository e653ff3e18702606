package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job is a persisted scheduled_jobs row. Payload is the JSON-encoded job
// payload; the scheduler owns its schema.
type Job struct {
	ID        string    `json:"job_id"`
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Enabled   bool      `json:"enabled"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const jobColumns = `id, name, cron, enabled, payload, created_at, updated_at`

// UpsertJob inserts job or replaces the definition of an existing row with
// the same id. created_at is preserved on update.
func (s *Store) UpsertJob(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		return Job{}, fmt.Errorf("upsert job: empty id")
	}
	now := nowUTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				cron = excluded.cron,
				enabled = excluded.enabled,
				payload = excluded.payload,
				updated_at = excluded.updated_at;
		`, job.ID, job.Name, job.Cron, boolToInt(job.Enabled), job.Payload, now, now)
		return err
	})
	if err != nil {
		return Job{}, fmt.Errorf("upsert job: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?;`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetJobEnabled toggles a job's enabled flag.
func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET enabled = ?, updated_at = ? WHERE id = ?;
		`, boolToInt(enabled), nowUTC(), id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// DeleteJob removes a job by id.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// JobsRevision summarizes the scheduled_jobs table. Any insert, update,
// toggle or delete committed by any connection changes the value.
func (s *Store) JobsRevision(ctx context.Context) (string, error) {
	var (
		count   int64
		enabled int64
		latest  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(enabled), 0), MAX(updated_at) FROM scheduled_jobs;
	`).Scan(&count, &enabled, &latest)
	if err != nil {
		return "", fmt.Errorf("jobs revision: %w", err)
	}
	return fmt.Sprintf("%d/%d/%s", count, enabled, latest.String), nil
}

func scanJob(scan func(dest ...any) error) (Job, error) {
	var job Job
	var enabled int
	if err := scan(&job.ID, &job.Name, &job.Cron, &enabled, &job.Payload, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, err
	}
	job.Enabled = enabled != 0
	return job, nil
}
