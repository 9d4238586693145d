package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reelcut/reelcut/internal/pipeline"
)

// Repository reads and writes job history.
type Repository interface {
	Record(ctx context.Context, snap pipeline.Snapshot) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// SQLiteRepository is the Repository backed by the db package's connection.
type SQLiteRepository struct {
	db *sql.DB
}

var _ pipeline.Recorder = (*SQLiteRepository)(nil)

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record upserts the job row from snap and appends a transition event.
// The row's created_at is fixed by the first snapshot.
func (r *SQLiteRepository) Record(ctx context.Context, snap pipeline.Snapshot) error {
	if snap.JobID == "" {
		return errors.New("snapshot has no job id")
	}
	if snap.At.IsZero() {
		snap.At = time.Now().UTC()
	}
	j := fromSnapshot(snap)
	at := formatTime(snap.At)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, workflow, status, source_url, aux_url, output_name, output_url,
			duration, keep_count, error_kind, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output_url = excluded.output_url,
			duration = excluded.duration,
			keep_count = excluded.keep_count,
			error_kind = excluded.error_kind,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, j.ID, j.Workflow, j.Status, j.SourceURL, j.AuxURL, j.OutputName, j.OutputURL,
		j.Duration, j.KeepCount, j.ErrorKind, j.Error, at, at)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, status, error_kind, at) VALUES (?, ?, ?, ?)
	`, j.ID, j.Status, j.ErrorKind, at)
	if err != nil {
		return fmt.Errorf("insert event for %s: %w", j.ID, err)
	}

	return tx.Commit()
}

// GetJob returns the job with its events, or nil when it does not exist.
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	events, err := r.listEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Events = events
	return j, nil
}

// ListJobs returns jobs newest first, without events.
func (r *SQLiteRepository) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs per status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) listEvents(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, error_kind, at FROM job_events WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.Status, &e.ErrorKind, &at); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

const jobColumns = `id, workflow, status, source_url, aux_url, output_name, output_url,
	duration, keep_count, error_kind, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var createdAt, updatedAt string
	err := s.Scan(&j.ID, &j.Workflow, &j.Status, &j.SourceURL, &j.AuxURL, &j.OutputName, &j.OutputURL,
		&j.Duration, &j.KeepCount, &j.ErrorKind, &j.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
