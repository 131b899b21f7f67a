package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"photorestore/restore"
)

// ErrRunNotFound is returned by GetRun for an unknown ID.
var ErrRunNotFound = errors.New("db: run not found")

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const runColumns = `id, started_at, finished_at, width, height, num_steps,
	steps_completed, status, error_kind, error_message`

// Repository reads and writes restoration_runs.
type Repository struct {
	db *Database
}

// NewRepository creates a Repository over database.
func NewRepository(database *Database) *Repository {
	return &Repository{db: database}
}

// InsertRun stores one finished run.
func (r *Repository) InsertRun(ctx context.Context, rec restore.RunRecord) error {
	conn, err := r.db.db()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO restoration_runs (`+runColumns+`, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
		rec.Width,
		rec.Height,
		rec.NumSteps,
		rec.StepsCompleted,
		string(rec.Status),
		string(rec.ErrorKind),
		rec.ErrorMessage,
		rec.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun returns the run with the given ID.
func (r *Repository) GetRun(ctx context.Context, id string) (restore.RunRecord, error) {
	conn, err := r.db.db()
	if err != nil {
		return restore.RunRecord{}, err
	}

	row := conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM restoration_runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return restore.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, err
}

// ListRecentRuns returns up to limit runs, newest first. A non-positive
// limit returns 20.
func (r *Repository) ListRecentRuns(ctx context.Context, limit int) ([]restore.RunRecord, error) {
	conn, err := r.db.db()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM restoration_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []restore.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// CountByStatus returns the number of runs per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[restore.Status]int, error) {
	conn, err := r.db.db()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM restoration_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[restore.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[restore.Status(status)] = n
	}
	return counts, rows.Err()
}

// DeleteRunsBefore removes runs started before cutoff and returns how many
// were deleted.
func (r *Repository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := r.db.db()
	if err != nil {
		return 0, err
	}

	res, err := conn.ExecContext(ctx, `DELETE FROM restoration_runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (restore.RunRecord, error) {
	var (
		rec               restore.RunRecord
		started, finished string
		status, errorKind string
	)
	err := s.Scan(
		&rec.ID,
		&started,
		&finished,
		&rec.Width,
		&rec.Height,
		&rec.NumSteps,
		&rec.StepsCompleted,
		&status,
		&errorKind,
		&rec.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan run: %w", err)
	}

	rec.Status = restore.Status(status)
	rec.ErrorKind = restore.ErrorKind(errorKind)
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return rec, fmt.Errorf("run %s: bad started_at %q: %w", rec.ID, started, err)
	}
	if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return rec, fmt.Errorf("run %s: bad finished_at %q: %w", rec.ID, finished, err)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
