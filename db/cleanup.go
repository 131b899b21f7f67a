package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	RunsDeleted int64
	Duration    time.Duration
}

// Cleanup deletes runs started more than retentionDays ago and runs VACUUM
// to reclaim disk space. A retentionDays of 0 deletes every run.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	cutoff := start.AddDate(0, 0, -retentionDays)
	n, err := NewRepository(d).DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	result.RunsDeleted = n

	if err := ctx.Err(); err != nil {
		// rows are gone, VACUUM skipped
		result.Duration = time.Since(start)
		return result, err
	}

	conn, err := d.db()
	if err != nil {
		return result, err
	}
	// VACUUM must run outside a transaction
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
	}

	result.Duration = time.Since(start)
	return result, nil
}
