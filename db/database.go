package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Database owns the history connection.
//
//	database, err := db.Open(ctx, "restore_history.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
type Database struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// Open creates the parent directory if needed, applies pending migrations
// and returns an open Database.
func Open(ctx context.Context, path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	if err := MigrateUp(ctx, path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := NewSQLiteConnection(ctx, DefaultConnectionConfig(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	return &Database{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// db returns the open connection or ErrClosed.
func (d *Database) db() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.conn, nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.db()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// Close closes the connection. Close is safe to call multiple times.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
