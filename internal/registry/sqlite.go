package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/thatjpcsguy/minipaas/internal/version"
)

// SQLiteStore keeps the registry in a sqlite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates or opens a registry database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema creates the tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workloads (
		name TEXT PRIMARY KEY,
		source_url TEXT NOT NULL,
		current_version TEXT NOT NULL,
		port INTEGER NOT NULL UNIQUE,
		instance_count INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS published_versions (
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (name, version)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		if isCorrupt(err) {
			return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func isCorrupt(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrNotADB || se.Code == sqlite3.ErrCorrupt
	}
	return false
}

// Load reads every workload and its published versions
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source_url, current_version, port, instance_count, created_at, updated_at
		FROM workloads
	`)
	if err != nil {
		return nil, s.loadErr("failed to query workloads", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			name, repo, ver, createdAt, updatedAt string
			port, count                           int
		)
		if err := rows.Scan(&name, &repo, &ver, &port, &count, &createdAt, &updatedAt); err != nil {
			return nil, s.loadErr("failed to scan workload", err)
		}

		v, err := version.Parse(ver)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, name, err)
		}

		snap.Versions[name] = v
		snap.Repos[name] = repo
		snap.Ports[name] = port
		snap.Instances[name] = count
		snap.Created[name], _ = time.Parse(time.RFC3339, createdAt)
		snap.Updated[name], _ = time.Parse(time.RFC3339, updatedAt)
	}
	if err := rows.Err(); err != nil {
		return nil, s.loadErr("failed to read workloads", err)
	}

	vrows, err := s.db.QueryContext(ctx, `
		SELECT name, version FROM published_versions ORDER BY name, position
	`)
	if err != nil {
		return nil, s.loadErr("failed to query published versions", err)
	}
	defer func() { _ = vrows.Close() }()

	for vrows.Next() {
		var name, ver string
		if err := vrows.Scan(&name, &ver); err != nil {
			return nil, s.loadErr("failed to scan published version", err)
		}
		v, err := version.Parse(ver)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, name, err)
		}
		snap.History[name] = append(snap.History[name], v)
	}
	if err := vrows.Err(); err != nil {
		return nil, s.loadErr("failed to read published versions", err)
	}

	return snap, nil
}

func (s *SQLiteStore) loadErr(msg string, err error) error {
	if isCorrupt(err) {
		return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Save rewrites both tables in one transaction
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM published_versions"); err != nil {
		return fmt.Errorf("failed to clear published versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM workloads"); err != nil {
		return fmt.Errorf("failed to clear workloads: %w", err)
	}

	for name, v := range snap.Versions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workloads (name, source_url, current_version, port, instance_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, name, snap.Repos[name], v.String(), snap.Ports[name], snap.Instances[name],
			snap.Created[name].UTC().Format(time.RFC3339), snap.Updated[name].UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert workload %s: %w", name, err)
		}

		for i, pv := range snap.History[name] {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO published_versions (name, version, position) VALUES (?, ?, ?)",
				name, pv.String(), i)
			if err != nil {
				return fmt.Errorf("failed to insert published version %s %s: %w", name, pv, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registry: %w", err)
	}

	return nil
}
