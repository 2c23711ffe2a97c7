// Package sqlite stores identity links in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/mnehpets/storefront/bridge"
	"github.com/mnehpets/storefront/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

// Store implements bridge.Links.
type Store struct {
	db *sql.DB
}

var _ bridge.Links = (*Store)(nil)

// Open opens the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the link for externalSubject, or bridge.ErrLinkNotFound.
func (s *Store) Get(ctx context.Context, externalSubject string) (bridge.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT external_subject, email, internal_user_id, created_at, updated_at
FROM identity_links WHERE external_subject = ?`, externalSubject)

	var (
		id               bridge.Identity
		created, updated int64
	)
	if err := row.Scan(&id.ExternalSubject, &id.Email, &id.InternalUserID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bridge.Identity{}, bridge.ErrLinkNotFound
		}
		return bridge.Identity{}, fmt.Errorf("get identity link: %w", err)
	}
	id.CreatedAt = time.UnixMilli(created).UTC()
	id.UpdatedAt = time.UnixMilli(updated).UTC()
	return id, nil
}

// Upsert inserts the link or replaces the email and user of an existing one.
// created_at of an existing row is kept.
func (s *Store) Upsert(ctx context.Context, id bridge.Identity) error {
	if strings.TrimSpace(id.ExternalSubject) == "" || strings.TrimSpace(id.InternalUserID) == "" {
		return fmt.Errorf("external subject and internal user id are required")
	}
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	if id.UpdatedAt.IsZero() {
		id.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identity_links (external_subject, email, internal_user_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (external_subject) DO UPDATE SET
    email = excluded.email,
    internal_user_id = excluded.internal_user_id,
    updated_at = excluded.updated_at`,
		id.ExternalSubject,
		id.Email,
		id.InternalUserID,
		id.CreatedAt.UTC().UnixMilli(),
		id.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert identity link: %w", err)
	}
	return nil
}

// applyMigrations executes each embedded .sql file at most once, in name order.
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := extractUp(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)", file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUp returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func extractUp(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	i := strings.Index(content, upMarker)
	if i == -1 {
		return content
	}
	content = content[i+len(upMarker):]
	if j := strings.Index(content, downMarker); j != -1 {
		content = content[:j]
	}
	return content
}
