package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/deployr/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS download_state(
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			validator TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(name, version)
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, rec store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_state(name, version, validator, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			validator=excluded.validator,
			updated_at=excluded.updated_at;`,
		rec.Name, rec.Version, rec.Validator, rec.UpdatedAt)
	return err
}

func (s *DB) Get(ctx context.Context, name, version string) (store.Record, error) {
	var r store.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT name, version, validator, updated_at
		FROM download_state
		WHERE name=? AND version=?;`, name, version).
		Scan(&r.Name, &r.Version, &r.Validator, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (s *DB) Delete(ctx context.Context, name, version string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM download_state WHERE name=? AND version=?;`, name, version)
	return err
}
