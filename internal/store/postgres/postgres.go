package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/deployr/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS download_state(
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			validator TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(name, version)
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Put(ctx context.Context, rec store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO download_state(name, version, validator, updated_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(name, version) DO UPDATE SET
			validator=EXCLUDED.validator,
			updated_at=EXCLUDED.updated_at;`,
		rec.Name, rec.Version, rec.Validator, rec.UpdatedAt)
	return err
}

func (p *DB) Get(ctx context.Context, name, version string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT name, version, validator, updated_at
		FROM download_state
		WHERE name=$1 AND version=$2;`, name, version).
		Scan(&r.Name, &r.Version, &r.Validator, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (p *DB) Delete(ctx context.Context, name, version string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM download_state WHERE name=$1 AND version=$2;`, name, version)
	return err
}
