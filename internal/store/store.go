package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("download record not found")

// Record keeps the validator (an opaque content tag such as an ETag) of the
// most recently started download for an artifact name and version.
// At most one record exists per (Name, Version).
type Record struct {
	Name      string
	Version   string
	Validator string
	UpdatedAt time.Time
}

// Store persists download records so an interrupted download can be resumed
// by a later invocation.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Put creates or overwrites the record for rec.Name and rec.Version.
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, name, version string) (Record, error)
	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, name, version string) error
	Close() error
}
