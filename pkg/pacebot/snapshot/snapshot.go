// Package snapshot persists named state blobs (memory and quota snapshots)
// to disk. Two backends are provided: plain JSON files written atomically,
// and a single SQLite table. Callers own the encoding; a backend only moves
// bytes.
package snapshot

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read when no snapshot with that name exists.
var ErrNotFound = errors.New("snapshot not found")

// Backend stores and retrieves named snapshots.
type Backend interface {
	// Read returns the last written snapshot, or ErrNotFound.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write replaces the snapshot atomically.
	Write(ctx context.Context, name string, data []byte) error

	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend"`

	// Dir is the directory for file snapshots.
	Dir string `yaml:"dir"`

	// DatabasePath is the SQLite database used by the sqlite backend.
	DatabasePath string `yaml:"database_path"`
}

// Open builds the backend described by cfg.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "file":
		b, err := NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqlite":
		b, err := OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}
