package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const defaultDir = "./data"

// FileBackend keeps each snapshot in <dir>/<name>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = defaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir %q: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the file used for a snapshot name.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, sanitizeName(name)+".json")
}

// Read loads the snapshot file.
func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %q: %w", name, err)
	}
	return data, nil
}

// Write stores data in a temp file and renames it over the snapshot so a
// crash mid-write never leaves a truncated file behind.
func (b *FileBackend) Write(_ context.Context, name string, data []byte) error {
	path := b.Path(name)
	tmp, err := os.CreateTemp(b.dir, "."+sanitizeName(name)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot %q: %w", name, err)
	}
	return nil
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

// sanitizeName returns a filesystem-safe name (replaces separators with _).
func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(name)
}
