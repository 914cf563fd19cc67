package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend persists the snapshot as a JSON file next to a .bak copy of
// the previous generation. Writes go through a temp file and a rename so a
// crash mid-save never leaves a half-written snapshot in place.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path, creating parent
// directories as needed.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

// Path returns the snapshot file path.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (b *FileBackend) ReadBackup(context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.backupPath())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot backup: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Write(_ context.Context, data []byte) error {
	// Keep the previous generation around before it gets replaced.
	if current, err := os.ReadFile(b.path); err == nil {
		if err := os.WriteFile(b.backupPath(), current, 0o644); err != nil {
			return fmt.Errorf("refresh snapshot backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".snapshot-*.tmp")
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
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (b *FileBackend) Size(context.Context) (int64, error) {
	info, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat snapshot: %w", err)
	}
	return info.Size(), nil
}

func (b *FileBackend) backupPath() string {
	return b.path + ".bak"
}
