// Package persist owns snapshot I/O: a pluggable backend for the encoded
// snapshot bytes, and a manager that drives dirty-flag saves, startup
// recovery and age-based pruning. The in-memory store stays the source of
// truth; whatever the backend holds is a derived, eventually-consistent copy.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by backends when no snapshot (or backup) exists.
var ErrNotFound = errors.New("snapshot not found")

// Backend stores one encoded snapshot plus one backup generation.
type Backend interface {
	// Read returns the current snapshot bytes, or ErrNotFound.
	Read(ctx context.Context) ([]byte, error)
	// ReadBackup returns the previous snapshot generation, or ErrNotFound.
	ReadBackup(ctx context.Context) ([]byte, error)
	// Write atomically replaces the snapshot, retaining the previous
	// generation as the backup.
	Write(ctx context.Context, data []byte) error
	// Size returns the stored snapshot size in bytes, zero when absent.
	Size(ctx context.Context) (int64, error)
}

// MemoryBackend keeps the snapshot in process memory. Used in tests and as
// the fallback when no durable backend is configured.
type MemoryBackend struct {
	data   []byte
	backup []byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Read(context.Context) ([]byte, error) {
	if b.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) ReadBackup(context.Context) ([]byte, error) {
	if b.backup == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.backup...), nil
}

func (b *MemoryBackend) Write(_ context.Context, data []byte) error {
	if b.data != nil {
		b.backup = b.data
	}
	b.data = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Size(context.Context) (int64, error) {
	return int64(len(b.data)), nil
}
