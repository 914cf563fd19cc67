package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_ReadAbsent(t *testing.T) {
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "snap.json"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := b.Read(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	size, err := b.Size(context.Background())
	if err != nil || size != 0 {
		t.Errorf("Size = %d, %v; want 0, nil", size, err)
	}
}

func TestFileBackend_WriteKeepsBackupGeneration(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "snap.json"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	if err := b.Write(ctx, []byte("gen1")); err != nil {
		t.Fatalf("write gen1: %v", err)
	}
	if _, err := b.ReadBackup(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("backup after first write = %v, want ErrNotFound", err)
	}

	if err := b.Write(ctx, []byte("gen2")); err != nil {
		t.Fatalf("write gen2: %v", err)
	}
	current, err := b.Read(ctx)
	if err != nil || string(current) != "gen2" {
		t.Errorf("Read = %q, %v; want gen2", current, err)
	}
	backup, err := b.ReadBackup(ctx)
	if err != nil || string(backup) != "gen1" {
		t.Errorf("ReadBackup = %q, %v; want gen1", backup, err)
	}
}

func TestFileBackend_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "snap.json"))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := b.Write(context.Background(), []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "snap.json" && e.Name() != "snap.json.bak" {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	if _, err := b.Read(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty read = %v, want ErrNotFound", err)
	}
	if err := b.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Write(ctx, []byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	cur, _ := b.Read(ctx)
	bak, _ := b.ReadBackup(ctx)
	if string(cur) != "b" || string(bak) != "a" {
		t.Errorf("got current=%q backup=%q, want b/a", cur, bak)
	}
}
