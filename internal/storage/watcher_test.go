package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestWatcherLoadsDroppedSnapshot(t *testing.T) {
	dir := t.TempDir()
	loaded := make(chan uuid.UUID, 1)
	w := NewWatcher(dir, func(path string, libraryID uuid.UUID) {
		loaded <- libraryID
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	id := uuid.New()
	path := filepath.Join(dir, libraryFilePrefix+id.String()+libraryFileSuffix)
	if err := os.WriteFile(path, []byte(`{"library":{"id":"`+id.String()+`"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-loaded:
		if got != id {
			t.Errorf("loaded %s, want %s", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reported the dropped snapshot")
	}
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	loaded := make(chan uuid.UUID, 1)
	w := NewWatcher(dir, func(string, uuid.UUID) { loaded <- uuid.Nil }, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-loaded:
		t.Fatal("watcher fired for a non-snapshot file")
	case <-time.After(time.Second):
	}
}
