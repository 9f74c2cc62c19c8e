// Package storage persists library snapshots.
//
// A snapshot is one library with its documents and chunks, always without
// embeddings; embeddings are rebuilt from text at index time. Writes are
// best-effort: the in-memory store is the source of truth and persistence
// failures are logged, never surfaced to API callers.
package storage

import (
	"github.com/google/uuid"

	"github.com/hyperjump/tansaku/internal/models"
)

// Snapshot is the persisted form of one library.
type Snapshot struct {
	Library   *models.Library    `json:"library"`
	Documents []*models.Document `json:"documents"`
	Chunks    []*models.Chunk    `json:"chunks"`
}

// Snapshotter stores and restores library snapshots.
type Snapshotter interface {
	Save(snap *Snapshot) error
	Delete(libraryID uuid.UUID) error
	LoadAll() ([]*Snapshot, error)
	Close() error
}
