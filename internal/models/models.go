// Package models defines the library, document, and chunk entities.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Library is the top-level container for a corpus searched together.
type Library struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Document groups chunks within a library.
type Document struct {
	ID        uuid.UUID         `json:"id"`
	LibraryID uuid.UUID         `json:"library_id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Chunk is an atomic text fragment, the unit of retrieval.
// The embedding is in-memory only and never serialized; it is rebuilt
// from text at index time.
type Chunk struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID uuid.UUID         `json:"document_id"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CloneMetadata returns a copy of m, or nil when m is nil.
func CloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
