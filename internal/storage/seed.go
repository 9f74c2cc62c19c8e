package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/tansaku/internal/models"
)

// Seed returns the bundled demo library loaded when TESTING_DATA is set.
// Fixed ids keep restarts idempotent: reloading the seed over an existing
// copy is rejected by the store's duplicate check.
func Seed() *Snapshot {
	libID := uuid.MustParse("8d9d3c2e-41c1-4de9-9ae6-2f6d63c0a7b1")
	animalsID := uuid.MustParse("f0a3b9d4-8f6e-4a2b-9c57-1e2d3f4a5b6c")
	spaceID := uuid.MustParse("0b1c2d3e-4f5a-6b7c-8d9e-0f1a2b3c4d5e")
	now := time.Date(2024, 11, 4, 12, 0, 0, 0, time.UTC)

	lib := &models.Library{
		ID:        libID,
		Name:      "sample-encyclopedia",
		Metadata:  map[string]string{"source": "seed"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	docs := []*models.Document{
		{ID: animalsID, LibraryID: libID, Name: "animals", CreatedAt: now, UpdatedAt: now},
		{ID: spaceID, LibraryID: libID, Name: "space", CreatedAt: now, UpdatedAt: now},
	}
	texts := []struct {
		id   string
		doc  uuid.UUID
		text string
	}{
		{"3a1b5c7d-9e0f-4a2b-8c6d-5e4f3a2b1c0d", animalsID, "The domestic cat is a small carnivorous mammal kept as a companion animal."},
		{"4b2c6d8e-0f1a-4b3c-9d7e-6f5a4b3c2d1e", animalsID, "Kittens are young cats known for playfulness and rapid growth."},
		{"5c3d7e9f-1a2b-4c4d-8e8f-7a6b5c4d3e2f", animalsID, "The grey wolf is a canine native to wilderness areas of Eurasia and North America."},
		{"6d4e8f0a-2b3c-4d5e-9f9a-8b7c6d5e4f3a", spaceID, "A telescope gathers light to observe distant stars and galaxies."},
		{"7e5f9a1b-3c4d-4e6f-8a0b-9c8d7e6f5a4b", spaceID, "Astronomy is the study of celestial objects and the universe as a whole."},
		{"8f6a0b2c-4d5e-4f7a-9b1c-0d9e8f7a6b5c", spaceID, "Mars is the fourth planet from the Sun and hosts the largest volcano in the solar system."},
	}
	chunks := make([]*models.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = &models.Chunk{
			ID:         uuid.MustParse(t.id),
			DocumentID: t.doc,
			Text:       t.text,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return &Snapshot{Library: lib, Documents: docs, Chunks: chunks}
}
