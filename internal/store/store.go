// Package store holds the library/document/chunk tables in memory.
//
// Three locks guard the three tables. Lock ordering is always
// library -> document -> chunk; operations spanning tables acquire every
// lock they need in that order and never the reverse. Any mutation emits a
// single invalidation signal for the owning library, except creating a
// library, importing a loaded library, and embedding fills, which are
// index-internal.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/models"
)

// Store is the in-memory source of truth for all entities.
type Store struct {
	libMu   sync.RWMutex
	docMu   sync.RWMutex
	chunkMu sync.RWMutex

	libraries map[uuid.UUID]*models.Library
	documents map[uuid.UUID]*models.Document
	chunks    map[uuid.UUID]*models.Chunk

	docsByLibrary    map[uuid.UUID][]uuid.UUID
	chunksByDocument map[uuid.UUID][]uuid.UUID

	onInvalidate func(libraryID uuid.UUID)
}

// New returns an empty store.
func New() *Store {
	return &Store{
		libraries:        make(map[uuid.UUID]*models.Library),
		documents:        make(map[uuid.UUID]*models.Document),
		chunks:           make(map[uuid.UUID]*models.Chunk),
		docsByLibrary:    make(map[uuid.UUID][]uuid.UUID),
		chunksByDocument: make(map[uuid.UUID][]uuid.UUID),
	}
}

// OnInvalidate registers the callback fired once per mutation with the
// affected library id. Must be set before the store starts serving.
func (s *Store) OnInvalidate(fn func(libraryID uuid.UUID)) {
	s.onInvalidate = fn
}

// notify fires the invalidation callback. Callers must not hold any store
// lock: the receiver may call back into the store.
func (s *Store) notify(libraryID uuid.UUID) {
	if s.onInvalidate != nil {
		s.onInvalidate(libraryID)
	}
}

// ChunkRef is a point-in-time view of one chunk used by index builds.
type ChunkRef struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Text       string
	Embedding  []float32
}

// --- libraries ---

// CreateLibrary inserts a library. The id must be unused.
func (s *Store) CreateLibrary(lib *models.Library) error {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	if _, ok := s.libraries[lib.ID]; ok {
		return apperr.New(apperr.KindValidation, "library %s already exists", lib.ID)
	}
	cp := *lib
	cp.Metadata = models.CloneMetadata(lib.Metadata)
	s.libraries[lib.ID] = &cp
	s.docsByLibrary[lib.ID] = nil
	return nil
}

// GetLibrary returns a copy of the library.
func (s *Store) GetLibrary(id uuid.UUID) (*models.Library, error) {
	s.libMu.RLock()
	defer s.libMu.RUnlock()
	lib, ok := s.libraries[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "library %s not found", id)
	}
	return copyLibrary(lib), nil
}

// HasLibrary reports whether the library exists.
func (s *Store) HasLibrary(id uuid.UUID) bool {
	s.libMu.RLock()
	defer s.libMu.RUnlock()
	_, ok := s.libraries[id]
	return ok
}

// ListLibraries returns all libraries ordered by creation time.
func (s *Store) ListLibraries() []*models.Library {
	s.libMu.RLock()
	defer s.libMu.RUnlock()
	out := make([]*models.Library, 0, len(s.libraries))
	for _, lib := range s.libraries {
		out = append(out, copyLibrary(lib))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// UpdateLibrary patches name and metadata; nil fields are left unchanged.
func (s *Store) UpdateLibrary(id uuid.UUID, name *string, metadata map[string]string) (*models.Library, error) {
	s.libMu.Lock()
	lib, ok := s.libraries[id]
	if !ok {
		s.libMu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "library %s not found", id)
	}
	if name != nil {
		lib.Name = *name
	}
	if metadata != nil {
		lib.Metadata = models.CloneMetadata(metadata)
	}
	lib.UpdatedAt = time.Now().UTC()
	out := copyLibrary(lib)
	s.libMu.Unlock()

	s.notify(id)
	return out, nil
}

// DeleteLibrary removes the library, its documents, and their chunks.
func (s *Store) DeleteLibrary(id uuid.UUID) error {
	s.libMu.Lock()
	s.docMu.Lock()
	s.chunkMu.Lock()
	if _, ok := s.libraries[id]; !ok {
		s.chunkMu.Unlock()
		s.docMu.Unlock()
		s.libMu.Unlock()
		return apperr.New(apperr.KindNotFound, "library %s not found", id)
	}
	for _, docID := range s.docsByLibrary[id] {
		for _, chunkID := range s.chunksByDocument[docID] {
			delete(s.chunks, chunkID)
		}
		delete(s.chunksByDocument, docID)
		delete(s.documents, docID)
	}
	delete(s.docsByLibrary, id)
	delete(s.libraries, id)
	s.chunkMu.Unlock()
	s.docMu.Unlock()
	s.libMu.Unlock()

	s.notify(id)
	return nil
}

// --- documents ---

// CreateDocument inserts a document under an existing library.
func (s *Store) CreateDocument(doc *models.Document) error {
	s.libMu.RLock()
	s.docMu.Lock()
	if _, ok := s.libraries[doc.LibraryID]; !ok {
		s.docMu.Unlock()
		s.libMu.RUnlock()
		return apperr.New(apperr.KindNotFound, "library %s not found", doc.LibraryID)
	}
	if _, ok := s.documents[doc.ID]; ok {
		s.docMu.Unlock()
		s.libMu.RUnlock()
		return apperr.New(apperr.KindValidation, "document %s already exists", doc.ID)
	}
	cp := *doc
	cp.Metadata = models.CloneMetadata(doc.Metadata)
	s.documents[doc.ID] = &cp
	s.docsByLibrary[doc.LibraryID] = append(s.docsByLibrary[doc.LibraryID], doc.ID)
	s.chunksByDocument[doc.ID] = nil
	s.docMu.Unlock()
	s.libMu.RUnlock()

	s.notify(doc.LibraryID)
	return nil
}

// GetDocument returns a copy of the document.
func (s *Store) GetDocument(id uuid.UUID) (*models.Document, error) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "document %s not found", id)
	}
	return copyDocument(doc), nil
}

// ListDocuments returns the library's documents in ownership order.
func (s *Store) ListDocuments(libraryID uuid.UUID) ([]*models.Document, error) {
	s.libMu.RLock()
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	defer s.libMu.RUnlock()
	if _, ok := s.libraries[libraryID]; !ok {
		return nil, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	ids := s.docsByLibrary[libraryID]
	out := make([]*models.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyDocument(s.documents[id]))
	}
	return out, nil
}

// UpdateDocument patches name and metadata; nil fields are left unchanged.
func (s *Store) UpdateDocument(id uuid.UUID, name *string, metadata map[string]string) (*models.Document, error) {
	s.docMu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.docMu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "document %s not found", id)
	}
	if name != nil {
		doc.Name = *name
	}
	if metadata != nil {
		doc.Metadata = models.CloneMetadata(metadata)
	}
	doc.UpdatedAt = time.Now().UTC()
	out := copyDocument(doc)
	libraryID := doc.LibraryID
	s.docMu.Unlock()

	s.notify(libraryID)
	return out, nil
}

// DeleteDocument removes the document and all its chunks.
func (s *Store) DeleteDocument(id uuid.UUID) error {
	s.docMu.Lock()
	s.chunkMu.Lock()
	doc, ok := s.documents[id]
	if !ok {
		s.chunkMu.Unlock()
		s.docMu.Unlock()
		return apperr.New(apperr.KindNotFound, "document %s not found", id)
	}
	libraryID := doc.LibraryID
	for _, chunkID := range s.chunksByDocument[id] {
		delete(s.chunks, chunkID)
	}
	delete(s.chunksByDocument, id)
	delete(s.documents, id)
	s.docsByLibrary[libraryID] = removeID(s.docsByLibrary[libraryID], id)
	s.chunkMu.Unlock()
	s.docMu.Unlock()

	s.notify(libraryID)
	return nil
}

// --- chunks ---

// CreateChunk inserts a chunk under an existing document.
func (s *Store) CreateChunk(chunk *models.Chunk) error {
	return s.CreateChunks([]*models.Chunk{chunk})
}

// CreateChunks inserts a batch of chunks. Every parent document must exist
// and every id must be unused; on any failure nothing is inserted.
func (s *Store) CreateChunks(chunks []*models.Chunk) error {
	s.docMu.RLock()
	s.chunkMu.Lock()
	libraries := make(map[uuid.UUID]struct{})
	batch := make(map[uuid.UUID]struct{}, len(chunks))
	for _, c := range chunks {
		doc, ok := s.documents[c.DocumentID]
		if !ok {
			s.chunkMu.Unlock()
			s.docMu.RUnlock()
			return apperr.New(apperr.KindNotFound, "document %s not found", c.DocumentID)
		}
		if _, ok := s.chunks[c.ID]; ok {
			s.chunkMu.Unlock()
			s.docMu.RUnlock()
			return apperr.New(apperr.KindValidation, "chunk %s already exists", c.ID)
		}
		if _, ok := batch[c.ID]; ok {
			s.chunkMu.Unlock()
			s.docMu.RUnlock()
			return apperr.New(apperr.KindValidation, "duplicate chunk id %s in batch", c.ID)
		}
		batch[c.ID] = struct{}{}
		libraries[doc.LibraryID] = struct{}{}
	}
	for _, c := range chunks {
		cp := *c
		cp.Metadata = models.CloneMetadata(c.Metadata)
		cp.Embedding = copyVector(c.Embedding)
		s.chunks[c.ID] = &cp
		s.chunksByDocument[c.DocumentID] = append(s.chunksByDocument[c.DocumentID], c.ID)
	}
	s.chunkMu.Unlock()
	s.docMu.RUnlock()

	for libraryID := range libraries {
		s.notify(libraryID)
	}
	return nil
}

// GetChunk returns a copy of the chunk.
func (s *Store) GetChunk(id uuid.UUID) (*models.Chunk, error) {
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "chunk %s not found", id)
	}
	return copyChunk(chunk), nil
}

// ListChunks returns the document's chunks in ownership order.
func (s *Store) ListChunks(documentID uuid.UUID) ([]*models.Chunk, error) {
	s.docMu.RLock()
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	defer s.docMu.RUnlock()
	if _, ok := s.documents[documentID]; !ok {
		return nil, apperr.New(apperr.KindNotFound, "document %s not found", documentID)
	}
	ids := s.chunksByDocument[documentID]
	out := make([]*models.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyChunk(s.chunks[id]))
	}
	return out, nil
}

// UpdateChunk patches text and metadata; nil fields are left unchanged.
// A text change drops the embedding, which is rebuilt at the next index.
func (s *Store) UpdateChunk(id uuid.UUID, text *string, metadata map[string]string) (*models.Chunk, error) {
	s.docMu.RLock()
	s.chunkMu.Lock()
	chunk, ok := s.chunks[id]
	if !ok {
		s.chunkMu.Unlock()
		s.docMu.RUnlock()
		return nil, apperr.New(apperr.KindNotFound, "chunk %s not found", id)
	}
	if text != nil && *text != chunk.Text {
		chunk.Text = *text
		chunk.Embedding = nil
	}
	if metadata != nil {
		chunk.Metadata = models.CloneMetadata(metadata)
	}
	chunk.UpdatedAt = time.Now().UTC()
	out := copyChunk(chunk)
	libraryID := s.documents[chunk.DocumentID].LibraryID
	s.chunkMu.Unlock()
	s.docMu.RUnlock()

	s.notify(libraryID)
	return out, nil
}

// DeleteChunk removes one chunk.
func (s *Store) DeleteChunk(id uuid.UUID) error {
	s.docMu.RLock()
	s.chunkMu.Lock()
	chunk, ok := s.chunks[id]
	if !ok {
		s.chunkMu.Unlock()
		s.docMu.RUnlock()
		return apperr.New(apperr.KindNotFound, "chunk %s not found", id)
	}
	libraryID := s.documents[chunk.DocumentID].LibraryID
	s.chunksByDocument[chunk.DocumentID] = removeID(s.chunksByDocument[chunk.DocumentID], id)
	delete(s.chunks, id)
	s.chunkMu.Unlock()
	s.docMu.RUnlock()

	s.notify(libraryID)
	return nil
}

// SetChunkEmbedding stores an embedding for the chunk. This write is
// index-internal and emits no invalidation signal.
func (s *Store) SetChunkEmbedding(id uuid.UUID, embedding []float32) error {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "chunk %s not found", id)
	}
	chunk.Embedding = copyVector(embedding)
	return nil
}

// --- library-scoped views ---

// ChunkRefs snapshots every chunk owned by the library, in document order
// then chunk order. Embeddings are copied out.
func (s *Store) ChunkRefs(libraryID uuid.UUID) ([]ChunkRef, error) {
	s.libMu.RLock()
	s.docMu.RLock()
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	defer s.docMu.RUnlock()
	defer s.libMu.RUnlock()
	if _, ok := s.libraries[libraryID]; !ok {
		return nil, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	var refs []ChunkRef
	for _, docID := range s.docsByLibrary[libraryID] {
		for _, chunkID := range s.chunksByDocument[docID] {
			c := s.chunks[chunkID]
			refs = append(refs, ChunkRef{
				ID:         c.ID,
				DocumentID: c.DocumentID,
				Text:       c.Text,
				Embedding:  copyVector(c.Embedding),
			})
		}
	}
	return refs, nil
}

// CountChunks returns the number of chunks owned by the library.
func (s *Store) CountChunks(libraryID uuid.UUID) (int, error) {
	s.libMu.RLock()
	s.docMu.RLock()
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	defer s.docMu.RUnlock()
	defer s.libMu.RUnlock()
	if _, ok := s.libraries[libraryID]; !ok {
		return 0, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	n := 0
	for _, docID := range s.docsByLibrary[libraryID] {
		n += len(s.chunksByDocument[docID])
	}
	return n, nil
}

// Tree returns copies of the library, its documents, and their chunks, in
// ownership order. Used by the persistence sinks.
func (s *Store) Tree(libraryID uuid.UUID) (*models.Library, []*models.Document, []*models.Chunk, error) {
	s.libMu.RLock()
	s.docMu.RLock()
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	defer s.docMu.RUnlock()
	defer s.libMu.RUnlock()
	lib, ok := s.libraries[libraryID]
	if !ok {
		return nil, nil, nil, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	var docs []*models.Document
	var chunks []*models.Chunk
	for _, docID := range s.docsByLibrary[libraryID] {
		docs = append(docs, copyDocument(s.documents[docID]))
		for _, chunkID := range s.chunksByDocument[docID] {
			chunks = append(chunks, copyChunk(s.chunks[chunkID]))
		}
	}
	return copyLibrary(lib), docs, chunks, nil
}

// Import inserts a loaded library tree without emitting invalidation
// signals. Used on startup and by the snapshot watcher; an existing
// library with the same id is an error.
func (s *Store) Import(lib *models.Library, docs []*models.Document, chunks []*models.Chunk) error {
	s.libMu.Lock()
	s.docMu.Lock()
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	defer s.docMu.Unlock()
	defer s.libMu.Unlock()
	if _, ok := s.libraries[lib.ID]; ok {
		return apperr.New(apperr.KindValidation, "library %s already exists", lib.ID)
	}
	cp := *lib
	cp.Metadata = models.CloneMetadata(lib.Metadata)
	s.libraries[lib.ID] = &cp
	s.docsByLibrary[lib.ID] = nil
	for _, doc := range docs {
		if doc.LibraryID != lib.ID {
			return apperr.New(apperr.KindValidation, "document %s does not belong to library %s", doc.ID, lib.ID)
		}
		dcp := *doc
		dcp.Metadata = models.CloneMetadata(doc.Metadata)
		s.documents[doc.ID] = &dcp
		s.docsByLibrary[lib.ID] = append(s.docsByLibrary[lib.ID], doc.ID)
		s.chunksByDocument[doc.ID] = nil
	}
	for _, c := range chunks {
		if _, ok := s.documents[c.DocumentID]; !ok {
			return apperr.New(apperr.KindValidation, "chunk %s references unknown document %s", c.ID, c.DocumentID)
		}
		ccp := *c
		ccp.Metadata = models.CloneMetadata(c.Metadata)
		ccp.Embedding = nil
		s.chunks[c.ID] = &ccp
		s.chunksByDocument[c.DocumentID] = append(s.chunksByDocument[c.DocumentID], c.ID)
	}
	return nil
}

// Counts returns the table sizes.
func (s *Store) Counts() (libraries, documents, chunks int) {
	s.libMu.RLock()
	s.docMu.RLock()
	s.chunkMu.RLock()
	defer s.chunkMu.RUnlock()
	defer s.docMu.RUnlock()
	defer s.libMu.RUnlock()
	return len(s.libraries), len(s.documents), len(s.chunks)
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func copyLibrary(lib *models.Library) *models.Library {
	cp := *lib
	cp.Metadata = models.CloneMetadata(lib.Metadata)
	return &cp
}

func copyDocument(doc *models.Document) *models.Document {
	cp := *doc
	cp.Metadata = models.CloneMetadata(doc.Metadata)
	return &cp
}

func copyChunk(chunk *models.Chunk) *models.Chunk {
	cp := *chunk
	cp.Metadata = models.CloneMetadata(chunk.Metadata)
	cp.Embedding = copyVector(chunk.Embedding)
	return &cp
}
