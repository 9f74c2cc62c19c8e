// Package lifecycle coordinates per-library index builds.
//
// Each library owns a small state machine: idle -> building -> ready, with
// stale on any mutation and failed on build errors. Builds run off the
// request path; the finished indexer is installed with an atomic pointer
// swap so searches never observe a half-built index.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/embedding"
	"github.com/hyperjump/tansaku/internal/index"
	"github.com/hyperjump/tansaku/internal/store"
	"github.com/hyperjump/tansaku/internal/vector"
)

// IndexState is the indexing state of one library.
type IndexState string

const (
	StateIdle     IndexState = "idle"
	StateBuilding IndexState = "building"
	StateReady    IndexState = "ready"
	StateStale    IndexState = "stale"
	StateFailed   IndexState = "failed"
)

// Status is the published view of a library's index, the search gate's
// input and the index/status endpoint's body.
type Status struct {
	State              IndexState  `json:"state"`
	Indexed            bool        `json:"indexed"`
	IndexingInProgress bool        `json:"indexing_in_progress"`
	IndexerType        *index.Kind `json:"indexer_type"`
	LastIndexed        *int64      `json:"last_indexed"`
	Error              *string     `json:"error"`
}

// SearchResult is one search hit joined with its chunk.
type SearchResult struct {
	ChunkID    uuid.UUID         `json:"chunk_id"`
	DocumentID uuid.UUID         `json:"document_id"`
	Score      float64           `json:"score"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type indexSlot struct {
	indexer index.Indexer
}

// libraryIndex tracks one library. gen counts mutations; a build captures
// gen at start and is superseded when it moved.
type libraryIndex struct {
	state       IndexState
	gen         uint64
	lastIndexed time.Time
	lastErr     string
	installed   atomic.Pointer[indexSlot]
}

// Manager owns every library's index lifecycle.
type Manager struct {
	store    *store.Store
	embedder embedding.Embedder
	logger   *zap.Logger

	mu   sync.Mutex
	libs map[uuid.UUID]*libraryIndex
	wg   sync.WaitGroup
}

// NewManager creates a manager. Wire it to the store with
// store.OnInvalidate(m.Invalidate).
func NewManager(st *store.Store, embedder embedding.Embedder, logger *zap.Logger) *Manager {
	return &Manager{
		store:    st,
		embedder: embedder,
		logger:   logger,
		libs:     make(map[uuid.UUID]*libraryIndex),
	}
}

// entryLocked returns the library's record, creating it idle. Callers hold mu.
func (m *Manager) entryLocked(libraryID uuid.UUID) *libraryIndex {
	e, ok := m.libs[libraryID]
	if !ok {
		e = &libraryIndex{state: StateIdle}
		m.libs[libraryID] = e
	}
	return e
}

// Invalidate is the store's mutation signal. A ready or stale library goes
// stale; a building library keeps building but its build is superseded.
// When the library no longer exists its record is dropped.
func (m *Manager) Invalidate(libraryID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.store.HasLibrary(libraryID) {
		delete(m.libs, libraryID)
		return
	}
	e := m.entryLocked(libraryID)
	e.gen++
	switch e.state {
	case StateReady, StateStale:
		e.state = StateStale
	}
}

// MarkLoaded marks a library restored from disk. Its data is present but
// its embeddings are not, so it reports stale rather than idle.
func (m *Manager) MarkLoaded(libraryID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(libraryID)
	if e.state == StateIdle {
		e.state = StateStale
	}
}

// StartIndex begins an asynchronous build. At most one build per library
// may be active; a second request fails fast with AlreadyIndexing.
func (m *Manager) StartIndex(libraryID uuid.UUID, kind index.Kind, leafSize int) (Status, error) {
	if !m.store.HasLibrary(libraryID) {
		return Status{}, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	m.mu.Lock()
	e := m.entryLocked(libraryID)
	if e.state == StateBuilding {
		m.mu.Unlock()
		return Status{}, apperr.New(apperr.KindAlreadyIndexing, "library %s is already being indexed", libraryID)
	}
	e.state = StateBuilding
	e.lastErr = ""
	gen := e.gen
	status := statusOf(e)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runBuild(libraryID, kind, leafSize, gen)
	}()
	return status, nil
}

// Wait blocks until all in-flight builds finish. Used on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// runBuild executes one build: snapshot, embed missing chunks, re-validate,
// construct, install. No store lock is held across the embedding call.
func (m *Manager) runBuild(libraryID uuid.UUID, kind index.Kind, leafSize int, gen uint64) {
	ctx := context.Background()
	logger := m.logger.With(zap.String("library_id", libraryID.String()), zap.String("indexer", string(kind)))

	refs, err := m.store.ChunkRefs(libraryID)
	if err != nil {
		m.finishSuperseded(libraryID, logger)
		return
	}

	var missingIdx []int
	var missingTexts []string
	for i, ref := range refs {
		if ref.Embedding == nil {
			missingIdx = append(missingIdx, i)
			missingTexts = append(missingTexts, ref.Text)
		}
	}
	if len(missingTexts) > 0 {
		vectors, err := m.embedder.EmbedBatch(ctx, missingTexts, embedding.RoleDocument)
		if err != nil {
			m.finishFailed(libraryID, gen, err, logger)
			return
		}
		for i, idx := range missingIdx {
			unit, err := vector.Normalize(vectors[i])
			if err != nil {
				m.finishFailed(libraryID, gen, err, logger)
				return
			}
			refs[idx].Embedding = unit
			// Fill writes are index-internal and emit no stale signal.
			// A chunk deleted mid-build is caught by re-validation.
			if err := m.store.SetChunkEmbedding(refs[idx].ID, unit); err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
				m.finishFailed(libraryID, gen, err, logger)
				return
			}
		}
	}

	if m.superseded(libraryID, gen) || m.snapshotMoved(libraryID, refs) {
		m.finishSuperseded(libraryID, logger)
		return
	}

	points := make([]index.Point, len(refs))
	for i, ref := range refs {
		points[i] = index.Point{ID: ref.ID, Vector: ref.Embedding}
	}
	idx, err := index.New(kind, index.Options{LeafSize: leafSize})
	if err != nil {
		m.finishFailed(libraryID, gen, err, logger)
		return
	}
	started := time.Now()
	if err := idx.Build(points); err != nil {
		m.finishFailed(libraryID, gen, err, logger)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.store.HasLibrary(libraryID) {
		delete(m.libs, libraryID)
		return
	}
	e := m.entryLocked(libraryID)
	if e.gen != gen {
		e.state = StateStale
		logger.Info("index build superseded by concurrent mutation")
		return
	}
	e.installed.Store(&indexSlot{indexer: idx})
	e.state = StateReady
	e.lastIndexed = time.Now()
	e.lastErr = ""
	logger.Info("index build complete",
		zap.Int("vectors", len(points)),
		zap.Duration("build_time", time.Since(started)))
}

// superseded reports whether the library mutated since the build started.
func (m *Manager) superseded(libraryID uuid.UUID, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.libs[libraryID]
	return !ok || e.gen != gen
}

// snapshotMoved re-reads the library and reports whether any snapshotted
// chunk vanished or changed text.
func (m *Manager) snapshotMoved(libraryID uuid.UUID, refs []store.ChunkRef) bool {
	fresh, err := m.store.ChunkRefs(libraryID)
	if err != nil {
		return true
	}
	if len(fresh) != len(refs) {
		return true
	}
	texts := make(map[uuid.UUID]string, len(fresh))
	for _, ref := range fresh {
		texts[ref.ID] = ref.Text
	}
	for _, ref := range refs {
		text, ok := texts[ref.ID]
		if !ok || text != ref.Text {
			return true
		}
	}
	return false
}

func (m *Manager) finishSuperseded(libraryID uuid.UUID, logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.store.HasLibrary(libraryID) {
		delete(m.libs, libraryID)
		logger.Info("index build discarded, library deleted")
		return
	}
	e := m.entryLocked(libraryID)
	e.state = StateStale
	logger.Info("index build superseded by concurrent mutation")
}

func (m *Manager) finishFailed(libraryID uuid.UUID, gen uint64, err error, logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.store.HasLibrary(libraryID) {
		delete(m.libs, libraryID)
		return
	}
	e := m.entryLocked(libraryID)
	if e.gen != gen {
		e.state = StateStale
		logger.Info("index build superseded by concurrent mutation")
		return
	}
	e.state = StateFailed
	e.lastErr = err.Error()
	logger.Error("index build failed", zap.Error(err))
}

// Status returns the library's published index status.
func (m *Manager) Status(libraryID uuid.UUID) (Status, error) {
	if !m.store.HasLibrary(libraryID) {
		return Status{}, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return statusOf(m.entryLocked(libraryID)), nil
}

func statusOf(e *libraryIndex) Status {
	s := Status{
		State:              e.state,
		Indexed:            e.state == StateReady,
		IndexingInProgress: e.state == StateBuilding,
	}
	if slot := e.installed.Load(); slot != nil {
		kind := slot.indexer.Kind()
		s.IndexerType = &kind
	}
	if !e.lastIndexed.IsZero() {
		ms := e.lastIndexed.UnixMilli()
		s.LastIndexed = &ms
	}
	if e.lastErr != "" {
		msg := e.lastErr
		s.Error = &msg
	}
	return s
}

// Search embeds the query and runs it against the library's installed
// index. The library must be ready and the index must still cover every
// current chunk.
func (m *Manager) Search(ctx context.Context, libraryID uuid.UUID, queryText string, topK int) ([]SearchResult, error) {
	if !m.store.HasLibrary(libraryID) {
		return nil, apperr.New(apperr.KindNotFound, "library %s not found", libraryID)
	}
	m.mu.Lock()
	e := m.entryLocked(libraryID)
	state := e.state
	slot := e.installed.Load()
	m.mu.Unlock()

	switch {
	case state == StateBuilding:
		return nil, apperr.New(apperr.KindAlreadyIndexing, "library %s index build is in progress", libraryID)
	case state != StateReady || slot == nil:
		return nil, apperr.New(apperr.KindNotIndexed, "library %s is not indexed", libraryID)
	}
	count, err := m.store.CountChunks(libraryID)
	if err != nil {
		return nil, err
	}
	if slot.indexer.Stats().VectorCount != count {
		return nil, apperr.New(apperr.KindNotIndexed, "library %s index no longer matches its chunks", libraryID)
	}

	vectors, err := m.embedder.EmbedBatch(ctx, []string{queryText}, embedding.RoleQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apperr.New(apperr.KindEmbeddingProtocol, "expected 1 query embedding, got %d", len(vectors))
	}
	hits, err := slot.indexer.Search(vectors[0], topK)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		chunk, err := m.store.GetChunk(hit.ChunkID)
		if err != nil {
			// Deleted between gate and join; the library is stale by now.
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Score:      hit.Score,
			Text:       chunk.Text,
			Metadata:   chunk.Metadata,
		})
	}
	return results, nil
}
