package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/index"
	"github.com/hyperjump/tansaku/internal/lifecycle"
	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/storage"
)

const defaultTopK = 5

type chunkPayload struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type documentPayload struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Chunks   []chunkPayload    `json:"chunks,omitempty"`
}

type createLibraryRequest struct {
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Documents []documentPayload `json:"documents,omitempty"`
}

type createDocumentRequest struct {
	LibraryID uuid.UUID         `json:"library_id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Chunks    []chunkPayload    `json:"chunks,omitempty"`
}

type createChunkRequest struct {
	DocumentID uuid.UUID         `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type createChunkBatchRequest struct {
	Chunks []createChunkRequest `json:"chunks"`
}

type patchRequest struct {
	Name     *string           `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type patchChunkRequest struct {
	Text     *string           `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type indexRequest struct {
	IndexerType string `json:"indexer_type"`
	LeafSize    *int   `json:"leaf_size,omitempty"`
}

type searchRequest struct {
	QueryText string `json:"query_text"`
	TopK      *int   `json:"top_k,omitempty"`
}

type documentResponse struct {
	*models.Document
	Chunks []*models.Chunk `json:"chunks,omitempty"`
}

type libraryResponse struct {
	*models.Library
	Documents []*documentResponse `json:"documents,omitempty"`
}

// --- libraries ---

func (s *Server) handleCreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req createLibraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	if req.Name == "" {
		s.respondError(w, apperr.New(apperr.KindValidation, "library name is required"))
		return
	}
	for _, doc := range req.Documents {
		if doc.Name == "" {
			s.respondError(w, apperr.New(apperr.KindValidation, "document name is required"))
			return
		}
		for _, chunk := range doc.Chunks {
			if chunk.Text == "" {
				s.respondError(w, apperr.New(apperr.KindValidation, "chunk text is required"))
				return
			}
		}
	}

	now := time.Now().UTC()
	lib := &models.Library{
		ID:        uuid.New(),
		Name:      req.Name,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateLibrary(lib); err != nil {
		s.respondError(w, err)
		return
	}
	for _, docReq := range req.Documents {
		if _, err := s.createDocumentWithChunks(lib.ID, docReq); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.persist(lib.ID)
	s.respondLibraryTree(w, http.StatusCreated, lib.ID)
}

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.store.ListLibraries())
}

func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondLibraryTree(w, http.StatusOK, id)
}

func (s *Server) handlePatchLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	lib, err := s.store.UpdateLibrary(id, req.Name, req.Metadata)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.persist(id)
	s.respondJSON(w, http.StatusOK, lib)
}

func (s *Server) handleDeleteLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.DeleteLibrary(id); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.snapshots.Delete(id); err != nil {
		s.logger.Warn("failed to delete library snapshot", zap.String("library_id", id.String()), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndexLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	kind, err := index.ParseKind(req.IndexerType)
	if err != nil {
		s.respondError(w, err)
		return
	}
	leafSize := s.config.Index.DefaultLeafSize
	if req.LeafSize != nil {
		if *req.LeafSize <= 0 {
			s.respondError(w, apperr.New(apperr.KindValidation, "leaf_size must be positive"))
			return
		}
		leafSize = *req.LeafSize
	}
	status, err := s.lifecycle.StartIndex(id, kind, leafSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	status, err := s.lifecycle.Status(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	if req.QueryText == "" {
		s.respondError(w, apperr.New(apperr.KindValidation, "query_text is required"))
		return
	}
	topK := defaultTopK
	if req.TopK != nil {
		if *req.TopK <= 0 {
			s.respondError(w, apperr.New(apperr.KindValidation, "top_k must be positive"))
			return
		}
		topK = *req.TopK
	}
	results, err := s.lifecycle.Search(r.Context(), id, req.QueryText, topK)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if results == nil {
		results = []lifecycle.SearchResult{}
	}
	s.respondJSON(w, http.StatusOK, results)
}

// --- documents ---

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	if req.LibraryID == uuid.Nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "library_id is required"))
		return
	}
	if req.Name == "" {
		s.respondError(w, apperr.New(apperr.KindValidation, "document name is required"))
		return
	}
	for _, chunk := range req.Chunks {
		if chunk.Text == "" {
			s.respondError(w, apperr.New(apperr.KindValidation, "chunk text is required"))
			return
		}
	}
	docID, err := s.createDocumentWithChunks(req.LibraryID, documentPayload{
		Name:     req.Name,
		Metadata: req.Metadata,
		Chunks:   req.Chunks,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.persist(req.LibraryID)
	doc, err := s.store.GetDocument(docID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunks, _ := s.store.ListChunks(docID)
	s.respondJSON(w, http.StatusCreated, &documentResponse{Document: doc, Chunks: chunks})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	doc, err := s.store.GetDocument(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunks, err := s.store.ListChunks(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, &documentResponse{Document: doc, Chunks: chunks})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	docs, err := s.store.ListDocuments(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, docs)
}

func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	doc, err := s.store.UpdateDocument(id, req.Name, req.Metadata)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.persist(doc.LibraryID)
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	doc, err := s.store.GetDocument(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.DeleteDocument(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.persist(doc.LibraryID)
	w.WriteHeader(http.StatusNoContent)
}

// --- chunks ---

func (s *Server) handleCreateChunk(w http.ResponseWriter, r *http.Request) {
	var req createChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	chunks, err := s.createChunks([]createChunkRequest{req})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, chunks[0])
}

func (s *Server) handleCreateChunkBatch(w http.ResponseWriter, r *http.Request) {
	var req createChunkBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	if len(req.Chunks) == 0 {
		s.respondError(w, apperr.New(apperr.KindValidation, "chunks must not be empty"))
		return
	}
	chunks, err := s.createChunks(req.Chunks)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, chunks)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunk, err := s.store.GetChunk(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, chunk)
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunks, err := s.store.ListChunks(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, chunks)
}

func (s *Server) handlePatchChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var req patchChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}
	if req.Text != nil && *req.Text == "" {
		s.respondError(w, apperr.New(apperr.KindValidation, "chunk text must not be empty"))
		return
	}
	chunk, err := s.store.UpdateChunk(id, req.Text, req.Metadata)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.persistChunkLibrary(chunk.DocumentID)
	s.respondJSON(w, http.StatusOK, chunk)
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chunk, err := s.store.GetChunk(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.store.DeleteChunk(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.persistChunkLibrary(chunk.DocumentID)
	w.WriteHeader(http.StatusNoContent)
}

// --- misc ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	libraries, documents, chunks := s.store.Counts()
	states := make(map[string]string)
	for _, lib := range s.store.ListLibraries() {
		status, err := s.lifecycle.Status(lib.ID)
		if err != nil {
			continue
		}
		states[lib.ID.String()] = string(status.State)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"libraries":    libraries,
		"documents":    documents,
		"chunks":       chunks,
		"index_states": states,
	})
}

// --- helpers ---

func (s *Server) createDocumentWithChunks(libraryID uuid.UUID, payload documentPayload) (uuid.UUID, error) {
	now := time.Now().UTC()
	doc := &models.Document{
		ID:        uuid.New(),
		LibraryID: libraryID,
		Name:      payload.Name,
		Metadata:  payload.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDocument(doc); err != nil {
		return uuid.Nil, err
	}
	if len(payload.Chunks) > 0 {
		chunks := make([]*models.Chunk, len(payload.Chunks))
		for i, c := range payload.Chunks {
			chunks[i] = &models.Chunk{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				Text:       c.Text,
				Metadata:   c.Metadata,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
		}
		if err := s.store.CreateChunks(chunks); err != nil {
			return uuid.Nil, err
		}
	}
	return doc.ID, nil
}

func (s *Server) createChunks(reqs []createChunkRequest) ([]*models.Chunk, error) {
	now := time.Now().UTC()
	chunks := make([]*models.Chunk, len(reqs))
	libraries := make(map[uuid.UUID]struct{})
	for i, req := range reqs {
		if req.DocumentID == uuid.Nil {
			return nil, apperr.New(apperr.KindValidation, "document_id is required")
		}
		if req.Text == "" {
			return nil, apperr.New(apperr.KindValidation, "chunk text is required")
		}
		doc, err := s.store.GetDocument(req.DocumentID)
		if err != nil {
			return nil, err
		}
		libraries[doc.LibraryID] = struct{}{}
		chunks[i] = &models.Chunk{
			ID:         uuid.New(),
			DocumentID: req.DocumentID,
			Text:       req.Text,
			Metadata:   req.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	if err := s.store.CreateChunks(chunks); err != nil {
		return nil, err
	}
	for libraryID := range libraries {
		s.persist(libraryID)
	}
	return chunks, nil
}

// persist saves the library snapshot best-effort; the in-memory store is
// the source of truth and failures are only logged.
func (s *Server) persist(libraryID uuid.UUID) {
	lib, docs, chunks, err := s.store.Tree(libraryID)
	if err != nil {
		return
	}
	snap := &storage.Snapshot{Library: lib, Documents: docs, Chunks: chunks}
	if err := s.snapshots.Save(snap); err != nil {
		s.logger.Warn("failed to persist library snapshot",
			zap.String("library_id", libraryID.String()), zap.Error(err))
	}
}

func (s *Server) persistChunkLibrary(documentID uuid.UUID) {
	doc, err := s.store.GetDocument(documentID)
	if err != nil {
		return
	}
	s.persist(doc.LibraryID)
}

func (s *Server) respondLibraryTree(w http.ResponseWriter, status int, libraryID uuid.UUID) {
	lib, err := s.store.GetLibrary(libraryID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	docs, err := s.store.ListDocuments(libraryID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := &libraryResponse{Library: lib}
	for _, doc := range docs {
		chunks, err := s.store.ListChunks(doc.ID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		resp.Documents = append(resp.Documents, &documentResponse{Document: doc, Chunks: chunks})
	}
	s.respondJSON(w, status, resp)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, "invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	status := statusForKind(kind)
	if status >= 500 {
		s.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("kind", string(kind)), zap.String("message", message))
	}
	s.respondJSON(w, status, map[string]string{"error": string(kind), "message": message})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation, apperr.KindDimMismatch, apperr.KindBadVector:
		return http.StatusBadRequest
	case apperr.KindNotIndexed, apperr.KindAlreadyIndexing, apperr.KindSuperseded, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindEmbeddingUnavailable, apperr.KindEmbeddingAuth, apperr.KindEmbeddingProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
