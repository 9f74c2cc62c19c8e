package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/embedding"
	"github.com/hyperjump/tansaku/internal/lifecycle"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/store"
)

var catSynonyms = map[string]string{"feline": "cat", "kitten": "cat"}

// blockingEmbedder parks document-role embedding calls until released.
type blockingEmbedder struct {
	inner   embedding.Embedder
	entered chan struct{}
	release chan struct{}
}

func newBlockingEmbedder(inner embedding.Embedder) *blockingEmbedder {
	return &blockingEmbedder{inner: inner, entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingEmbedder) EmbedBatch(ctx context.Context, texts []string, role embedding.Role) ([][]float32, error) {
	if role == embedding.RoleDocument {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.inner.EmbedBatch(ctx, texts, role)
}

func (b *blockingEmbedder) Close() error { return nil }

type env struct {
	t   *testing.T
	ts  *httptest.Server
	st  *store.Store
	mgr *lifecycle.Manager
	dir string
}

func newEnv(t *testing.T, embedder embedding.Embedder) *env {
	return newEnvWithDir(t, embedder, t.TempDir())
}

func newEnvWithDir(t *testing.T, embedder embedding.Embedder, dir string) *env {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DataDir = dir

	logger := zap.NewNop()
	st := store.New()
	mgr := lifecycle.NewManager(st, embedder, logger)
	st.OnInvalidate(mgr.Invalidate)
	snaps, err := storage.NewJSONStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(st, mgr, snaps, cfg, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &env{t: t, ts: ts, st: st, mgr: mgr, dir: dir}
}

func (e *env) do(method, path string, body any, out any) *http.Response {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp
}

func (e *env) mustStatus(resp *http.Response, want int) {
	e.t.Helper()
	if resp.StatusCode != want {
		e.t.Fatalf("%s: status %d, want %d", resp.Request.URL.Path, resp.StatusCode, want)
	}
}

// createCatLibrary creates the three-chunk corpus from one request.
func (e *env) createCatLibrary() *libraryResponse {
	e.t.Helper()
	var lib libraryResponse
	resp := e.do(http.MethodPost, "/api/libraries", createLibraryRequest{
		Name: "cats-and-space",
		Documents: []documentPayload{{
			Name: "notes",
			Chunks: []chunkPayload{
				{Text: "the cat sat"},
				{Text: "astronomy telescope"},
				{Text: "kittens are small cats"},
			},
		}},
	}, &lib)
	e.mustStatus(resp, http.StatusCreated)
	return &lib
}

func (e *env) indexLibrary(libID uuid.UUID, indexerType string) {
	e.t.Helper()
	resp := e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/index", libID),
		indexRequest{IndexerType: indexerType}, nil)
	e.mustStatus(resp, http.StatusAccepted)
	e.mgr.Wait()
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	var body map[string]string
	resp := e.do(http.MethodGet, "/health", nil, &body)
	e.mustStatus(resp, http.StatusOK)
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
	if got := resp.Header.Get("X-API-Version"); got != APIVersion {
		t.Errorf("X-API-Version = %q", got)
	}
}

func TestLibraryCRUD(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()
	if len(lib.Documents) != 1 || len(lib.Documents[0].Chunks) != 3 {
		t.Fatalf("inline creation incomplete: %+v", lib)
	}

	var fetched libraryResponse
	resp := e.do(http.MethodGet, "/api/libraries/"+lib.ID.String(), nil, &fetched)
	e.mustStatus(resp, http.StatusOK)
	if fetched.Name != "cats-and-space" {
		t.Errorf("fetched name = %q", fetched.Name)
	}

	name := "renamed"
	var patched map[string]any
	resp = e.do(http.MethodPatch, "/api/libraries/"+lib.ID.String(),
		patchRequest{Name: &name, Metadata: map[string]string{"tier": "test"}}, &patched)
	e.mustStatus(resp, http.StatusOK)
	if patched["name"] != "renamed" {
		t.Errorf("patched name = %v", patched["name"])
	}

	var list []json.RawMessage
	resp = e.do(http.MethodGet, "/api/libraries", nil, &list)
	e.mustStatus(resp, http.StatusOK)
	if len(list) != 1 {
		t.Errorf("list has %d libraries", len(list))
	}

	resp = e.do(http.MethodDelete, "/api/libraries/"+lib.ID.String(), nil, nil)
	e.mustStatus(resp, http.StatusNoContent)
	resp = e.do(http.MethodGet, "/api/libraries/"+lib.ID.String(), nil, nil)
	e.mustStatus(resp, http.StatusNotFound)
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))

	resp := e.do(http.MethodPost, "/api/libraries", createLibraryRequest{}, nil)
	e.mustStatus(resp, http.StatusBadRequest)

	resp = e.do(http.MethodGet, "/api/libraries/not-a-uuid", nil, nil)
	e.mustStatus(resp, http.StatusBadRequest)

	var body errorBody
	resp = e.do(http.MethodPost, "/api/chunks",
		createChunkRequest{DocumentID: uuid.New(), Text: "orphan"}, &body)
	e.mustStatus(resp, http.StatusNotFound)
	if body.Error != "NotFound" {
		t.Errorf("error kind = %q", body.Error)
	}
}

func TestChunkBatchCreate(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()
	docID := lib.Documents[0].ID

	var created []json.RawMessage
	resp := e.do(http.MethodPost, "/api/chunks/batch", createChunkBatchRequest{Chunks: []createChunkRequest{
		{DocumentID: docID, Text: "more text"},
		{DocumentID: docID, Text: "even more"},
	}}, &created)
	e.mustStatus(resp, http.StatusCreated)
	if len(created) != 2 {
		t.Fatalf("created %d chunks", len(created))
	}

	var chunks []json.RawMessage
	resp = e.do(http.MethodGet, "/api/documents/"+docID.String()+"/chunks", nil, &chunks)
	e.mustStatus(resp, http.StatusOK)
	if len(chunks) != 5 {
		t.Errorf("document has %d chunks, want 5", len(chunks))
	}
}

// Index BALL_TREE, query "felines": the top hit must be one of the two cat
// chunks, never the telescope one.
func TestIndexAndSearchScenario(t *testing.T) {
	e := newEnv(t, embedding.NewMockWithSynonyms(32, catSynonyms))
	lib := e.createCatLibrary()
	e.indexLibrary(lib.ID, "BALL_TREE")

	var status lifecycle.Status
	resp := e.do(http.MethodGet, fmt.Sprintf("/api/libraries/%s/index/status", lib.ID), nil, &status)
	e.mustStatus(resp, http.StatusOK)
	if !status.Indexed {
		t.Fatalf("library not indexed: %+v", status)
	}

	topK := 1
	var results []lifecycle.SearchResult
	resp = e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "felines", TopK: &topK}, &results)
	e.mustStatus(resp, http.StatusOK)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Text != "the cat sat" && results[0].Text != "kittens are small cats" {
		t.Errorf("top hit for felines was %q", results[0].Text)
	}
}

func TestSearchDefaultsTopK(t *testing.T) {
	e := newEnv(t, embedding.NewMock(32))
	lib := e.createCatLibrary()
	e.indexLibrary(lib.ID, "brute_force")

	var results []lifecycle.SearchResult
	resp := e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "anything"}, &results)
	e.mustStatus(resp, http.StatusOK)
	// Default top_k is 5, larger than the corpus: every chunk comes back.
	if len(results) != 3 {
		t.Errorf("expected all 3 chunks, got %d", len(results))
	}
}

func TestSearchBeforeIndexing(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()

	var body errorBody
	resp := e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "q"}, &body)
	e.mustStatus(resp, http.StatusConflict)
	if body.Error != "NotIndexed" {
		t.Errorf("error kind = %q", body.Error)
	}
}

func TestDoubleIndexConflicts(t *testing.T) {
	blocking := newBlockingEmbedder(embedding.NewMock(16))
	e := newEnv(t, blocking)
	lib := e.createCatLibrary()

	resp := e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/index", lib.ID),
		indexRequest{IndexerType: "BALL_TREE"}, nil)
	e.mustStatus(resp, http.StatusAccepted)
	<-blocking.entered

	var body errorBody
	resp = e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/index", lib.ID),
		indexRequest{IndexerType: "BALL_TREE"}, &body)
	e.mustStatus(resp, http.StatusConflict)
	if body.Error != "AlreadyIndexing" {
		t.Errorf("error kind = %q", body.Error)
	}

	close(blocking.release)
	e.mgr.Wait()
}

func TestMutationInvalidatesThenReindex(t *testing.T) {
	e := newEnv(t, embedding.NewMock(32))
	lib := e.createCatLibrary()
	e.indexLibrary(lib.ID, "BALL_TREE")

	chunkID := lib.Documents[0].Chunks[0].ID
	resp := e.do(http.MethodDelete, "/api/chunks/"+chunkID.String(), nil, nil)
	e.mustStatus(resp, http.StatusNoContent)

	var body errorBody
	resp = e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "q"}, &body)
	e.mustStatus(resp, http.StatusConflict)
	if body.Error != "NotIndexed" {
		t.Errorf("error kind = %q", body.Error)
	}

	e.indexLibrary(lib.ID, "BALL_TREE")
	var results []lifecycle.SearchResult
	resp = e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "q"}, &results)
	e.mustStatus(resp, http.StatusOK)
	if len(results) != 2 {
		t.Errorf("expected the 2 remaining chunks, got %d", len(results))
	}
}

func TestUnknownIndexerType(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()
	resp := e.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/index", lib.ID),
		indexRequest{IndexerType: "HNSW"}, nil)
	e.mustStatus(resp, http.StatusBadRequest)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	first := newEnvWithDir(t, embedding.NewMock(32), dir)
	lib := first.createCatLibrary()
	first.indexLibrary(lib.ID, "BALL_TREE")

	// The snapshot exists on disk and carries no embeddings.
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 snapshot file, got %d", len(files))
	}
	data, err := os.ReadFile(dir + "/" + files[0].Name())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "embedding") {
		t.Error("snapshot leaked embeddings")
	}

	// A fresh process over the same data dir restores the tree, stale.
	second := newEnvWithDir(t, embedding.NewMock(32), dir)
	snaps, err := storage.NewJSONStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := snaps.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	for _, snap := range loaded {
		if err := second.st.Import(snap.Library, snap.Documents, snap.Chunks); err != nil {
			t.Fatal(err)
		}
		second.mgr.MarkLoaded(snap.Library.ID)
	}

	var status lifecycle.Status
	resp := second.do(http.MethodGet, fmt.Sprintf("/api/libraries/%s/index/status", lib.ID), nil, &status)
	second.mustStatus(resp, http.StatusOK)
	if status.State != lifecycle.StateStale {
		t.Errorf("restored library state = %s, want stale", status.State)
	}

	second.indexLibrary(lib.ID, "BRUTE_FORCE")
	var results []lifecycle.SearchResult
	resp = second.do(http.MethodPost, fmt.Sprintf("/api/libraries/%s/search", lib.ID),
		searchRequest{QueryText: "the cat sat"}, &results)
	second.mustStatus(resp, http.StatusOK)
	if len(results) != 3 {
		t.Errorf("expected 3 results after reload and re-index, got %d", len(results))
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()

	var body struct {
		Libraries   int               `json:"libraries"`
		Documents   int               `json:"documents"`
		Chunks      int               `json:"chunks"`
		IndexStates map[string]string `json:"index_states"`
	}
	resp := e.do(http.MethodGet, "/api/status", nil, &body)
	e.mustStatus(resp, http.StatusOK)
	if body.Libraries != 1 || body.Documents != 1 || body.Chunks != 3 {
		t.Errorf("counts = %+v", body)
	}
	if body.IndexStates[lib.ID.String()] != string(lifecycle.StateIdle) {
		t.Errorf("index state = %q", body.IndexStates[lib.ID.String()])
	}
}

func TestDocumentCRUD(t *testing.T) {
	e := newEnv(t, embedding.NewMock(16))
	lib := e.createCatLibrary()

	var doc documentResponse
	resp := e.do(http.MethodPost, "/api/documents", createDocumentRequest{
		LibraryID: lib.ID,
		Name:      "second",
		Chunks:    []chunkPayload{{Text: "fresh chunk"}},
	}, &doc)
	e.mustStatus(resp, http.StatusCreated)
	if len(doc.Chunks) != 1 {
		t.Fatalf("inline chunk missing: %+v", doc)
	}

	var docs []json.RawMessage
	resp = e.do(http.MethodGet, "/api/libraries/"+lib.ID.String()+"/documents", nil, &docs)
	e.mustStatus(resp, http.StatusOK)
	if len(docs) != 2 {
		t.Errorf("library has %d documents, want 2", len(docs))
	}

	resp = e.do(http.MethodDelete, "/api/documents/"+doc.ID.String(), nil, nil)
	e.mustStatus(resp, http.StatusNoContent)
	resp = e.do(http.MethodGet, "/api/chunks/"+doc.Chunks[0].ID.String(), nil, nil)
	e.mustStatus(resp, http.StatusNotFound)

	// The original document and its chunks are untouched.
	var chunks []json.RawMessage
	resp = e.do(http.MethodGet, "/api/documents/"+lib.Documents[0].ID.String()+"/chunks", nil, &chunks)
	e.mustStatus(resp, http.StatusOK)
	if len(chunks) != 3 {
		t.Errorf("sibling document lost chunks: %d", len(chunks))
	}
}
