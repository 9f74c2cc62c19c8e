package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/tansaku/internal/apperr"
)

const (
	// DefaultCohereURL is the embed endpoint of the Cohere API.
	DefaultCohereURL = "https://api.cohere.ai/v1/embed"
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "embed-english-v3.0"
	// DefaultBatchSize is the largest text batch sent in one request.
	DefaultBatchSize = 96
	// DefaultConcurrency caps in-flight requests per EmbedBatch call.
	DefaultConcurrency = 4
)

// CohereConfig configures the Cohere client.
type CohereConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	BatchSize         int
	Concurrency       int
	Timeout           time.Duration
	RequestsPerSecond float64
	CacheSize         int
}

// Cohere embeds text through the Cohere REST API. Large inputs are split
// into provider-sized batches issued in parallel up to a concurrency cap
// and stitched back into input order. Transient faults are retried with
// exponential backoff; results are cached per (role, text).
type Cohere struct {
	cfg     CohereConfig
	client  *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
	logger  *zap.Logger

	// backoffBase is the first retry interval; tests shrink it.
	backoffBase time.Duration
}

// NewCohere creates a Cohere client. A missing API key is not an error
// here; embedding calls fail with EmbeddingAuth instead, so a server can
// start without credentials and serve everything but indexing.
func NewCohere(cfg CohereConfig, logger *zap.Logger) (*Cohere, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCohereURL
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Concurrency)
	}
	var cache *lru.Cache[string, []float32]
	if cfg.CacheSize > 0 {
		var err error
		cache, err = lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
	}
	return &Cohere{
		cfg:         cfg,
		client:      &http.Client{},
		limiter:     limiter,
		cache:       cache,
		logger:      logger,
		backoffBase: 250 * time.Millisecond,
	}, nil
}

// EmbedBatch embeds texts in input order. The returned vectors share one
// dimension; a provider response that mixes dimensions fails with
// EmbeddingProtocol.
func (c *Cohere) EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.cfg.APIKey == "" {
		return nil, apperr.New(apperr.KindEmbeddingAuth, "embedding provider credential is not configured")
	}

	out := make([][]float32, len(texts))
	var misses []int
	for i, text := range texts {
		if v, ok := c.cacheGet(role, text); ok {
			out[i] = v
		} else {
			misses = append(misses, i)
		}
	}
	if len(misses) == 0 {
		return out, c.checkUniform(out)
	}

	type job struct {
		indices []int
		texts   []string
	}
	var jobs []job
	for start := 0; start < len(misses); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(misses) {
			end = len(misses)
		}
		j := job{indices: misses[start:end]}
		for _, idx := range j.indices {
			j.texts = append(j.texts, texts[idx])
		}
		jobs = append(jobs, j)
	}

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			vectors, err := c.embedWithRetry(ctx, j.texts, role)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for i, idx := range j.indices {
				out[idx] = vectors[i]
			}
		}(j)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := c.checkUniform(out); err != nil {
		return nil, err
	}
	for _, idx := range misses {
		c.cacheSet(role, texts[idx], out[idx])
	}
	return out, nil
}

// Close releases client resources.
func (c *Cohere) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// embedWithRetry issues one provider request with exponential backoff on
// transient faults (base 250 ms, factor 2, up to 4 retries). Auth and
// protocol failures are permanent.
func (c *Cohere) embedWithRetry(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	var vectors [][]float32
	op := func() error {
		v, err := c.embedOnce(ctx, texts, role)
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindEmbeddingAuth, apperr.KindEmbeddingProtocol:
				return backoff.Permanent(err)
			}
			c.logger.Warn("embedding request failed, retrying", zap.Int("texts", len(texts)), zap.Error(err))
			return err
		}
		vectors = v
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindEmbeddingAuth, apperr.KindEmbeddingProtocol:
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, err, "embedding provider unavailable after retries")
	}
	return vectors, nil
}

type cohereRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	Truncate  string   `json:"truncate"`
	InputType string   `json:"input_type"`
}

type cohereResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Message    string      `json:"message"`
}

func (c *Cohere) embedOnce(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(cohereRequest{
		Texts:     texts,
		Model:     c.cfg.Model,
		Truncate:  "END",
		InputType: string(role),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.KindEmbeddingAuth, "embedding provider rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("embedding provider returned %d", resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.New(apperr.KindEmbeddingProtocol, "embedding provider returned %d: %s", resp.StatusCode, string(msg))
	}

	var parsed cohereResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingProtocol, err, "decode embed response")
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.KindEmbeddingProtocol,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(parsed.Embeddings))
	}
	vectors := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// checkUniform verifies all vectors share one dimension.
func (c *Cohere) checkUniform(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return apperr.New(apperr.KindEmbeddingProtocol,
				"non-uniform embedding dimensions: %d and %d", dim, len(v))
		}
	}
	return nil
}

func (c *Cohere) cacheGet(role Role, text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(string(role) + "\x00" + text)
}

func (c *Cohere) cacheSet(role Role, text string, v []float32) {
	if c.cache != nil {
		c.cache.Add(string(role)+"\x00"+text, v)
	}
}
