// Package embedding converts text to vectors via a remote provider.
package embedding

import "context"

// Role tells the provider how the text will be used; document and query
// embeddings are not interchangeable.
type Role string

const (
	RoleDocument Role = "search_document"
	RoleQuery    Role = "search_query"
)

// Embedder produces one vector per input text, in input order, with a
// uniform dimension per call. Implementations are stateless with respect
// to the store so they can be stubbed in tests.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error)
	Close() error
}
