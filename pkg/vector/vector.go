// Package vector abstracts the dense vector index behind a small provider
// interface. Embeddings are computed externally; providers store and search
// pre-computed vectors only.
package vector

import "context"

// Collections used by the ingestion pipelines.
const (
	CollectionText   = "memory_text"
	CollectionVision = "memory_vision"
)

// Result is one similarity hit.
type Result struct {
	ID       string
	Score    float64 // cosine similarity in [0,1]
	Content  string
	Metadata map[string]any
}

// Provider is a vector index backend.
type Provider interface {
	Name() string

	// Upsert adds or replaces a point. Idempotent by id.
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar points.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// Delete removes a point by id.
	Delete(ctx context.Context, collection, id string) error

	// Ping reports index liveness.
	Ping(ctx context.Context) error

	Close() error
}
