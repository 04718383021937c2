// Package embedders converts text into dense vectors. The ollama embedder
// talks to a local model; the stub embedder is deterministic and keeps the
// pipeline functional offline.
package embedders

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/Vortrix5/echogarden/pkg/llm"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Local embedding models choke on concurrent requests; one at a time.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder embeds via a local Ollama endpoint.
type OllamaEmbedder struct {
	client *llm.Client
}

// NewOllamaEmbedder wraps an llm.Client for embeddings.
func NewOllamaEmbedder(client *llm.Client) *OllamaEmbedder {
	return &OllamaEmbedder{client: client}
}

// Name returns the embedder name.
func (e *OllamaEmbedder) Name() string { return "ollama" }

// Embed returns the model's embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()
	return e.client.Embed(ctx, text)
}

// StubEmbedder produces a deterministic unit vector seeded by the content
// hash. Identical text always maps to an identical vector, so similarity
// search stays meaningful in tests: exact matches score 1.0.
type StubEmbedder struct {
	dims int
}

// NewStubEmbedder creates a stub embedder with the given dimensionality.
func NewStubEmbedder(dims int) *StubEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &StubEmbedder{dims: dims}
}

// Name returns the embedder name.
func (e *StubEmbedder) Name() string { return "stub" }

// Embed derives a unit vector from the SHA-256 of the text.
func (e *StubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	vec := make([]float32, e.dims)
	seed := sha256.Sum256([]byte(text))
	// Expand the hash into dims pseudo-random components.
	var norm float64
	buf := seed[:]
	for i := 0; i < e.dims; i++ {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.BigEndian.Uint32(buf[(i%8)*4 : (i%8)*4+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

var (
	_ Embedder = (*OllamaEmbedder)(nil)
	_ Embedder = (*StubEmbedder)(nil)
)
