package tools

import (
	"context"

	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

// TextEmbedInput is the text to embed plus optional point identity.
type TextEmbedInput struct {
	Text string `json:"text" jsonschema:"required"`
	// PointID names the vector point; a fresh id is generated when empty.
	PointID  string         `json:"point_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextEmbedOutput references the stored vector point.
type TextEmbedOutput struct {
	VectorRef string `json:"vector_ref"`
	Dims      int    `json:"dims"`
}

// NewTextEmbedTool embeds text and upserts the vector into the text
// collection. Upserts are idempotent by point id.
func NewTextEmbedTool(embedder embedders.Embedder, provider vector.Provider) Tool {
	return NewTool("text_embed", "Embed text into the semantic vector index",
		func(ctx context.Context, in TextEmbedInput) (TextEmbedOutput, error) {
			if provider == nil || embedder == nil {
				return TextEmbedOutput{}, NewToolError("text_embed", "provider", "no vector provider configured", nil)
			}
			vec, err := embedder.Embed(ctx, in.Text)
			if err != nil {
				return TextEmbedOutput{}, NewToolError("text_embed", "embed", "embedding failed", err)
			}

			pointID := in.PointID
			if pointID == "" {
				pointID = storage.NewID()
			}
			meta := map[string]any{"content": snippetForIndex(in.Text)}
			for k, v := range in.Metadata {
				meta[k] = v
			}
			if err := provider.Upsert(ctx, vector.CollectionText, pointID, vec, meta); err != nil {
				return TextEmbedOutput{}, NewToolError("text_embed", "upsert", pointID, err)
			}
			return TextEmbedOutput{
				VectorRef: vector.CollectionText + "/" + pointID,
				Dims:      len(vec),
			}, nil
		})
}

// snippetForIndex bounds the content copy stored alongside the vector.
func snippetForIndex(text string) string {
	const max = 512
	if len(text) <= max {
		return text
	}
	return text[:max]
}
