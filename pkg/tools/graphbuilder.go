package tools

import (
	"context"
	"time"

	"github.com/Vortrix5/echogarden/pkg/graph"
)

// GraphBuilderInput links one memory card to its extracted entities.
type GraphBuilderInput struct {
	MemoryID string `json:"memory_id" jsonschema:"required"`
	Summary  string `json:"summary,omitempty"`
	// SourceTimeMS stamps the edges' validity start; defaults to now.
	SourceTimeMS int64             `json:"source_time_ms,omitempty"`
	Entities     []GraphBuilderEnt `json:"entities"`
}

// GraphBuilderEnt mirrors the extractor's entity shape.
type GraphBuilderEnt struct {
	Canonical  string  `json:"canonical"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// GraphBuilderOutput reports what was written.
type GraphBuilderOutput struct {
	Nodes     int      `json:"nodes"`
	Edges     int      `json:"edges"`
	EntityIDs []string `json:"entity_ids"`
}

// NewGraphBuilderTool upserts the memory node, entity nodes, and
// MENTIONS edges for one card.
func NewGraphBuilderTool(svc *graph.Service) Tool {
	return NewTool("graph_builder", "Link a memory card and its entities into the knowledge graph",
		func(ctx context.Context, in GraphBuilderInput) (GraphBuilderOutput, error) {
			if in.MemoryID == "" {
				return GraphBuilderOutput{}, NewToolError("graph_builder", "validate", "memory_id is required", nil)
			}
			sourceTime := time.Now()
			if in.SourceTimeMS > 0 {
				sourceTime = time.UnixMilli(in.SourceTimeMS)
			}

			entities := make([]graph.Entity, 0, len(in.Entities))
			for _, e := range in.Entities {
				entities = append(entities, graph.Entity{
					Name:       e.Canonical,
					Type:       e.Type,
					Confidence: e.Confidence,
				})
			}

			res, err := svc.LinkEntities(ctx, in.MemoryID, in.Summary, sourceTime, entities)
			if err != nil {
				return GraphBuilderOutput{}, NewToolError("graph_builder", "link", in.MemoryID, err)
			}
			return GraphBuilderOutput{
				Nodes:     res.NodesUpserted,
				Edges:     res.EdgesUpserted,
				EntityIDs: res.EntityIDs,
			}, nil
		})
}
