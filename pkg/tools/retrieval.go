package tools

import (
	"context"
	"time"

	"github.com/Vortrix5/echogarden/pkg/retriever"
)

// RetrievalInput is a hybrid search request.
type RetrievalInput struct {
	Query      string `json:"query" jsonschema:"required"`
	TopK       int    `json:"top_k,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	CardType   string `json:"card_type,omitempty"`
	TimeMinMS  int64  `json:"time_min_ms,omitempty"`
	TimeMaxMS  int64  `json:"time_max_ms,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	UseGraph   *bool  `json:"use_graph,omitempty"`
	Hops       int    `json:"hops,omitempty"`
}

// RetrievalOutput carries the ranked hits.
type RetrievalOutput struct {
	Results  []*retriever.Hit `json:"results"`
	Degraded bool             `json:"degraded"`
}

// NewRetrievalTool exposes the hybrid retriever through the registry, so
// chat and direct dispatches share one recorded code path.
func NewRetrievalTool(r *retriever.Retriever) Tool {
	return NewTool("retrieval", "Hybrid search across full-text, semantic, graph, and recency signals",
		func(ctx context.Context, in RetrievalInput) (RetrievalOutput, error) {
			req := retriever.Request{
				Query:      in.Query,
				TopK:       in.TopK,
				SourceType: in.SourceType,
				CardType:   in.CardType,
				TraceID:    in.TraceID,
				UseGraph:   in.UseGraph,
				GraphHops:  in.Hops,
			}
			if in.TimeMinMS > 0 {
				req.TimeMin = time.UnixMilli(in.TimeMinMS)
			}
			if in.TimeMaxMS > 0 {
				req.TimeMax = time.UnixMilli(in.TimeMaxMS)
			}

			resp, err := r.Retrieve(ctx, req)
			if err != nil {
				return RetrievalOutput{}, NewToolError("retrieval", "retrieve", in.Query, err)
			}
			results := resp.Hits
			if results == nil {
				results = []*retriever.Hit{}
			}
			return RetrievalOutput{Results: results, Degraded: resp.Degraded}, nil
		})
}
