package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

func (s *Server) handleGraphUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Nodes []*storage.GraphNode `json:"nodes"`
		Edges []*storage.GraphEdge `json:"edges"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	if len(body.Nodes) == 0 && len(body.Edges) == 0 {
		writeError(w, KindInvalidInput, "nothing to upsert")
		return
	}

	nodes, err := s.deps.Graph.UpsertNodes(r.Context(), body.Nodes)
	if err != nil {
		writeFailure(w, err)
		return
	}
	edges, err := s.deps.Graph.UpsertEdges(r.Context(), body.Edges)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes_upserted": nodes,
		"edges_upserted": edges,
	})
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID    string `json:"node_id"`
		Direction string `json:"direction,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	if body.NodeID == "" {
		writeError(w, KindInvalidInput, "node_id is required")
		return
	}

	sub, err := s.deps.Graph.Neighbors(r.Context(), body.NodeID, storage.EdgeFilter{
		Direction: body.Direction,
		Limit:     body.Limit,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGraphExpand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SeedNodeIDs []string   `json:"seed_node_ids"`
		Hops        int        `json:"hops,omitempty"`
		Direction   string     `json:"direction,omitempty"`
		EdgeTypes   []string   `json:"edge_types,omitempty"`
		TimeMin     *time.Time `json:"time_min,omitempty"`
		TimeMax     *time.Time `json:"time_max,omitempty"`
		MaxNodes    int        `json:"max_nodes,omitempty"`
		MaxEdges    int        `json:"max_edges,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	if len(body.SeedNodeIDs) == 0 {
		writeError(w, KindInvalidInput, "seed_node_ids is required")
		return
	}

	req := graph.ExpandRequest{
		Seeds:     body.SeedNodeIDs,
		Hops:      body.Hops,
		Direction: body.Direction,
		EdgeTypes: body.EdgeTypes,
		MaxNodes:  body.MaxNodes,
		MaxEdges:  body.MaxEdges,
	}
	if body.TimeMin != nil {
		req.TimeMin = *body.TimeMin
	}
	if body.TimeMax != nil {
		req.TimeMax = *body.TimeMax
	}

	sub, err := s.deps.Graph.Expand(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGraphSubgraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seed := q.Get("seed")
	if seed == "" {
		writeError(w, KindInvalidInput, "seed is required")
		return
	}
	sub, err := s.deps.Graph.Expand(r.Context(), graph.ExpandRequest{
		Seeds:    strings.Split(seed, ","),
		Hops:     queryInt(q.Get("hops"), 1),
		MaxNodes: queryInt(q.Get("limit"), 0),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGraphSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, KindInvalidInput, "query is required")
		return
	}
	nodes, err := s.deps.Graph.Search(r.Context(), query, q.Get("type"), queryInt(q.Get("limit"), 20))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleGraphNeighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeID := q.Get("node_id")
	if nodeID == "" {
		writeError(w, KindInvalidInput, "node_id is required")
		return
	}

	hops := queryInt(q.Get("hops"), 1)
	limit := queryInt(q.Get("limit"), 0)
	if hops <= 1 {
		sub, err := s.deps.Graph.Neighbors(r.Context(), nodeID, storage.EdgeFilter{Limit: limit})
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
		return
	}

	sub, err := s.deps.Graph.Expand(r.Context(), graph.ExpandRequest{
		Seeds:    []string{nodeID},
		Hops:     hops,
		MaxNodes: limit,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
