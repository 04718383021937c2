// Package graph manages the knowledge graph: entity canonicalization,
// node/edge upserts, neighborhood expansion, and label search.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

const (
	// EdgeMentions links a memory card to an entity it mentions.
	EdgeMentions = "MENTIONS"
	// EdgeRelatedTo links two entities that co-occur.
	EdgeRelatedTo = "RELATED_TO"

	maxHops         = 2
	defaultMaxNodes = 200
	defaultMaxEdges = 500

	// score multiplier applied per hop during expansion
	hopDecay = 0.5
)

// Service exposes graph operations over the store.
type Service struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewService creates a graph service.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, logger: logger.GetLogger("graph")}
}

// EdgeID derives the deterministic edge identity from the endpoints, type,
// and validity window. The same assertion always maps to the same edge.
func EdgeID(from, edgeType, to string, validFrom time.Time, validTo *time.Time) string {
	vt := ""
	if validTo != nil {
		vt = fmt.Sprintf("%d", validTo.UnixMilli())
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s",
		from, edgeType, to, validFrom.UnixMilli(), vt)))
	return hex.EncodeToString(sum[:])[:32]
}

// Entity is one canonicalized mention to be linked into the graph.
type Entity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// LinkResult reports what an entity-linking upsert touched.
type LinkResult struct {
	NodesUpserted int      `json:"nodes_upserted"`
	EdgesUpserted int      `json:"edges_upserted"`
	EntityIDs     []string `json:"entity_ids"`
}

// LinkEntities upserts the memory node, one node per entity, and a
// MENTIONS edge from the memory to each entity. Edge weight carries the
// extraction confidence; provenance records the originating memory.
func (s *Service) LinkEntities(ctx context.Context, memoryID, summary string, sourceTime time.Time, entities []Entity) (*LinkResult, error) {
	memNode := MemoryNodeID(memoryID)
	nodes := []*storage.GraphNode{{
		NodeID:   memNode,
		NodeType: TypeMemoryCard,
		Props:    map[string]any{"label": summary, "memory_id": memoryID},
	}}

	var edges []*storage.GraphEdge
	var entityIDs []string
	seen := map[string]bool{memNode: true}

	for _, ent := range entities {
		slug := Slug(ent.Name)
		if slug == "" {
			continue
		}
		nodeID := "ent:" + slug
		if !seen[nodeID] {
			seen[nodeID] = true
			nodes = append(nodes, &storage.GraphNode{
				NodeID:   nodeID,
				NodeType: CanonicalType(ent.Type),
				Props:    map[string]any{"label": ent.Name},
			})
			entityIDs = append(entityIDs, nodeID)
		}
		validFrom := sourceTime
		if validFrom.IsZero() {
			validFrom = time.Now()
		}
		edges = append(edges, &storage.GraphEdge{
			EdgeID:     EdgeID(memNode, EdgeMentions, nodeID, validFrom, nil),
			From:       memNode,
			To:         nodeID,
			EdgeType:   EdgeMentions,
			Weight:     ent.Confidence,
			ValidFrom:  validFrom,
			Provenance: map[string]any{"memory_id": memoryID},
		})
	}

	nodeCount, err := s.store.UpsertGraphNodes(ctx, nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert graph nodes: %w", err)
	}
	edgeCount, err := s.store.UpsertGraphEdges(ctx, edges)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert graph edges: %w", err)
	}

	s.logger.Debug("Linked entities", "memory_id", memoryID, "nodes", nodeCount, "edges", edgeCount)
	return &LinkResult{NodesUpserted: nodeCount, EdgesUpserted: edgeCount, EntityIDs: entityIDs}, nil
}

// UpsertNodes upserts arbitrary nodes.
func (s *Service) UpsertNodes(ctx context.Context, nodes []*storage.GraphNode) (int, error) {
	return s.store.UpsertGraphNodes(ctx, nodes)
}

// UpsertEdges upserts edges, deriving each edge id when unset.
func (s *Service) UpsertEdges(ctx context.Context, edges []*storage.GraphEdge) (int, error) {
	for _, e := range edges {
		if e.ValidFrom.IsZero() {
			e.ValidFrom = time.Now()
		}
		if e.EdgeID == "" {
			e.EdgeID = EdgeID(e.From, e.EdgeType, e.To, e.ValidFrom, e.ValidTo)
		}
	}
	return s.store.UpsertGraphEdges(ctx, edges)
}

// ExpandRequest parameterizes a neighborhood expansion.
type ExpandRequest struct {
	Seeds     []string
	Hops      int
	Direction string // in | out | both
	EdgeTypes []string
	TimeMin   time.Time
	TimeMax   time.Time
	MaxNodes  int
	MaxEdges  int
}

// Subgraph is the result of an expansion. Scores carry per-node relevance
// relative to the seeds: 1.0 at the seeds, decaying with each hop by edge
// weight and distance.
type Subgraph struct {
	Nodes  []*storage.GraphNode `json:"nodes"`
	Edges  []*storage.GraphEdge `json:"edges"`
	Scores map[string]float64   `json:"scores"`
}

// Expand walks outward from the seed nodes breadth-first, honoring hop,
// node, and edge caps. A node reached by several paths keeps its best
// score.
func (s *Service) Expand(ctx context.Context, req ExpandRequest) (*Subgraph, error) {
	if len(req.Seeds) == 0 {
		return &Subgraph{Scores: map[string]float64{}}, nil
	}
	hops := req.Hops
	if hops <= 0 {
		hops = 1
	}
	if hops > maxHops {
		hops = maxHops
	}
	maxNodes := req.MaxNodes
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	maxEdges := req.MaxEdges
	if maxEdges <= 0 {
		maxEdges = defaultMaxEdges
	}

	scores := map[string]float64{}
	frontier := make([]string, 0, len(req.Seeds))
	for _, seed := range req.Seeds {
		if _, ok := scores[seed]; !ok {
			scores[seed] = 1.0
			frontier = append(frontier, seed)
		}
	}

	var collected []*storage.GraphEdge
	seenEdges := map[string]bool{}

	for hop := 0; hop < hops && len(frontier) > 0 && len(collected) < maxEdges && len(scores) < maxNodes; hop++ {
		edges, err := s.store.FetchEdges(ctx, frontier, storage.EdgeFilter{
			Direction: req.Direction,
			EdgeTypes: req.EdgeTypes,
			TimeMin:   req.TimeMin,
			TimeMax:   req.TimeMax,
			Limit:     maxEdges - len(collected),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to expand hop %d: %w", hop+1, err)
		}

		next := map[string]bool{}
		for _, e := range edges {
			if seenEdges[e.EdgeID] {
				continue
			}
			if len(collected) >= maxEdges {
				break
			}
			seenEdges[e.EdgeID] = true
			collected = append(collected, e)

			for _, pair := range [][2]string{{e.From, e.To}, {e.To, e.From}} {
				src, dst := pair[0], pair[1]
				base, ok := scores[src]
				if !ok {
					continue
				}
				score := base * e.Weight * hopDecay
				if prev, ok := scores[dst]; !ok || score > prev {
					if !ok && len(scores) >= maxNodes {
						continue
					}
					scores[dst] = score
					next[dst] = true
				}
			}
		}

		frontier = frontier[:0]
		for id := range next {
			frontier = append(frontier, id)
		}
		sort.Strings(frontier)
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes, err := s.store.GetGraphNodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load expanded nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool {
		si, sj := scores[nodes[i].NodeID], scores[nodes[j].NodeID]
		if si != sj {
			return si > sj
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})

	return &Subgraph{Nodes: nodes, Edges: collected, Scores: scores}, nil
}

// Neighbors returns the one-hop neighborhood of a node.
func (s *Service) Neighbors(ctx context.Context, nodeID string, f storage.EdgeFilter) (*Subgraph, error) {
	if _, err := s.store.GetGraphNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.Expand(ctx, ExpandRequest{
		Seeds:     []string{nodeID},
		Hops:      1,
		Direction: f.Direction,
		EdgeTypes: f.EdgeTypes,
		TimeMin:   f.TimeMin,
		TimeMax:   f.TimeMax,
		MaxEdges:  f.Limit,
	})
}

// Search finds nodes by label substring.
func (s *Service) Search(ctx context.Context, query, nodeType string, limit int) ([]*storage.GraphNode, error) {
	return s.store.SearchGraphNodes(ctx, query, nodeType, limit)
}

// Node fetches a single node.
func (s *Service) Node(ctx context.Context, nodeID string) (*storage.GraphNode, error) {
	return s.store.GetGraphNode(ctx, nodeID)
}

// Stats returns node and edge counts.
func (s *Service) Stats(ctx context.Context) (nodes, edges int, err error) {
	return s.store.CountGraph(ctx)
}
