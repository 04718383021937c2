// Package retriever fuses full-text, semantic, graph, and recency signals
// into one ranked result list.
package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vortrix5/echogarden/pkg/config"
	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

const (
	// recency half-life parameter, in days
	recencyTauDays = 14.0

	// per-signal candidate pool sizes before fusion
	ftsPoolSize     = 50
	vectorPoolSize  = 50
	recencyPoolSize = 50
	graphSeedLimit  = 5

	boostBrowserHighlight = 0.05
	boostDocument         = 0.03
)

var errNoVector = errors.New("no vector provider configured")

// Signal names used in result reasons.
const (
	SignalFTS      = "fts"
	SignalSemantic = "semantic"
	SignalGraph    = "graph"
	SignalRecency  = "recency"
	SignalBoost    = "source_boost"
)

// Request is one retrieval query. UseGraph nil means the graph signal
// runs; GraphHops beyond 1 widens the entity walk.
type Request struct {
	Query      string    `json:"query"`
	TopK       int       `json:"top_k,omitempty"`
	SourceType string    `json:"source_type,omitempty"`
	CardType   string    `json:"card_type,omitempty"`
	TimeMin    time.Time `json:"time_min,omitempty"`
	TimeMax    time.Time `json:"time_max,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	UseGraph   *bool     `json:"use_graph,omitempty"`
	GraphHops  int       `json:"hops,omitempty"`
}

// Hit is one fused result.
type Hit struct {
	MemoryID   string             `json:"memory_id"`
	Score      float64            `json:"score"`
	Title      string             `json:"title,omitempty"`
	Summary    string             `json:"summary"`
	Snippet    string             `json:"snippet,omitempty"`
	CardType   string             `json:"card_type"`
	SourceType string             `json:"source_type,omitempty"`
	SourceTime time.Time          `json:"source_time"`
	Reasons    []string           `json:"reasons"`
	Signals    map[string]float64 `json:"signals,omitempty"`
}

// Response carries the ranked hits plus degradation state.
type Response struct {
	Hits     []*Hit `json:"hits"`
	Degraded bool   `json:"degraded"`
}

// Retriever runs hybrid retrieval over the store, vector index, and graph.
type Retriever struct {
	store    *storage.Store
	provider vector.Provider
	embedder embedders.Embedder
	graph    *graph.Service
	cfg      config.RetrievalConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a retriever. provider and embedder may be nil; retrieval then
// runs without the semantic signal and reports itself degraded.
func New(store *storage.Store, provider vector.Provider, embedder embedders.Embedder, graphSvc *graph.Service, cfg config.RetrievalConfig, metrics *observability.Metrics) *Retriever {
	return &Retriever{
		store:    store,
		provider: provider,
		embedder: embedder,
		graph:    graphSvc,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.GetLogger("retriever"),
	}
}

// Retrieve runs all signal channels in parallel, fuses them, and returns
// the top-k hits. The query is logged to search history.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if topK <= 0 {
		topK = 8
	}

	var (
		ftsScores      map[string]float64
		semanticScores map[string]float64
		graphScores    map[string]float64
		recencyScores  map[string]float64
		degraded       bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ftsScores, err = r.ftsSignal(gctx, req.Query)
		return err
	})
	g.Go(func() error {
		var err error
		semanticScores, err = r.semanticSignal(gctx, req.Query)
		if err != nil {
			// Vector search is best-effort; fall back to the other signals.
			r.logger.Warn("Semantic signal unavailable, degrading to FTS fusion", "error", err)
			semanticScores = nil
			degraded = true
		}
		return nil
	})
	g.Go(func() error {
		if req.UseGraph != nil && !*req.UseGraph {
			return nil
		}
		var err error
		graphScores, err = r.graphSignal(gctx, req.Query, req.GraphHops)
		return err
	})
	g.Go(func() error {
		var err error
		recencyScores, err = r.recencySignal(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	normalize(ftsScores)
	normalize(semanticScores)
	normalize(graphScores)
	normalize(recencyScores)

	w := r.cfg.FusionWeights
	candidates := map[string]map[string]float64{}
	add := func(signal string, scores map[string]float64) {
		for id, s := range scores {
			if s <= 0 {
				continue
			}
			if candidates[id] == nil {
				candidates[id] = map[string]float64{}
			}
			candidates[id][signal] = s
		}
	}
	add(SignalFTS, ftsScores)
	add(SignalSemantic, semanticScores)
	add(SignalGraph, graphScores)
	add(SignalRecency, recencyScores)

	var hits []*Hit
	for memoryID, signals := range candidates {
		card, err := r.store.GetCard(ctx, memoryID)
		if err != nil {
			// A vector point may outlive its card; skip dangling references.
			continue
		}
		if !matchesFilters(card, req) {
			continue
		}

		score := w.FTS*signals[SignalFTS] +
			w.Semantic*signals[SignalSemantic] +
			w.Graph*signals[SignalGraph] +
			w.Recency*signals[SignalRecency]

		sourceType, _ := card.Metadata["source_type"].(string)
		title, _ := card.Metadata["title"].(string)
		boost := sourceBoost(card.Type, sourceType)

		reasons := make([]string, 0, 5)
		for _, sig := range []string{SignalFTS, SignalSemantic, SignalGraph, SignalRecency} {
			if signals[sig] > 0 {
				reasons = append(reasons, sig)
			}
		}
		if boost > 0 {
			score += boost
			signals[SignalBoost] = boost
			reasons = append(reasons, SignalBoost)
		}
		if score < r.cfg.MinScore {
			continue
		}

		hits = append(hits, &Hit{
			MemoryID:   memoryID,
			Score:      score,
			Title:      title,
			Summary:    card.Summary,
			Snippet:    snippet(card.ContentText, 240),
			CardType:   card.Type,
			SourceType: sourceType,
			SourceTime: card.SourceTime,
			Reasons:    reasons,
			Signals:    signals,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MemoryID < hits[j].MemoryID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	r.logQuery(ctx, req, len(hits))
	r.metrics.RecordRetrieval(ctx, degraded, time.Since(start))
	r.logger.Debug("Retrieval complete",
		"query", req.Query, "hits", len(hits), "degraded", degraded, "elapsed", time.Since(start))

	return &Response{Hits: hits, Degraded: degraded}, nil
}

func (r *Retriever) ftsSignal(ctx context.Context, query string) (map[string]float64, error) {
	hits, err := r.store.SearchCardsFTS(ctx, query, ftsPoolSize)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		out[h.MemoryID] = h.Score
	}
	return out, nil
}

func (r *Retriever) semanticSignal(ctx context.Context, query string) (map[string]float64, error) {
	if r.provider == nil || r.embedder == nil {
		return nil, errNoVector
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.provider.Search(ctx, vector.CollectionText, vec, vectorPoolSize)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(results))
	for _, res := range results {
		memoryID, _ := res.Metadata["memory_id"].(string)
		if memoryID == "" {
			memoryID = res.ID
		}
		if res.Score > out[memoryID] {
			out[memoryID] = res.Score
		}
	}
	return out, nil
}

// graphSignal resolves query terms to entity nodes, walks the requested
// hop count (default 1), and scores attached memory cards. At one hop a
// card scores by its average edge weight to the matched entities; wider
// walks use the expansion's decayed node scores.
func (r *Retriever) graphSignal(ctx context.Context, query string, hops int) (map[string]float64, error) {
	seen := map[string]bool{}
	var seeds []string
	for _, term := range append([]string{query}, strings.Fields(query)...) {
		if len(term) < 3 {
			continue
		}
		nodes, err := r.graph.Search(ctx, term, "", graphSeedLimit)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if strings.HasPrefix(n.NodeID, "ent:") && !seen[n.NodeID] {
				seen[n.NodeID] = true
				seeds = append(seeds, n.NodeID)
			}
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	sort.Strings(seeds)

	if hops > 1 {
		sub, err := r.graph.Expand(ctx, graph.ExpandRequest{Seeds: seeds, Hops: hops, Direction: "both"})
		if err != nil {
			return nil, err
		}
		out := map[string]float64{}
		for id, score := range sub.Scores {
			if !strings.HasPrefix(id, "mem:") {
				continue
			}
			mem := strings.TrimPrefix(id, "mem:")
			if score > out[mem] {
				out[mem] = score
			}
		}
		return out, nil
	}

	edges, err := r.store.FetchEdges(ctx, seeds, storage.EdgeFilter{Direction: "both"})
	if err != nil {
		return nil, err
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	for _, e := range edges {
		for _, end := range []string{e.From, e.To} {
			if strings.HasPrefix(end, "mem:") {
				id := strings.TrimPrefix(end, "mem:")
				sums[id] += e.Weight
				counts[id]++
			}
		}
	}
	out := make(map[string]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out, nil
}

func (r *Retriever) recencySignal(ctx context.Context) (map[string]float64, error) {
	cards, err := r.store.ListRecentCards(ctx, recencyPoolSize)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make(map[string]float64, len(cards))
	for _, c := range cards {
		ageDays := now.Sub(c.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		out[c.MemoryID] = math.Exp(-ageDays / recencyTauDays)
	}
	return out, nil
}

func (r *Retriever) logQuery(ctx context.Context, req Request, resultCount int) {
	filters := map[string]any{}
	if req.SourceType != "" {
		filters["source_type"] = req.SourceType
	}
	if req.CardType != "" {
		filters["card_type"] = req.CardType
	}
	if !req.TimeMin.IsZero() {
		filters["time_min"] = req.TimeMin.UnixMilli()
	}
	if !req.TimeMax.IsZero() {
		filters["time_max"] = req.TimeMax.UnixMilli()
	}
	var filterJSON string
	if len(filters) > 0 {
		b, _ := json.Marshal(filters)
		filterJSON = string(b)
	}
	err := r.store.LogSearchQuery(ctx, &storage.SearchQuery{
		QueryText:   req.Query,
		Filters:     filterJSON,
		ResultCount: resultCount,
		TraceID:     req.TraceID,
	})
	if err != nil {
		r.logger.Warn("Failed to log search query", "error", err)
	}
}

func matchesFilters(card *storage.MemoryCard, req Request) bool {
	if req.CardType != "" && card.Type != req.CardType {
		return false
	}
	if req.SourceType != "" {
		st, _ := card.Metadata["source_type"].(string)
		if st != req.SourceType {
			return false
		}
	}
	if !req.TimeMin.IsZero() && card.SourceTime.Before(req.TimeMin) {
		return false
	}
	if !req.TimeMax.IsZero() && card.SourceTime.After(req.TimeMax) {
		return false
	}
	return true
}

func sourceBoost(cardType, sourceType string) float64 {
	if cardType == "browser_highlight" || sourceType == "browser_highlight" {
		return boostBrowserHighlight
	}
	if cardType == "document" || sourceType == "document" {
		return boostDocument
	}
	return 0
}

// normalize rescales scores to [0,1] by min-max within the set. A single
// candidate maps to 1.0.
func normalize(scores map[string]float64) {
	if len(scores) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if hi == lo {
		for id := range scores {
			scores[id] = 1.0
		}
		return
	}
	for id, s := range scores {
		scores[id] = (s - lo) / (hi - lo)
	}
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
