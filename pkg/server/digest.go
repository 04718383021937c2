package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Vortrix5/echogarden/pkg/storage"
)

// digestWindows maps the window query parameter to a lookback duration.
var digestWindows = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

type entityCount struct {
	NodeID string `json:"node_id"`
	Count  int    `json:"count"`
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := q.Get("window")
	if window == "" {
		window = "24h"
	}
	lookback, ok := digestWindows[window]
	if !ok {
		writeError(w, KindInvalidInput, "window must be one of 24h, 7d, 30d")
		return
	}
	limit := queryInt(q.Get("limit"), 20)
	since := time.Now().Add(-lookback)

	cards, err := s.deps.Store.ListCards(r.Context(), storage.CardFilter{TimeMin: since}, limit, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}

	activity, err := s.deps.Store.RecentEntityActivity(r.Context(), since, 1, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window":       window,
		"cards":        cards,
		"top_entities": sortedEntities(activity),
		"reminders":    harvestActions(cards),
		"clusters":     clusterByType(cards),
	})
}

func (s *Server) handleFeedToday(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)

	cards, err := s.deps.Store.ListCards(r.Context(), storage.CardFilter{TimeMin: since}, 20, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	activity, err := s.deps.Store.RecentEntityActivity(r.Context(), time.Now().Add(-7*24*time.Hour), 2, 10)
	if err != nil {
		writeFailure(w, err)
		return
	}

	counts := clusterByType(cards)
	summary := fmt.Sprintf("%d memories captured in the last 24 hours", len(cards))
	if len(counts) > 0 {
		summary += fmt.Sprintf(" across %d kinds", len(counts))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":             time.Now().Format("2006-01-02"),
		"reminders":        harvestActions(cards),
		"recent_memories":  cards,
		"emerging_topics":  sortedEntities(activity),
		"activity_summary": summary,
	})
}

// harvestActions collects extractor action items recorded in card
// metadata.
func harvestActions(cards []*storage.MemoryCard) []string {
	actions := []string{}
	seen := map[string]bool{}
	for _, card := range cards {
		raw, ok := card.Metadata["actions"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			a, ok := item.(string)
			if !ok || a == "" || seen[a] {
				continue
			}
			seen[a] = true
			actions = append(actions, a)
		}
	}
	return actions
}

func clusterByType(cards []*storage.MemoryCard) map[string]int {
	counts := map[string]int{}
	for _, card := range cards {
		counts[card.Type]++
	}
	return counts
}

func sortedEntities(activity map[string]int) []entityCount {
	out := make([]entityCount, 0, len(activity))
	for id, n := range activity {
		out = append(out, entityCount{NodeID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
