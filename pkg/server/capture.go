package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Vortrix5/echogarden/pkg/orchestrator"
)

func (s *Server) handleExecTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	trace, err := s.deps.Store.GetTrace(r.Context(), traceID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	nodes, err := s.deps.Store.ListExecNodes(r.Context(), traceID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	edges, err := s.deps.Store.ListExecEdges(r.Context(), traceID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	calls, err := s.deps.Store.ListToolCalls(r.Context(), traceID, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace":      trace,
		"nodes":      nodes,
		"edges":      edges,
		"tool_calls": calls,
	})
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	calls, err := s.deps.Store.ListToolCalls(r.Context(), q.Get("trace_id"), queryInt(q.Get("limit"), 50))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_calls": calls})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	jobCounts, err := s.deps.Store.CountJobsByStatus(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	files, err := s.deps.Store.CountFileStates(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	cards, err := s.deps.Store.CountCards(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roots":           []string{s.deps.WatchRoot},
		"poll_interval_s": int(s.deps.PollInterval.Seconds()),
		"files_tracked":   files,
		"jobs":            jobCounts,
		"cards":           cards,
	})
}

func (s *Server) handleCaptureJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := s.deps.Store.ListJobs(r.Context(), q.Get("status"), queryInt(q.Get("limit"), 50))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// requireCaptureKey guards the browser-capture surface with a shared
// key. Comparison is constant time.
func (s *Server) requireCaptureKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.CaptureKey == "" {
			writeError(w, KindDependencyUnavailable, "capture API key is not configured")
			return
		}
		key := r.Header.Get("X-EG-KEY")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.CaptureKey)) != 1 {
			writeError(w, KindUnauthorized, "missing or invalid X-EG-KEY")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// captureKinds maps URL path segments to capture kinds.
var captureKinds = map[string]string{
	"highlight":        orchestrator.CaptureHighlight,
	"bookmark":         orchestrator.CaptureBookmark,
	"research_session": orchestrator.CaptureResearchSession,
	"visit":            orchestrator.CaptureVisit,
	"import_history":   orchestrator.CaptureImportHistory,
}

func (s *Server) handleBrowserCapture(w http.ResponseWriter, r *http.Request) {
	kind, ok := captureKinds[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, KindNotFound, "unknown capture kind")
		return
	}

	var cap orchestrator.BrowserCapture
	if err := decodeJSON(r, &cap); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	cap.Kind = kind
	if cap.URL == "" && cap.Text == "" {
		writeError(w, KindInvalidInput, "capture requires a url or text")
		return
	}

	card, traceID, err := s.deps.Orch.CaptureBrowser(r.Context(), cap)
	if err != nil {
		writeFailure(w, err)
		return
	}
	resp := map[string]any{"memory_id": card.MemoryID}
	if traceID != "" {
		resp["trace_id"] = traceID
	}
	writeJSON(w, http.StatusOK, resp)
}
