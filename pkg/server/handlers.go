package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Vortrix5/echogarden/pkg/qa"
	"github.com/Vortrix5/echogarden/pkg/retriever"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := func(err error) string {
		if err != nil {
			return "error"
		}
		return "ok"
	}

	health := map[string]string{
		"db":           status(s.deps.Store.Ping(ctx)),
		"vector_index": status(s.deps.Vector.Ping(ctx)),
	}
	if s.deps.LLM == nil {
		health["llm"] = "stub"
	} else {
		health["llm"] = status(s.deps.LLM.Ping(ctx))
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Registry.List()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": names})
}

func (s *Server) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool, ok := s.deps.Registry.Get(name)
	if !ok {
		writeError(w, KindNotFound, "unknown tool "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          tool.Name(),
		"description":   tool.Description(),
		"input_schema":  tool.InputSchema(),
		"output_schema": tool.OutputSchema(),
	})
}

func (s *Server) handleToolRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}

	outputs, call, err := s.deps.Registry.Dispatch(r.Context(), name, body.Inputs, tools.DispatchOptions{})
	if err != nil {
		var toolErr *tools.ToolError
		switch {
		case call == nil && errors.As(err, &toolErr):
			// Dispatch never reached a tool.
			writeError(w, KindNotFound, err.Error())
		case call != nil && call.Status == tools.StatusTimeout:
			writeError(w, KindTimeout, err.Error())
		case errors.As(err, &toolErr) && toolErr.Action == "decode":
			writeError(w, KindInvalidInput, err.Error())
		default:
			writeFailure(w, err)
		}
		return
	}

	resp := map[string]any{"outputs": outputs}
	if call != nil {
		resp["call_id"] = call.CallID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, KindInvalidInput, "text is required")
		return
	}

	card, traceID, err := s.deps.Orch.IngestText(r.Context(), body.Text, body.Metadata)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory_id": card.MemoryID,
		"trace_id":  traceID,
	})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	if search := q.Get("q"); search != "" {
		hits, err := s.deps.Store.SearchCardsFTS(r.Context(), search, limit)
		if err != nil {
			writeFailure(w, err)
			return
		}
		cards := make([]*storage.MemoryCard, 0, len(hits))
		for _, h := range hits {
			card, err := s.deps.Store.GetCard(r.Context(), h.MemoryID)
			if err != nil {
				continue
			}
			cards = append(cards, card)
		}
		writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
		return
	}

	filter := storage.CardFilter{
		SourceType: q.Get("source_type"),
		CardType:   q.Get("card_type"),
	}
	cards, err := s.deps.Store.ListCards(r.Context(), filter, limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.deps.Store.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleOpenCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.deps.Store.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if card.BlobID == "" {
		writeError(w, KindNotFound, "card has no backing file")
		return
	}
	s.streamBlob(w, r, card.BlobID)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	s.streamBlob(w, r, chi.URLParam(r, "id"))
}

func (s *Server) streamBlob(w http.ResponseWriter, r *http.Request, blobID string) {
	blob, err := s.deps.Store.GetBlob(r.Context(), blobID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	f, err := os.Open(blob.Path)
	if err != nil {
		writeError(w, KindNotFound, "blob file is gone: "+filepath.Base(blob.Path))
		return
	}
	defer f.Close()

	if blob.Mime != "" {
		w.Header().Set("Content-Type", blob.Mime)
	}
	http.ServeContent(w, r, filepath.Base(blob.Path), blob.CreatedTS, f)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retriever.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, KindInvalidInput, "query is required")
		return
	}
	if req.TraceID == "" {
		req.TraceID = storage.NewID()
	}

	resp, err := s.deps.Retriever.Retrieve(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  resp.Hits,
		"degraded": resp.Degraded,
		"trace_id": req.TraceID,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req qa.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, KindInvalidInput, err.Error())
		return
	}
	resp, err := s.deps.QA.Chat(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	convs, err := s.deps.Store.ListConversations(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.deps.Store.ListTurns(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(turns) == 0 {
		writeError(w, KindNotFound, "unknown conversation "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	})
}

func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	history, err := s.deps.Store.ListSearchHistory(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": history})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
