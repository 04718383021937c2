// Package qa answers questions over the memory store: retrieve evidence,
// weave a cited answer, verify it, and persist the exchange.
package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
)

// Input filter limits. Oversized or binary-looking messages are rejected
// before any model sees them.
const (
	maxMessageLen          = 50_000
	maxNonPrintableRatio   = 0.10
	refusalAnswer          = "I don't have enough captured evidence to answer that. Try ingesting related notes or documents first."
	defaultTopK            = 8
	conversationTitleChars = 80
)

// ErrRejectedInput marks messages that fail the security filter.
type ErrRejectedInput struct {
	Reason string
}

func (e *ErrRejectedInput) Error() string {
	return fmt.Sprintf("message rejected: %s", e.Reason)
}

// ChatRequest is one user message.
type ChatRequest struct {
	Message        string `json:"message"`
	TopK           int    `json:"top_k,omitempty"`
	UseGraph       *bool  `json:"use_graph,omitempty"`
	Hops           int    `json:"hops,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Citation links an answer claim to a memory.
type Citation struct {
	MemoryID string `json:"memory_id"`
	Quote    string `json:"quote,omitempty"`
}

// ChatResponse is the grounded answer plus its provenance.
type ChatResponse struct {
	TraceID        string               `json:"trace_id"`
	Answer         string               `json:"answer"`
	Verdict        string               `json:"verdict"`
	Citations      []Citation           `json:"citations"`
	Evidence       []tools.EvidenceItem `json:"evidence"`
	ConversationID string               `json:"conversation_id"`
}

// Service runs the chat pipeline.
type Service struct {
	store  *storage.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewService creates the Q&A service.
func NewService(store *storage.Store, orch *orchestrator.Orchestrator) *Service {
	return &Service{store: store, orch: orch, logger: logger.GetLogger("qa")}
}

// Chat handles one message: filter, retrieve, weave, verify, persist.
// The trace id in the response points at the recorded exec graph.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if reason := filterMessage(req.Message); reason != "" {
		return nil, &ErrRejectedInput{Reason: reason}
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = storage.NewID()
	}
	if _, err := s.store.EnsureConversation(ctx, conversationID, titleFor(req.Message)); err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}

	traceID := storage.NewID()
	if _, err := s.store.CreateTrace(ctx, traceID, map[string]any{
		"kind":            "chat",
		"conversation_id": conversationID,
	}); err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}

	resp, err := s.chatPipeline(ctx, traceID, conversationID, req)
	status := storage.TraceOK
	if err != nil {
		status = storage.TraceError
		if ctx.Err() != nil {
			status = storage.TraceCancelled
		}
	}
	if ferr := s.store.FinishTrace(context.WithoutCancel(ctx), traceID, status); ferr != nil {
		s.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", ferr)
	}
	return resp, err
}

func (s *Service) chatPipeline(ctx context.Context, traceID, conversationID string, req ChatRequest) (*ChatResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	runner := s.orch.NewRunner(traceID)

	retInputs := map[string]any{
		"query":    req.Message,
		"top_k":    topK,
		"trace_id": traceID,
	}
	if req.UseGraph != nil {
		retInputs["use_graph"] = *req.UseGraph
	}
	if req.Hops > 0 {
		retInputs["hops"] = req.Hops
	}
	retOut, err := runner.Step(ctx, "retrieval", retInputs)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	evidence := evidenceFromResults(retOut)

	resp := &ChatResponse{
		TraceID:        traceID,
		ConversationID: conversationID,
		Evidence:       evidence,
		Citations:      []Citation{},
	}

	if len(evidence) == 0 {
		resp.Answer = refusalAnswer
		resp.Verdict = tools.VerdictAbstain
		return resp, s.persistTurn(ctx, conversationID, traceID, req.Message, resp)
	}

	weaveOut, err := runner.Step(ctx, "weaver", map[string]any{
		"query":    req.Message,
		"evidence": evidence,
	})
	if err != nil {
		return nil, fmt.Errorf("weave failed: %w", err)
	}
	answer, _ := weaveOut["answer"].(string)
	citedIDs := stringSlice(weaveOut["cited_memory_ids"])

	verifyOut, err := runner.Step(ctx, "verifier", map[string]any{
		"query":    req.Message,
		"answer":   answer,
		"evidence": evidence,
	})
	if err != nil {
		return nil, fmt.Errorf("verify failed: %w", err)
	}

	verdict, _ := verifyOut["verdict"].(string)
	switch verdict {
	case tools.VerdictPass:
		resp.Answer = answer
	case tools.VerdictRevise:
		revised, _ := verifyOut["revised_answer"].(string)
		if revised == "" {
			revised = answer
		}
		resp.Answer = revised
	default:
		verdict = tools.VerdictAbstain
		resp.Answer = refusalAnswer
		citedIDs = nil
	}
	resp.Verdict = verdict

	byID := map[string]tools.EvidenceItem{}
	for _, ev := range evidence {
		byID[ev.MemoryID] = ev
	}
	for _, id := range citedIDs {
		resp.Citations = append(resp.Citations, Citation{MemoryID: id, Quote: byID[id].Summary})
	}

	return resp, s.persistTurn(ctx, conversationID, traceID, req.Message, resp)
}

func (s *Service) persistTurn(ctx context.Context, conversationID, traceID, message string, resp *ChatResponse) error {
	citationsJSON, _ := json.Marshal(resp.Citations)
	evidenceJSON, _ := json.Marshal(resp.Evidence)

	turn := &storage.ConversationTurn{
		TurnID:         storage.NewID(),
		ConversationID: conversationID,
		UserText:       message,
		AssistantText:  resp.Answer,
		Verdict:        resp.Verdict,
		TraceID:        traceID,
		Citations:      citationsJSON,
		Evidence:       evidenceJSON,
	}
	citations := make([]*storage.ChatCitation, 0, len(resp.Citations))
	for _, c := range resp.Citations {
		citations = append(citations, &storage.ChatCitation{
			CitationID: storage.NewID(),
			TurnID:     turn.TurnID,
			MemoryID:   c.MemoryID,
			Quote:      c.Quote,
		})
	}
	if err := s.store.AppendTurn(ctx, turn, citations); err != nil {
		return fmt.Errorf("failed to persist turn: %w", err)
	}
	return nil
}

// filterMessage returns a rejection reason, or "" when the message is
// acceptable.
func filterMessage(message string) string {
	if strings.TrimSpace(message) == "" {
		return "empty message"
	}
	if len(message) > maxMessageLen {
		return fmt.Sprintf("message exceeds %d bytes", maxMessageLen)
	}
	if strings.ContainsRune(message, 0) {
		return "message contains NUL bytes"
	}
	nonPrintable := 0
	total := 0
	for _, r := range message {
		total++
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			nonPrintable++
		}
	}
	if total > 0 && float64(nonPrintable)/float64(total) > maxNonPrintableRatio {
		return "message looks binary"
	}
	return ""
}

func titleFor(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if len(title) > conversationTitleChars {
		title = title[:conversationTitleChars]
	}
	return title
}

// evidenceFromResults converts retrieval tool output into weaver
// evidence.
func evidenceFromResults(out map[string]any) []tools.EvidenceItem {
	raw, _ := out["results"].([]any)
	evidence := make([]tools.EvidenceItem, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ev := tools.EvidenceItem{
			MemoryID: str(m["memory_id"]),
			Title:    str(m["title"]),
			Summary:  str(m["summary"]),
			Snippet:  str(m["snippet"]),
		}
		if score, ok := m["score"].(float64); ok {
			ev.Score = score
		}
		if ev.MemoryID != "" {
			evidence = append(evidence, ev)
		}
	}
	return evidence
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
