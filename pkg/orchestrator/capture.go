package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Vortrix5/echogarden/pkg/storage"
)

// Browser capture kinds.
const (
	CaptureHighlight       = "highlight"
	CaptureBookmark        = "bookmark"
	CaptureResearchSession = "research_session"
	CaptureVisit           = "visit"
	CaptureImportHistory   = "import_history"
)

// BrowserCapture is one event posted by the browser extension.
type BrowserCapture struct {
	Kind       string         `json:"kind"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Tags       []string       `json:"tags,omitempty"`
	SourceTime time.Time      `json:"source_time,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// enrichedCaptureKinds get a background enrichment job; bare visits are
// recorded but not mined.
var enrichedCaptureKinds = map[string]bool{
	CaptureHighlight:       true,
	CaptureBookmark:        true,
	CaptureResearchSession: true,
}

// CaptureBrowser writes the capture card synchronously, then enqueues
// enrichment for content-bearing kinds. Returns the card and, when
// enrichment was enqueued, the trace id it will run under.
func (o *Orchestrator) CaptureBrowser(ctx context.Context, cap BrowserCapture) (*storage.MemoryCard, string, error) {
	kind := cap.Kind
	if kind == CaptureImportHistory {
		kind = CaptureVisit
	}
	if cap.URL == "" && strings.TrimSpace(cap.Text) == "" {
		return nil, "", fmt.Errorf("capture requires a url or text")
	}

	if _, err := o.store.UpsertSource(ctx, "browser", cap.URL); err != nil {
		return nil, "", fmt.Errorf("failed to upsert browser source: %w", err)
	}

	sourceTime := cap.SourceTime
	if sourceTime.IsZero() {
		sourceTime = time.Now()
	}

	summary := strings.TrimSpace(cap.Text)
	if summary == "" {
		summary = cap.Title
	}
	if summary == "" {
		summary = cap.URL
	}
	if len(summary) > 400 {
		cut := 400
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}

	sourceType := "browser"
	if kind == CaptureHighlight {
		sourceType = "browser_highlight"
	}
	meta := map[string]any{
		"source_type": sourceType,
		"url":         cap.URL,
		"title":       cap.Title,
		"kind":        kind,
	}
	if len(cap.Tags) > 0 {
		meta["tags"] = cap.Tags
	}
	for k, v := range cap.Metadata {
		meta[k] = v
	}

	card := &storage.MemoryCard{
		MemoryID:    storage.NewID(),
		Type:        cardTypeForCapture(kind),
		SourceTime:  sourceTime,
		Summary:     summary,
		ContentText: cap.Text,
		Metadata:    meta,
	}
	memoryID, err := o.store.UpsertCard(ctx, card)
	if err != nil {
		return nil, "", fmt.Errorf("failed to commit capture card: %w", err)
	}
	card.MemoryID = memoryID

	var traceID string
	if enrichedCaptureKinds[kind] {
		traceID = storage.NewID()
		if _, err := o.store.EnqueueJob(ctx, JobIngestCapture, IngestCapturePayload{
			MemoryID: memoryID,
			TraceID:  traceID,
		}); err != nil {
			return nil, "", fmt.Errorf("failed to enqueue capture enrichment: %w", err)
		}
	}

	o.metrics.RecordCardCreated(ctx, PipelineBrowser)
	o.logger.Info("Captured browser event", "kind", kind, "memory_id", memoryID, "url", cap.URL)
	return card, traceID, nil
}

func cardTypeForCapture(kind string) string {
	switch kind {
	case CaptureHighlight:
		return "browser_highlight"
	case CaptureBookmark:
		return "bookmark"
	case CaptureResearchSession:
		return "research_session"
	default:
		return "visit"
	}
}
