// Package orchestrator turns captured blobs into memory cards. It routes
// each blob to a tool pipeline, records the execution DAG, and commits
// the card, embeddings, and graph links.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
)

// Job types consumed by the orchestrator.
const (
	JobIngestBlob    = "ingest_blob"
	JobIngestCapture = "ingest_capture"
)

// IngestBlobPayload is the queue payload for a watched-file ingest.
type IngestBlobPayload struct {
	BlobID    string `json:"blob_id"`
	SHA256    string `json:"sha256"`
	Mime      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
	TraceID   string `json:"trace_id"`
}

// IngestCapturePayload is the queue payload for browser-capture
// enrichment.
type IngestCapturePayload struct {
	MemoryID string `json:"memory_id"`
	TraceID  string `json:"trace_id"`
}

// Orchestrator runs ingest pipelines through the tool registry.
type Orchestrator struct {
	store     *storage.Store
	registry  *tools.Registry
	metrics   *observability.Metrics
	maxFileMB int
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(store *storage.Store, registry *tools.Registry, metrics *observability.Metrics, maxFileMB int) *Orchestrator {
	return &Orchestrator{
		store:     store,
		registry:  registry,
		metrics:   metrics,
		maxFileMB: maxFileMB,
		logger:    logger.GetLogger("orchestrator"),
	}
}

// pred is an exec-graph predecessor for the next node.
type pred struct {
	node      string
	condition string
}

// run tracks one trace's DAG frontier while the pipeline executes.
type run struct {
	o        *Orchestrator
	traceID  string
	okPreds  []string
	failPred string
	rootSet  bool
}

func (r *run) preds() []pred {
	if r.failPred != "" {
		return []pred{{r.failPred, storage.EdgeOnError}}
	}
	out := make([]pred, 0, len(r.okPreds))
	for _, n := range r.okPreds {
		out = append(out, pred{n, storage.EdgeOnOK})
	}
	return out
}

// dispatchNode materializes one exec node around a registry dispatch.
func (r *run) dispatchNode(ctx context.Context, tool string, inputs map[string]any, preds []pred) (map[string]any, string, error) {
	nodeID := storage.NewID()
	timeout := timeoutFor(tool)

	if err := r.o.store.CreateExecNode(ctx, &storage.ExecNode{
		ExecNodeID: nodeID,
		TraceID:    r.traceID,
		ToolName:   tool,
		State:      storage.NodeRunning,
		Attempt:    1,
		TimeoutMS:  timeout,
		StartedTS:  time.Now(),
	}); err != nil {
		return nil, "", fmt.Errorf("failed to create exec node for %s: %w", tool, err)
	}
	for _, p := range preds {
		if err := r.o.store.CreateExecEdge(ctx, p.node, nodeID, p.condition); err != nil {
			return nil, nodeID, fmt.Errorf("failed to create exec edge into %s: %w", tool, err)
		}
	}

	out, call, dispatchErr := r.o.registry.Dispatch(ctx, tool, inputs, tools.DispatchOptions{
		TraceID:   r.traceID,
		TimeoutMS: timeout,
	})
	callID := ""
	if call != nil {
		callID = call.CallID
	}
	if !r.rootSet && callID != "" {
		r.rootSet = true
		if err := r.o.store.SetTraceRootCall(ctx, r.traceID, callID); err != nil {
			r.o.logger.Warn("Failed to set trace root call", "trace_id", r.traceID, "error", err)
		}
	}

	if dispatchErr != nil {
		state := storage.NodeError
		if call != nil && call.Status == tools.StatusTimeout {
			state = storage.NodeTimeout
		}
		if err := r.o.store.UpdateExecNodeStatus(ctx, nodeID, state, callID, dispatchErr.Error()); err != nil {
			r.o.logger.Warn("Failed to update exec node", "node", nodeID, "error", err)
		}
		return nil, nodeID, dispatchErr
	}
	if err := r.o.store.UpdateExecNodeStatus(ctx, nodeID, storage.NodeOK, callID, ""); err != nil {
		r.o.logger.Warn("Failed to update exec node", "node", nodeID, "error", err)
	}
	return out, nodeID, nil
}

// step runs one sequential pipeline stage and advances the frontier.
func (r *run) step(ctx context.Context, tool string, inputs map[string]any) (map[string]any, error) {
	out, nodeID, err := r.dispatchNode(ctx, tool, inputs, r.preds())
	if err != nil {
		r.failPred = nodeID
		return nil, err
	}
	r.okPreds = []string{nodeID}
	r.failPred = ""
	return out, nil
}

// parallelStep runs stages concurrently off the same predecessor; all
// resulting nodes become predecessors of the next step.
func (r *run) parallelStep(ctx context.Context, stages map[string]map[string]any) (map[string]map[string]any, error) {
	preds := r.preds()
	results := make(map[string]map[string]any, len(stages))
	nodes := make(map[string]string, len(stages))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for tool, inputs := range stages {
		g.Go(func() error {
			out, nodeID, err := r.dispatchNode(gctx, tool, inputs, preds)
			mu.Lock()
			results[tool] = out
			nodes[tool] = nodeID
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s: %w", tool, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, nodeID := range nodes {
			if nodeID != "" {
				r.failPred = nodeID
			}
		}
		return results, err
	}

	r.okPreds = r.okPreds[:0]
	for _, nodeID := range nodes {
		r.okPreds = append(r.okPreds, nodeID)
	}
	r.failPred = ""
	return results, nil
}

// Runner exposes trace-scoped tool dispatch to other pipelines (chat),
// so every dispatch in the system lands in the same exec graph shape.
type Runner struct {
	run *run
}

// NewRunner creates a runner for an existing trace.
func (o *Orchestrator) NewRunner(traceID string) *Runner {
	return &Runner{run: &run{o: o, traceID: traceID}}
}

// Step dispatches one tool as the next node in the trace.
func (r *Runner) Step(ctx context.Context, tool string, inputs map[string]any) (map[string]any, error) {
	return r.run.step(ctx, tool, inputs)
}

// Store returns the backing store, for trace finalization by the caller.
func (o *Orchestrator) Store() *storage.Store {
	return o.store
}

// IngestBlob runs the full ingest pipeline for one blob. Deterministic
// for a given (blob_id, trace_id): a replay returns the existing card.
// Retries (attempt > 1) get a fresh trace.
func (o *Orchestrator) IngestBlob(ctx context.Context, payload IngestBlobPayload, attempt int) (*storage.MemoryCard, error) {
	traceID := payload.TraceID
	if traceID == "" || attempt > 1 {
		traceID = storage.NewID()
	}

	if card, err := o.store.FindCardByBlobTrace(ctx, payload.BlobID, traceID); err == nil {
		o.logger.Debug("Ingest replay, returning existing card",
			"blob_id", payload.BlobID, "trace_id", traceID, "memory_id", card.MemoryID)
		return card, nil
	}

	blob, err := o.store.GetBlob(ctx, payload.BlobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blob %s: %w", payload.BlobID, err)
	}

	if _, err := o.store.CreateTrace(ctx, traceID, map[string]any{
		"kind":    JobIngestBlob,
		"blob_id": blob.BlobID,
		"attempt": attempt,
	}); err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}

	card, err := o.ingestBlobPipeline(ctx, traceID, blob)
	if err != nil {
		status := storage.TraceError
		if ctx.Err() != nil {
			status = storage.TraceCancelled
		}
		if ferr := o.store.FinishTrace(ctx, traceID, status); ferr != nil {
			o.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", ferr)
		}
		return nil, err
	}
	if err := o.store.FinishTrace(ctx, traceID, storage.TraceOK); err != nil {
		o.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", err)
	}
	return card, nil
}

func (o *Orchestrator) ingestBlobPipeline(ctx context.Context, traceID string, blob *storage.Blob) (*storage.MemoryCard, error) {
	class := route(blob.Mime, blob.Path, blob.SizeBytes, o.maxFileMB)
	r := &run{o: o, traceID: traceID}

	// The card id doubles as the vector point id, so it is fixed before
	// the embedding stages run.
	memoryID := storage.NewID()

	var text, title string
	var visionRef string

	switch class {
	case PipelinePlaceholder:
		return o.commitPlaceholder(ctx, traceID, blob, "")

	case PipelineDoc:
		out, err := r.step(ctx, "doc_parse", map[string]any{"blob_id": blob.BlobID})
		if err != nil {
			return o.commitPlaceholder(ctx, traceID, blob, "parse_failed")
		}
		text = getString(out, "text")
		title = getString(out, "title")

	case PipelineOCR:
		results, err := r.parallelStep(ctx, map[string]map[string]any{
			"ocr":          {"blob_id": blob.BlobID},
			"vision_embed": {"blob_id": blob.BlobID, "point_id": memoryID},
		})
		if err != nil {
			// A vector-index outage should retry; a failed read should not
			// block a placeholder.
			if results["vision_embed"] == nil && results["ocr"] != nil {
				return nil, err
			}
			return o.commitPlaceholder(ctx, traceID, blob, "parse_failed")
		}
		text = getString(results["ocr"], "text")
		visionRef = getString(results["vision_embed"], "vector_ref")

	case PipelineASR:
		out, err := r.step(ctx, "asr", map[string]any{"blob_id": blob.BlobID})
		if err != nil {
			return o.commitPlaceholder(ctx, traceID, blob, "parse_failed")
		}
		text = getString(out, "text")
	}

	if title == "" {
		title = filepath.Base(blob.Path)
	}
	if strings.TrimSpace(text) == "" {
		text = title
	}

	meta := map[string]any{
		"source_type": "filesystem",
		"path":        blob.Path,
		"mime":        blob.Mime,
		"title":       title,
	}
	card, err := o.runEnrichment(ctx, r, enrichmentRequest{
		memoryID:   memoryID,
		cardType:   cardTypeFor(class),
		pipeline:   class,
		text:       text,
		title:      title,
		sourceTime: blob.CreatedTS,
		metadata:   meta,
		blobID:     blob.BlobID,
		traceID:    traceID,
	})
	if err != nil {
		return nil, err
	}
	if visionRef != "" {
		if err := o.ensureEmbedding(ctx, card.MemoryID, "vision", visionRef); err != nil {
			return nil, err
		}
	}
	return card, nil
}

// enrichmentRequest parameterizes the shared summarize/extract/embed/link
// tail of every content pipeline.
type enrichmentRequest struct {
	memoryID   string
	cardType   string
	pipeline   string
	text       string
	title      string
	sourceTime time.Time
	metadata   map[string]any
	blobID     string
	traceID    string
}

// runEnrichment executes summarizer → extractor → text_embed →
// graph_builder, then commits the card and its text embedding.
func (o *Orchestrator) runEnrichment(ctx context.Context, r *run, req enrichmentRequest) (*storage.MemoryCard, error) {
	sumOut, err := r.step(ctx, "summarizer", map[string]any{"text": req.text})
	if err != nil {
		return nil, err
	}
	summary := getString(sumOut, "summary")
	if summary == "" {
		summary = req.title
	}

	extOut, err := r.step(ctx, "extractor", map[string]any{"text": req.text})
	if err != nil {
		return nil, err
	}

	embedOut, err := r.step(ctx, "text_embed", map[string]any{
		"text":     req.text,
		"point_id": req.memoryID,
		"metadata": map[string]any{"memory_id": req.memoryID, "title": req.title},
	})
	if err != nil {
		return nil, err
	}

	sourceTime := req.sourceTime
	if sourceTime.IsZero() {
		sourceTime = time.Now()
	}
	if _, err := r.step(ctx, "graph_builder", map[string]any{
		"memory_id":      req.memoryID,
		"summary":        summary,
		"source_time_ms": sourceTime.UnixMilli(),
		"entities":       extOut["entities"],
	}); err != nil {
		return nil, err
	}

	meta := map[string]any{
		"pipeline":         req.pipeline,
		"pipeline_version": pipelineVersion,
	}
	for k, v := range req.metadata {
		meta[k] = v
	}
	if tags, ok := extOut["tags"]; ok {
		meta["tags"] = tags
	}
	if actions, ok := extOut["actions"]; ok {
		meta["actions"] = actions
	}

	card := &storage.MemoryCard{
		MemoryID:    req.memoryID,
		Type:        req.cardType,
		SourceTime:  sourceTime,
		Summary:     summary,
		ContentText: req.text,
		Metadata:    meta,
		BlobID:      req.blobID,
		TraceID:     req.traceID,
	}
	memoryID, err := o.store.UpsertCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("failed to commit card: %w", err)
	}
	card.MemoryID = memoryID

	if ref := getString(embedOut, "vector_ref"); ref != "" {
		if err := o.ensureEmbedding(ctx, memoryID, "text", ref); err != nil {
			return nil, err
		}
	}

	o.metrics.RecordCardCreated(ctx, req.pipeline)
	o.logger.Info("Committed memory card",
		"memory_id", memoryID, "pipeline", req.pipeline, "trace_id", req.traceID)
	return card, nil
}

// commitPlaceholder writes a minimal card so the artifact stays visible
// even when its content cannot be processed.
func (o *Orchestrator) commitPlaceholder(ctx context.Context, traceID string, blob *storage.Blob, errKind string) (*storage.MemoryCard, error) {
	meta := map[string]any{
		"source_type":      "filesystem",
		"path":             blob.Path,
		"mime":             blob.Mime,
		"size_bytes":       blob.SizeBytes,
		"pipeline":         PipelinePlaceholder,
		"pipeline_version": pipelineVersion,
	}
	if errKind != "" {
		meta["error"] = errKind
	}
	card := &storage.MemoryCard{
		MemoryID:    storage.NewID(),
		Type:        "placeholder",
		SourceTime:  blob.CreatedTS,
		Summary:     filepath.Base(blob.Path),
		ContentText: "",
		Metadata:    meta,
		BlobID:      blob.BlobID,
		TraceID:     traceID,
	}
	memoryID, err := o.store.UpsertCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("failed to commit placeholder card: %w", err)
	}
	card.MemoryID = memoryID
	o.metrics.RecordCardCreated(ctx, PipelinePlaceholder)
	o.logger.Info("Committed placeholder card",
		"memory_id", memoryID, "blob_id", blob.BlobID, "error_kind", errKind)
	return card, nil
}

// IngestText runs the text pipeline over inline text from the API.
// Returns the committed card and its trace id.
func (o *Orchestrator) IngestText(ctx context.Context, text string, metadata map[string]any) (*storage.MemoryCard, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("text is required")
	}
	traceID := storage.NewID()
	if _, err := o.store.CreateTrace(ctx, traceID, map[string]any{"kind": "ingest_text"}); err != nil {
		return nil, "", fmt.Errorf("failed to create trace: %w", err)
	}

	meta := map[string]any{"source_type": "api"}
	for k, v := range metadata {
		meta[k] = v
	}
	title, _ := meta["title"].(string)
	if title == "" {
		title = "inline note"
	}

	r := &run{o: o, traceID: traceID}
	card, err := o.runEnrichment(ctx, r, enrichmentRequest{
		memoryID: storage.NewID(),
		cardType: cardTypeFor(PipelineText),
		pipeline: PipelineText,
		text:     text,
		title:    title,
		metadata: meta,
		traceID:  traceID,
	})
	if err != nil {
		status := storage.TraceError
		if ctx.Err() != nil {
			status = storage.TraceCancelled
		}
		if ferr := o.store.FinishTrace(ctx, traceID, status); ferr != nil {
			o.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", ferr)
		}
		return nil, traceID, err
	}
	if err := o.store.FinishTrace(ctx, traceID, storage.TraceOK); err != nil {
		o.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", err)
	}
	return card, traceID, nil
}

// IngestCapture enriches a synchronously-created capture card with
// entities and embeddings. Safe to replay: all writes are idempotent by
// card id.
func (o *Orchestrator) IngestCapture(ctx context.Context, payload IngestCapturePayload, attempt int) error {
	traceID := payload.TraceID
	if traceID == "" || attempt > 1 {
		traceID = storage.NewID()
	}

	card, err := o.store.GetCard(ctx, payload.MemoryID)
	if err != nil {
		return fmt.Errorf("failed to load capture card %s: %w", payload.MemoryID, err)
	}
	text := card.ContentText
	if strings.TrimSpace(text) == "" {
		text = card.Summary
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if _, err := o.store.CreateTrace(ctx, traceID, map[string]any{
		"kind":      JobIngestCapture,
		"memory_id": card.MemoryID,
		"attempt":   attempt,
	}); err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}

	r := &run{o: o, traceID: traceID}
	err = func() error {
		extOut, err := r.step(ctx, "extractor", map[string]any{"text": text})
		if err != nil {
			return err
		}
		embedOut, err := r.step(ctx, "text_embed", map[string]any{
			"text":     text,
			"point_id": card.MemoryID,
			"metadata": map[string]any{"memory_id": card.MemoryID},
		})
		if err != nil {
			return err
		}
		if _, err := r.step(ctx, "graph_builder", map[string]any{
			"memory_id":      card.MemoryID,
			"summary":        card.Summary,
			"source_time_ms": card.SourceTime.UnixMilli(),
			"entities":       extOut["entities"],
		}); err != nil {
			return err
		}
		if ref := getString(embedOut, "vector_ref"); ref != "" {
			return o.ensureEmbedding(ctx, card.MemoryID, "text", ref)
		}
		return nil
	}()

	status := storage.TraceOK
	if err != nil {
		status = storage.TraceError
		if ctx.Err() != nil {
			status = storage.TraceCancelled
		}
	}
	if ferr := o.store.FinishTrace(ctx, traceID, status); ferr != nil {
		o.logger.Warn("Failed to finish trace", "trace_id", traceID, "error", ferr)
	}
	return err
}

// ensureEmbedding records an embedding reference once per (card,
// modality, ref), keeping replays from duplicating rows.
func (o *Orchestrator) ensureEmbedding(ctx context.Context, memoryID, modality, vectorRef string) error {
	existing, err := o.store.ListEmbeddings(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("failed to list embeddings: %w", err)
	}
	for _, e := range existing {
		if e.Modality == modality && e.VectorRef == vectorRef {
			return nil
		}
	}
	return o.store.InsertEmbedding(ctx, &storage.Embedding{
		EmbeddingID: storage.NewID(),
		MemoryID:    memoryID,
		Modality:    modality,
		VectorRef:   vectorRef,
	})
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
