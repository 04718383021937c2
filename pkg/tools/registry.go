// Package tools implements the typed tool registry: every capability in
// the system is a named tool with JSON-schema input/output contracts, and
// every dispatch is recorded as a tool_call row.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

// Call statuses recorded on tool_call rows.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Recorded inputs/outputs are truncated beyond this size; the caller
// still gets the full value.
const defaultMaxRecordBytes = 200 * 1024

// Tool is a named capability with typed input and output contracts.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// typedTool adapts a strongly-typed function to the Tool interface.
// Inputs are decoded into I by json tag name; outputs are flattened back
// to a map.
type typedTool[I, O any] struct {
	name         string
	description  string
	inputSchema  map[string]any
	outputSchema map[string]any
	fn           func(ctx context.Context, in I) (O, error)
}

// NewTool wraps fn as a Tool, generating both schemas from the type
// parameters. Panics on schema generation failure, which only happens for
// types that cannot be reflected.
func NewTool[I, O any](name, description string, fn func(ctx context.Context, in I) (O, error)) Tool {
	inSchema, err := generateSchema[I]()
	if err != nil {
		panic(fmt.Sprintf("tool %s: input schema: %v", name, err))
	}
	outSchema, err := generateSchema[O]()
	if err != nil {
		panic(fmt.Sprintf("tool %s: output schema: %v", name, err))
	}
	return &typedTool[I, O]{
		name:         name,
		description:  description,
		inputSchema:  inSchema,
		outputSchema: outSchema,
		fn:           fn,
	}
}

func (t *typedTool[I, O]) Name() string                 { return t.name }
func (t *typedTool[I, O]) Description() string          { return t.description }
func (t *typedTool[I, O]) InputSchema() map[string]any  { return t.inputSchema }
func (t *typedTool[I, O]) OutputSchema() map[string]any { return t.outputSchema }

func (t *typedTool[I, O]) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var in I
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &in,
	})
	if err != nil {
		return nil, NewToolError(t.name, "decode", "failed to build input decoder", err)
	}
	if err := decoder.Decode(inputs); err != nil {
		return nil, NewToolError(t.name, "decode", "invalid inputs", err)
	}

	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return structToMap(out)
}

// ToolInfo describes a registered tool for the catalog endpoint.
type ToolInfo struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// DispatchOptions tune a single dispatch.
type DispatchOptions struct {
	TraceID        string
	TimeoutMS      int
	MaxRecordBytes int
}

// Registry holds the tool catalog and records every dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	store   *storage.Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. store may be nil in tests that
// do not assert on call records.
func NewRegistry(store *storage.Store, metrics *observability.Metrics) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		store:   store,
		metrics: metrics,
		logger:  logger.GetLogger("tools"),
	}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return NewToolError("registry", "register",
			fmt.Sprintf("tool %s already registered", tool.Name()), nil)
	}
	r.tools[tool.Name()] = tool
	r.logger.Debug("Registered tool", "tool", tool.Name())
	return nil
}

// MustRegister registers a set of tools, panicking on conflicts. Used at
// startup where a duplicate name is a programming error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the catalog sorted by tool name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfo{
			Name:         t.Name(),
			Description:  t.Description(),
			InputSchema:  t.InputSchema(),
			OutputSchema: t.OutputSchema(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Dispatch runs a tool and records the call. The returned ToolCall is
// persisted even when the tool fails, so the exec graph stays complete.
func (r *Registry) Dispatch(ctx context.Context, name string, inputs map[string]any, opts DispatchOptions) (map[string]any, *storage.ToolCall, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, nil, NewToolError("registry", "dispatch",
			fmt.Sprintf("unknown tool %s", name), nil)
	}

	runCtx := ctx
	if opts.TimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	outputs, execErr := tool.Execute(runCtx, inputs)
	elapsed := time.Since(start)

	status := StatusOK
	if execErr != nil {
		status = StatusError
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status = StatusTimeout
		}
	}

	call := &storage.ToolCall{
		CallID:    storage.NewID(),
		ToolName:  name,
		TraceID:   opts.TraceID,
		TS:        start,
		Inputs:    marshalCapped(inputs, opts.maxRecordBytes()),
		Outputs:   marshalCapped(outputs, opts.maxRecordBytes()),
		Status:    status,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if r.store != nil {
		// Recorded against the parent context: a tool timeout must not
		// prevent the call row from landing.
		if err := r.store.InsertToolCall(ctx, call); err != nil {
			r.logger.Warn("Failed to record tool call", "tool", name, "error", err)
		}
	}
	r.metrics.RecordToolCall(ctx, name, status, elapsed)

	if execErr != nil {
		r.logger.Warn("Tool dispatch failed", "tool", name, "status", status, "elapsed", elapsed, "error", execErr)
		return nil, call, execErr
	}
	r.logger.Debug("Tool dispatch complete", "tool", name, "elapsed", elapsed)
	return outputs, call, nil
}

func (o DispatchOptions) maxRecordBytes() int {
	if o.MaxRecordBytes > 0 {
		return o.MaxRecordBytes
	}
	return defaultMaxRecordBytes
}

// marshalCapped serializes v, replacing oversized payloads with a stub so
// one huge document cannot bloat the call log.
func marshalCapped(v any, max int) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"_error":"unserializable"}`)
	}
	if len(data) > max {
		stub, _ := json.Marshal(map[string]any{"_truncated": true, "_bytes": len(data)})
		return stub
	}
	return data
}
