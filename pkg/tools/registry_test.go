package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vortrix5/echogarden/pkg/storage"
)

type echoInput struct {
	Message string `json:"message" jsonschema:"required"`
	Repeat  int    `json:"repeat,omitempty"`
}

type echoOutput struct {
	Echoed string `json:"echoed"`
}

func newEchoTool() Tool {
	return NewTool("echo", "Echo the message back",
		func(ctx context.Context, in echoInput) (echoOutput, error) {
			repeat := in.Repeat
			if repeat <= 0 {
				repeat = 1
			}
			return echoOutput{Echoed: strings.Repeat(in.Message, repeat)}, nil
		})
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(newEchoTool()))
	err := r.Register(newEchoTool())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, _, err := r.Dispatch(context.Background(), "missing", nil, DispatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestDispatchRecordsToolCall(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry(store, nil)
	require.NoError(t, r.Register(newEchoTool()))

	out, call, err := r.Dispatch(context.Background(), "echo",
		map[string]any{"message": "hi"}, DispatchOptions{TraceID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echoed"])
	require.NotNil(t, call)
	assert.Equal(t, StatusOK, call.Status)

	calls, err := store.ListToolCalls(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].ToolName)
	assert.Equal(t, StatusOK, calls[0].Status)
	assert.JSONEq(t, `{"message":"hi"}`, string(calls[0].Inputs))
}

func TestDispatchRecordsFailures(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry(store, nil)
	boom := NewTool("boom", "Always fails",
		func(ctx context.Context, in echoInput) (echoOutput, error) {
			return echoOutput{}, fmt.Errorf("kaboom")
		})
	require.NoError(t, r.Register(boom))

	_, call, err := r.Dispatch(context.Background(), "boom",
		map[string]any{"message": "x"}, DispatchOptions{TraceID: "t2"})
	require.Error(t, err)
	require.NotNil(t, call)
	assert.Equal(t, StatusError, call.Status)

	calls, err := store.ListToolCalls(context.Background(), "t2", 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, StatusError, calls[0].Status)
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry(nil, nil)
	slow := NewTool("slow", "Sleeps past its deadline",
		func(ctx context.Context, in echoInput) (echoOutput, error) {
			select {
			case <-ctx.Done():
				return echoOutput{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return echoOutput{Echoed: "done"}, nil
			}
		})
	require.NoError(t, r.Register(slow))

	_, call, err := r.Dispatch(context.Background(), "slow",
		map[string]any{"message": "x"}, DispatchOptions{TimeoutMS: 20})
	require.Error(t, err)
	require.NotNil(t, call)
	assert.Equal(t, StatusTimeout, call.Status)
}

func TestDispatchTruncatesHugeOutputs(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry(store, nil)
	require.NoError(t, r.Register(newEchoTool()))

	out, _, err := r.Dispatch(context.Background(), "echo",
		map[string]any{"message": strings.Repeat("a", 100), "repeat": 50},
		DispatchOptions{TraceID: "t3", MaxRecordBytes: 1024})
	require.NoError(t, err)
	// Caller still gets the full value.
	assert.Len(t, out["echoed"], 5000)

	calls, err := store.ListToolCalls(context.Background(), "t3", 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].Outputs), "_truncated")
}

func TestTypedToolRejectsBadInputs(t *testing.T) {
	tool := newEchoTool()
	_, err := tool.Execute(context.Background(), map[string]any{"message": map[string]any{"nested": true}})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "decode", toolErr.Action)
}

func TestSchemaGeneration(t *testing.T) {
	tool := newEchoTool()
	schema := tool.InputSchema()

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "message")
	assert.Contains(t, props, "repeat")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "message")
	assert.NotContains(t, required, "repeat")

	assert.NotContains(t, schema, "$schema")
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.MustRegister(
		NewTool("zeta", "z", func(ctx context.Context, in echoInput) (echoOutput, error) { return echoOutput{}, nil }),
		NewTool("alpha", "a", func(ctx context.Context, in echoInput) (echoOutput, error) { return echoOutput{}, nil }),
	)
	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}
