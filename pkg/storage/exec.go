package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateTrace opens a new exec trace in state running.
func (s *Store) CreateTrace(ctx context.Context, traceID string, metadata map[string]any) (*ExecTrace, error) {
	if traceID == "" {
		traceID = NewID()
	}
	meta, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace metadata: %w", err)
	}
	t := &ExecTrace{
		TraceID:   traceID,
		StartedTS: time.Now(),
		Status:    TraceRunning,
		Metadata:  metadata,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO exec_trace (trace_id, started_ts, status, metadata) VALUES (?, ?, ?, ?)`,
		t.TraceID, t.StartedTS.UnixMilli(), t.Status, string(meta)); err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}
	return t, nil
}

// FinishTrace finalizes a trace. Exec rows are append-only: a trace whose
// finished_ts is already set is not mutated.
func (s *Store) FinishTrace(ctx context.Context, traceID, status string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE exec_trace SET status = ?, finished_ts = ? WHERE trace_id = ? AND finished_ts IS NULL`,
		status, time.Now().UnixMilli(), traceID); err != nil {
		return fmt.Errorf("failed to finish trace: %w", err)
	}
	return nil
}

// SetTraceRootCall records the first dispatched call of a trace.
func (s *Store) SetTraceRootCall(ctx context.Context, traceID, callID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE exec_trace SET root_call_id = ? WHERE trace_id = ? AND root_call_id = ''`,
		callID, traceID); err != nil {
		return fmt.Errorf("failed to set trace root call: %w", err)
	}
	return nil
}

// GetTrace fetches one trace.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*ExecTrace, error) {
	var t ExecTrace
	var started int64
	var finished sql.NullInt64
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT trace_id, started_ts, finished_ts, status, root_call_id, metadata
		 FROM exec_trace WHERE trace_id = ?`, traceID).
		Scan(&t.TraceID, &started, &finished, &t.Status, &t.RootCallID, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	t.StartedTS = time.UnixMilli(started)
	if finished.Valid {
		ft := time.UnixMilli(finished.Int64)
		t.FinishedTS = &ft
	}
	json.Unmarshal([]byte(meta), &t.Metadata)
	return &t, nil
}

// CreateExecNode inserts a node; the caller sets the initial state.
func (s *Store) CreateExecNode(ctx context.Context, n *ExecNode) error {
	if n.ExecNodeID == "" {
		n.ExecNodeID = NewID()
	}
	if n.StartedTS.IsZero() {
		n.StartedTS = time.Now()
	}
	if n.State == "" {
		n.State = NodePending
	}
	if n.Attempt == 0 {
		n.Attempt = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO exec_node (exec_node_id, trace_id, call_id, tool_name, state, attempt, timeout_ms, started_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ExecNodeID, n.TraceID, n.CallID, n.ToolName, n.State, n.Attempt, n.TimeoutMS,
		n.StartedTS.UnixMilli()); err != nil {
		return fmt.Errorf("failed to create exec node: %w", err)
	}
	return nil
}

// UpdateExecNodeStatus transitions a node to a terminal or running state.
func (s *Store) UpdateExecNodeStatus(ctx context.Context, execNodeID, state, callID, errText string) error {
	var finished any
	switch state {
	case NodeOK, NodeError, NodeTimeout:
		finished = time.Now().UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE exec_node SET state = ?, error_text = ?, finished_ts = COALESCE(?, finished_ts),
		   call_id = CASE WHEN ? != '' THEN ? ELSE call_id END
		 WHERE exec_node_id = ?`,
		state, errText, finished, callID, callID, execNodeID); err != nil {
		return fmt.Errorf("failed to update exec node: %w", err)
	}
	return nil
}

// CreateExecEdge records a dependency between two nodes.
func (s *Store) CreateExecEdge(ctx context.Context, fromNode, toNode, condition string) error {
	if condition == "" {
		condition = EdgeOnOK
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO exec_edge (from_exec_node, to_exec_node, condition) VALUES (?, ?, ?)`,
		fromNode, toNode, condition); err != nil {
		return fmt.Errorf("failed to create exec edge: %w", err)
	}
	return nil
}

// ListExecNodes returns the nodes of a trace in start order.
func (s *Store) ListExecNodes(ctx context.Context, traceID string) ([]*ExecNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT exec_node_id, trace_id, call_id, tool_name, state, attempt, timeout_ms, started_ts, finished_ts, error_text
		 FROM exec_node WHERE trace_id = ? ORDER BY started_ts ASC, rowid ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exec nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*ExecNode
	for rows.Next() {
		var n ExecNode
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&n.ExecNodeID, &n.TraceID, &n.CallID, &n.ToolName, &n.State,
			&n.Attempt, &n.TimeoutMS, &started, &finished, &n.ErrorText); err != nil {
			return nil, fmt.Errorf("failed to scan exec node: %w", err)
		}
		n.StartedTS = time.UnixMilli(started)
		if finished.Valid {
			ft := time.UnixMilli(finished.Int64)
			n.FinishedTS = &ft
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// ListExecEdges returns the edges of a trace.
func (s *Store) ListExecEdges(ctx context.Context, traceID string) ([]*ExecEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.from_exec_node, e.to_exec_node, e.condition
		 FROM exec_edge e JOIN exec_node n ON n.exec_node_id = e.from_exec_node
		 WHERE n.trace_id = ?`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exec edges: %w", err)
	}
	defer rows.Close()

	var edges []*ExecEdge
	for rows.Next() {
		var e ExecEdge
		if err := rows.Scan(&e.FromExecNode, &e.ToExecNode, &e.Condition); err != nil {
			return nil, fmt.Errorf("failed to scan exec edge: %w", err)
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// InsertToolCall records one registry dispatch.
func (s *Store) InsertToolCall(ctx context.Context, c *ToolCall) error {
	if c.CallID == "" {
		c.CallID = NewID()
	}
	if c.TS.IsZero() {
		c.TS = time.Now()
	}
	inputs := string(c.Inputs)
	if inputs == "" {
		inputs = "{}"
	}
	outputs := string(c.Outputs)
	if outputs == "" {
		outputs = "{}"
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_call (call_id, tool_name, trace_id, ts, inputs, outputs, status, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallID, c.ToolName, c.TraceID, c.TS.UnixMilli(), inputs, outputs, c.Status, c.ElapsedMS); err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns tool calls, optionally filtered by trace.
func (s *Store) ListToolCalls(ctx context.Context, traceID string, limit int) ([]*ToolCall, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT call_id, tool_name, trace_id, ts, inputs, outputs, status, elapsed_ms FROM tool_call`
	args := []any{}
	if traceID != "" {
		query += ` WHERE trace_id = ?`
		args = append(args, traceID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		var c ToolCall
		var ts int64
		var inputs, outputs string
		if err := rows.Scan(&c.CallID, &c.ToolName, &c.TraceID, &ts, &inputs, &outputs, &c.Status, &c.ElapsedMS); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		c.TS = time.UnixMilli(ts)
		c.Inputs = json.RawMessage(inputs)
		c.Outputs = json.RawMessage(outputs)
		calls = append(calls, &c)
	}
	return calls, rows.Err()
}
