package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingEndpoint is returned when an edge references a node that does
// not exist.
var ErrMissingEndpoint = errors.New("edge endpoint does not exist")

// UpsertGraphNodes inserts or updates nodes. Idempotent by node_id: props
// and node_type are refreshed, created_ts is preserved.
func (s *Store) UpsertGraphNodes(ctx context.Context, nodes []*GraphNode) (int, error) {
	if len(nodes) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin node upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, n := range nodes {
		props, err := json.Marshal(orEmptyMap(n.Props))
		if err != nil {
			return 0, fmt.Errorf("failed to marshal node props: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_node (node_id, node_type, props, created_ts, updated_ts)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(node_id) DO UPDATE SET
			   node_type = excluded.node_type,
			   props = excluded.props,
			   updated_ts = excluded.updated_ts`,
			n.NodeID, n.NodeType, string(props), now, now); err != nil {
			return 0, fmt.Errorf("failed to upsert node %s: %w", n.NodeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit node upsert: %w", err)
	}
	return len(nodes), nil
}

// UpsertGraphEdges inserts or updates edges. Idempotent by edge_id; a
// repeated upsert may only raise the weight (capped at 1.0), reflecting
// accumulating evidence. Both endpoints must exist.
func (s *Store) UpsertGraphEdges(ctx context.Context, edges []*GraphEdge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin edge upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range edges {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM graph_node WHERE node_id IN (?, ?)`, e.From, e.To).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to check edge endpoints: %w", err)
		}
		want := 2
		if e.From == e.To {
			want = 1
		}
		if n != want {
			return 0, fmt.Errorf("%w: %s -> %s", ErrMissingEndpoint, e.From, e.To)
		}

		if e.Weight < 0 {
			e.Weight = 0
		}
		if e.Weight > 1 {
			e.Weight = 1
		}
		if e.ValidFrom.IsZero() {
			e.ValidFrom = time.Now()
		}
		prov, err := json.Marshal(orEmptyMap(e.Provenance))
		if err != nil {
			return 0, fmt.Errorf("failed to marshal edge provenance: %w", err)
		}
		var validTo any
		if e.ValidTo != nil {
			validTo = e.ValidTo.UnixMilli()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO graph_edge (edge_id, from_id, to_id, edge_type, weight, valid_from, valid_to, provenance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(edge_id) DO UPDATE SET
			   weight = MIN(1.0, MAX(graph_edge.weight, excluded.weight)),
			   valid_to = excluded.valid_to,
			   provenance = excluded.provenance`,
			e.EdgeID, e.From, e.To, e.EdgeType, e.Weight,
			e.ValidFrom.UnixMilli(), validTo, string(prov)); err != nil {
			return 0, fmt.Errorf("failed to upsert edge %s: %w", e.EdgeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit edge upsert: %w", err)
	}
	return len(edges), nil
}

// GetGraphNode fetches one node.
func (s *Store) GetGraphNode(ctx context.Context, nodeID string) (*GraphNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, node_type, props, created_ts, updated_ts FROM graph_node WHERE node_id = ?`, nodeID)
	node, err := scanGraphNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return node, err
}

// GetGraphNodes fetches many nodes by id.
func (s *Store) GetGraphNodes(ctx context.Context, nodeIDs []string) ([]*GraphNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(nodeIDs))
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT node_id, node_type, props, created_ts, updated_ts FROM graph_node WHERE node_id IN (%s)`,
		placeholders[:len(placeholders)-1]), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*GraphNode
	for rows.Next() {
		node, err := scanGraphNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// EdgeFilter narrows edge fetches during expansion.
type EdgeFilter struct {
	Direction string // in | out | both
	EdgeTypes []string
	TimeMin   time.Time
	TimeMax   time.Time
	Limit     int
}

// FetchEdges returns edges touching any of the given node ids, filtered
// by direction, type, and validity window, ordered by weight then newest
// valid_from (the hop-boundary tie-break).
func (s *Store) FetchEdges(ctx context.Context, nodeIDs []string, f EdgeFilter) ([]*GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if f.Limit <= 0 {
		f.Limit = 500
	}

	placeholders := strings.Repeat("?,", len(nodeIDs))
	placeholders = placeholders[:len(placeholders)-1]
	ids := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = id
	}

	var cond string
	var args []any
	switch f.Direction {
	case "out":
		cond = fmt.Sprintf(`from_id IN (%s)`, placeholders)
		args = append(args, ids...)
	case "in":
		cond = fmt.Sprintf(`to_id IN (%s)`, placeholders)
		args = append(args, ids...)
	default:
		cond = fmt.Sprintf(`(from_id IN (%s) OR to_id IN (%s))`, placeholders, placeholders)
		args = append(args, ids...)
		args = append(args, ids...)
	}

	if len(f.EdgeTypes) > 0 {
		tp := strings.Repeat("?,", len(f.EdgeTypes))
		cond += fmt.Sprintf(` AND edge_type IN (%s)`, tp[:len(tp)-1])
		for _, t := range f.EdgeTypes {
			args = append(args, t)
		}
	}
	if !f.TimeMin.IsZero() {
		cond += ` AND (valid_to IS NULL OR valid_to >= ?)`
		args = append(args, f.TimeMin.UnixMilli())
	}
	if !f.TimeMax.IsZero() {
		cond += ` AND valid_from <= ?`
		args = append(args, f.TimeMax.UnixMilli())
	}
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT edge_id, from_id, to_id, edge_type, weight, valid_from, valid_to, provenance
		 FROM graph_edge WHERE %s
		 ORDER BY weight DESC, valid_from DESC LIMIT ?`, cond), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch edges: %w", err)
	}
	defer rows.Close()

	var edges []*GraphEdge
	for rows.Next() {
		edge, err := scanGraphEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// SearchGraphNodes searches node labels (props.label). Prefix matches rank
// before substring matches, then by most recently updated.
func (s *Store) SearchGraphNodes(ctx context.Context, query, nodeType string, limit int) ([]*GraphNode, error) {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(strings.TrimSpace(query))
	sqlQuery := `SELECT node_id, node_type, props, created_ts, updated_ts FROM graph_node
	             WHERE LOWER(COALESCE(json_extract(props, '$.label'), '')) LIKE ?`
	args := []any{"%" + q + "%"}
	if nodeType != "" {
		sqlQuery += ` AND node_type = ?`
		args = append(args, nodeType)
	}
	sqlQuery += ` ORDER BY
	  CASE WHEN LOWER(COALESCE(json_extract(props, '$.label'), '')) LIKE ? THEN 0 ELSE 1 END,
	  updated_ts DESC LIMIT ?`
	args = append(args, q+"%", limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*GraphNode
	for rows.Next() {
		node, err := scanGraphNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountGraph returns node and edge counts.
func (s *Store) CountGraph(ctx context.Context) (nodes, edges int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_node`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edge`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return nodes, edges, nil
}

// RecentEntityActivity returns entity node ids with at least minEdges
// edges whose valid_from falls inside the window. Used by the digest.
func (s *Store) RecentEntityActivity(ctx context.Context, since time.Time, minEdges, limit int) (map[string]int, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, cnt FROM (
		   SELECT n.node_id AS node_id, COUNT(e.edge_id) AS cnt
		   FROM graph_node n
		   JOIN graph_edge e ON e.from_id = n.node_id OR e.to_id = n.node_id
		   WHERE n.node_id LIKE 'ent:%' AND e.valid_from >= ?
		   GROUP BY n.node_id
		 ) WHERE cnt >= ? ORDER BY cnt DESC LIMIT ?`,
		since.UnixMilli(), minEdges, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity activity: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entity activity: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanGraphNode(row rowScanner) (*GraphNode, error) {
	var n GraphNode
	var props string
	var created, updated int64
	if err := row.Scan(&n.NodeID, &n.NodeType, &props, &created, &updated); err != nil {
		return nil, err
	}
	n.CreatedTS = time.UnixMilli(created)
	n.UpdatedTS = time.UnixMilli(updated)
	if err := json.Unmarshal([]byte(props), &n.Props); err != nil {
		n.Props = map[string]any{}
	}
	return &n, nil
}

func scanGraphEdge(row rowScanner) (*GraphEdge, error) {
	var e GraphEdge
	var prov string
	var validFrom int64
	var validTo sql.NullInt64
	if err := row.Scan(&e.EdgeID, &e.From, &e.To, &e.EdgeType, &e.Weight, &validFrom, &validTo, &prov); err != nil {
		return nil, err
	}
	e.ValidFrom = time.UnixMilli(validFrom)
	if validTo.Valid {
		t := time.UnixMilli(validTo.Int64)
		e.ValidTo = &t
	}
	if err := json.Unmarshal([]byte(prov), &e.Provenance); err != nil {
		e.Provenance = map[string]any{}
	}
	return &e, nil
}
