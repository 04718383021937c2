package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CardFilter narrows card listings.
type CardFilter struct {
	SourceType string
	CardType   string
	TimeMin    time.Time
	TimeMax    time.Time
}

// UpsertCard inserts a memory card, refreshing the FTS index in the same
// transaction. If a card with the same (blob_id, trace_id) already exists,
// that card's memory_id is returned and nothing is written.
func (s *Store) UpsertCard(ctx context.Context, card *MemoryCard) (string, error) {
	if card.BlobID != "" && card.TraceID != "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT memory_id FROM memory_card WHERE blob_id = ? AND trace_id = ?`,
			card.BlobID, card.TraceID).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to check card idempotency: %w", err)
		}
	}

	if card.MemoryID == "" {
		card.MemoryID = NewID()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	if card.SourceTime.IsZero() {
		card.SourceTime = card.CreatedAt
	}
	if card.Type == "" {
		card.Type = "memory"
	}
	meta, err := json.Marshal(orEmptyMap(card.Metadata))
	if err != nil {
		return "", fmt.Errorf("failed to marshal card metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin card upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_card (memory_id, type, source_time, created_at, summary, content_text, metadata, blob_id, trace_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.MemoryID, card.Type, card.SourceTime.UnixMilli(), card.CreatedAt.UnixMilli(),
		card.Summary, card.ContentText, string(meta), card.BlobID, card.TraceID); err != nil {
		// Unique index race: another writer committed the same pair first.
		if card.BlobID != "" && card.TraceID != "" {
			var existing string
			if e := s.db.QueryRowContext(ctx,
				`SELECT memory_id FROM memory_card WHERE blob_id = ? AND trace_id = ?`,
				card.BlobID, card.TraceID).Scan(&existing); e == nil {
				return existing, nil
			}
		}
		return "", fmt.Errorf("failed to insert card: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_card_fts (memory_id, summary, content_text) VALUES (?, ?, ?)`,
		card.MemoryID, card.Summary, card.ContentText); err != nil {
		return "", fmt.Errorf("failed to index card: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit card: %w", err)
	}
	return card.MemoryID, nil
}

// FindCardByBlobTrace returns the card created for a given (blob_id,
// trace_id) pair, or ErrNotFound. Used for ingest idempotency checks.
func (s *Store) FindCardByBlobTrace(ctx context.Context, blobID, traceID string) (*MemoryCard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT memory_id, type, source_time, created_at, summary, content_text, metadata, blob_id, trace_id
		 FROM memory_card WHERE blob_id = ? AND trace_id = ?`, blobID, traceID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return card, err
}

// GetCard fetches one card by memory_id.
func (s *Store) GetCard(ctx context.Context, memoryID string) (*MemoryCard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT memory_id, type, source_time, created_at, summary, content_text, metadata, blob_id, trace_id
		 FROM memory_card WHERE memory_id = ?`, memoryID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return card, err
}

// ListCards returns cards matching the filter, newest first.
func (s *Store) ListCards(ctx context.Context, filter CardFilter, limit, offset int) ([]*MemoryCard, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT memory_id, type, source_time, created_at, summary, content_text, metadata, blob_id, trace_id
	          FROM memory_card WHERE 1=1`
	args := []any{}
	if filter.CardType != "" {
		query += ` AND type = ?`
		args = append(args, filter.CardType)
	}
	if filter.SourceType != "" {
		query += ` AND json_extract(metadata, '$.source_type') = ?`
		args = append(args, filter.SourceType)
	}
	if !filter.TimeMin.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.TimeMin.UnixMilli())
	}
	if !filter.TimeMax.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, filter.TimeMax.UnixMilli())
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryCards(ctx, query, args...)
}

// FTSHit is one full-text match with its engine rank.
type FTSHit struct {
	MemoryID string
	Score    float64 // higher is better
}

// SearchCardsFTS queries the FTS index. bm25 ranks are negated so a
// higher score is a better match.
func (s *Store) SearchCardsFTS(ctx context.Context, query string, limit int) ([]FTSHit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, -bm25(memory_card_fts) AS score
		 FROM memory_card_fts WHERE memory_card_fts MATCH ?
		 ORDER BY score DESC LIMIT ?`, ftsQuoteQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search fts: %w", err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.MemoryID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan fts hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuoteQuery turns free text into a safe FTS5 query: each term is
// quoted so user punctuation cannot break the match expression.
func ftsQuoteQuery(q string) string {
	var out []byte
	inTerm := false
	for _, r := range q {
		isWord := r == '_' || ('0' <= r && r <= '9') ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || r > 127
		if isWord {
			if !inTerm {
				if len(out) > 0 {
					out = append(out, ' ')
				}
				out = append(out, '"')
				inTerm = true
			}
			out = append(out, string(r)...)
		} else if inTerm {
			out = append(out, '"')
			inTerm = false
		}
	}
	if inTerm {
		out = append(out, '"')
	}
	return string(out)
}

// ListRecentCards returns the most recently created cards.
func (s *Store) ListRecentCards(ctx context.Context, limit int) ([]*MemoryCard, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryCards(ctx,
		`SELECT memory_id, type, source_time, created_at, summary, content_text, metadata, blob_id, trace_id
		 FROM memory_card ORDER BY created_at DESC LIMIT ?`, limit)
}

// CountCards returns the number of stored cards.
func (s *Store) CountCards(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_card`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cards: %w", err)
	}
	return n, nil
}

// InsertEmbedding records a vector index reference for a card.
func (s *Store) InsertEmbedding(ctx context.Context, e *Embedding) error {
	if e.EmbeddingID == "" {
		e.EmbeddingID = NewID()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding (embedding_id, memory_id, modality, vector_ref) VALUES (?, ?, ?, ?)`,
		e.EmbeddingID, e.MemoryID, e.Modality, e.VectorRef); err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns the embeddings owned by a card.
func (s *Store) ListEmbeddings(ctx context.Context, memoryID string) ([]*Embedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT embedding_id, memory_id, modality, vector_ref FROM embedding WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.EmbeddingID, &e.MemoryID, &e.Modality, &e.VectorRef); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteCard removes a card, its FTS row, its embeddings, its mem: graph
// node, and garbage-collects entity nodes left with no edges.
func (s *Store) DeleteCard(ctx context.Context, memoryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin card delete: %w", err)
	}
	defer tx.Rollback()

	memNode := "mem:" + memoryID
	stmts := []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM embedding WHERE memory_id = ?`, []any{memoryID}},
		{`DELETE FROM memory_card_fts WHERE memory_id = ?`, []any{memoryID}},
		{`DELETE FROM graph_edge WHERE from_id = ? OR to_id = ?`, []any{memNode, memNode}},
		{`DELETE FROM graph_node WHERE node_id = ?`, []any{memNode}},
		{`DELETE FROM memory_card WHERE memory_id = ?`, []any{memoryID}},
		// entity GC: drop entity nodes with no remaining edges
		{`DELETE FROM graph_node WHERE node_id LIKE 'ent:%'
		  AND node_id NOT IN (SELECT from_id FROM graph_edge)
		  AND node_id NOT IN (SELECT to_id FROM graph_edge)`, nil},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.sql, st.args...); err != nil {
			return fmt.Errorf("failed to delete card: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) queryCards(ctx context.Context, query string, args ...any) ([]*MemoryCard, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*MemoryCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*MemoryCard, error) {
	var card MemoryCard
	var sourceTime, createdAt int64
	var meta string
	if err := row.Scan(&card.MemoryID, &card.Type, &sourceTime, &createdAt,
		&card.Summary, &card.ContentText, &meta, &card.BlobID, &card.TraceID); err != nil {
		return nil, err
	}
	card.SourceTime = time.UnixMilli(sourceTime)
	card.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(meta), &card.Metadata); err != nil {
		card.Metadata = map[string]any{}
	}
	return &card, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
