package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureConversation returns the conversation with the given id, creating
// it if the id is empty or unknown.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, title string) (*Conversation, error) {
	if conversationID != "" {
		var c Conversation
		var created int64
		err := s.db.QueryRowContext(ctx,
			`SELECT conversation_id, title, created_at FROM conversation WHERE conversation_id = ?`,
			conversationID).Scan(&c.ConversationID, &c.Title, &created)
		if err == nil {
			c.CreatedAt = time.UnixMilli(created)
			return &c, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get conversation: %w", err)
		}
	}

	c := &Conversation{
		ConversationID: conversationID,
		Title:          title,
		CreatedAt:      time.Now(),
	}
	if c.ConversationID == "" {
		c.ConversationID = NewID()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation (conversation_id, title, created_at) VALUES (?, ?, ?)`,
		c.ConversationID, c.Title, c.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// AppendTurn appends a turn and its citations in one transaction.
func (s *Store) AppendTurn(ctx context.Context, turn *ConversationTurn, citations []*ChatCitation) error {
	if turn.TurnID == "" {
		turn.TurnID = NewID()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	citationsJSON := string(turn.Citations)
	if citationsJSON == "" {
		citationsJSON = "[]"
	}
	evidenceJSON := string(turn.Evidence)
	if evidenceJSON == "" {
		evidenceJSON = "[]"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin turn append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_turn (turn_id, conversation_id, user_text, assistant_text, verdict, trace_id, citations_json, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.ConversationID, turn.UserText, turn.AssistantText, turn.Verdict,
		turn.TraceID, citationsJSON, evidenceJSON, turn.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	for _, c := range citations {
		if c.CitationID == "" {
			c.CitationID = NewID()
		}
		c.TurnID = turn.TurnID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_citation (citation_id, turn_id, memory_id, quote, span_start, span_end)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.CitationID, c.TurnID, c.MemoryID, c.Quote, c.SpanStart, c.SpanEnd); err != nil {
			return fmt.Errorf("failed to insert citation: %w", err)
		}
	}
	return tx.Commit()
}

// ListConversations returns conversation summaries, newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.conversation_id, c.title, c.created_at, COUNT(t.turn_id)
		 FROM conversation c LEFT JOIN conversation_turn t ON t.conversation_id = c.conversation_id
		 GROUP BY c.conversation_id ORDER BY c.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var created int64
		if err := rows.Scan(&c.ConversationID, &c.Title, &created, &c.TurnCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListTurns returns the ordered turns of a conversation.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]*ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, user_text, assistant_text, verdict, trace_id, citations_json, evidence_json, created_at
		 FROM conversation_turn WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []*ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		var created int64
		var citations, evidence string
		if err := rows.Scan(&t.TurnID, &t.ConversationID, &t.UserText, &t.AssistantText,
			&t.Verdict, &t.TraceID, &citations, &evidence, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.CreatedAt = time.UnixMilli(created)
		t.Citations = []byte(citations)
		t.Evidence = []byte(evidence)
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// LogSearchQuery appends a search history row.
func (s *Store) LogSearchQuery(ctx context.Context, q *SearchQuery) error {
	if q.SearchID == "" {
		q.SearchID = NewID()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if q.Filters == "" {
		q.Filters = "{}"
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO search_query (search_id, query_text, filters, result_count, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.SearchID, q.QueryText, q.Filters, q.ResultCount, q.TraceID, q.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to log search query: %w", err)
	}
	return nil
}

// ListSearchHistory returns recent search queries.
func (s *Store) ListSearchHistory(ctx context.Context, limit int) ([]*SearchQuery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT search_id, query_text, filters, result_count, trace_id, created_at
		 FROM search_query ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list search history: %w", err)
	}
	defer rows.Close()

	var out []*SearchQuery
	for rows.Next() {
		var q SearchQuery
		var created int64
		if err := rows.Scan(&q.SearchID, &q.QueryText, &q.Filters, &q.ResultCount, &q.TraceID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan search query: %w", err)
		}
		q.CreatedAt = time.UnixMilli(created)
		out = append(out, &q)
	}
	return out, rows.Err()
}
