package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not re-run or fail migrations.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	s.Close()
}

func TestCardIdempotencyByBlobAndTrace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	card := &MemoryCard{
		Summary:     "a summary",
		ContentText: "full text",
		BlobID:      "blob-1",
		TraceID:     "trace-1",
	}
	id1, err := s.UpsertCard(ctx, card)
	require.NoError(t, err)

	dup := &MemoryCard{
		Summary:     "different summary",
		ContentText: "different text",
		BlobID:      "blob-1",
		TraceID:     "trace-1",
	}
	id2, err := s.UpsertCard(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := s.CountCards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A new trace over the same blob creates a new card.
	fresh := &MemoryCard{BlobID: "blob-1", TraceID: "trace-2", Summary: "retry"}
	id3, err := s.UpsertCard(ctx, fresh)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestCardFTSCoupling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertCard(ctx, &MemoryCard{
		Summary:     "EchoGarden is a local-first knowledge garden",
		ContentText: "it stores memory cards",
	})
	require.NoError(t, err)
	_, err = s.UpsertCard(ctx, &MemoryCard{
		Summary:     "grocery list",
		ContentText: "milk and eggs",
	})
	require.NoError(t, err)

	hits, err := s.SearchCardsFTS(ctx, "knowledge garden", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Greater(t, hits[0].Score, 0.0)

	// punctuation-heavy queries must not break the match expression
	_, err = s.SearchCardsFTS(ctx, `"quoted" AND (weird) -syntax:`, 10)
	assert.NoError(t, err)
}

func TestJobEnqueueDedupsActiveDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := map[string]any{"blob_id": "b1"}
	j1, err := s.EnqueueJob(ctx, "ingest_blob", payload)
	require.NoError(t, err)
	j2, err := s.EnqueueJob(ctx, "ingest_blob", payload)
	require.NoError(t, err)
	assert.Equal(t, j1.JobID, j2.JobID)
}

func TestJobLeaseFailBackoffAndDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job, err := s.EnqueueJob(ctx, "ingest_blob", map[string]any{"blob_id": "b1"})
	require.NoError(t, err)

	leased, err := s.LeaseJob(ctx, []string{"ingest_blob"}, now)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.JobID, leased.JobID)
	assert.Equal(t, JobRunning, leased.Status)

	// Running job is not leasable again.
	again, err := s.LeaseJob(ctx, []string{"ingest_blob"}, now)
	require.NoError(t, err)
	assert.Nil(t, again)

	// First failure: backoff 60s, status error.
	require.NoError(t, s.FailJob(ctx, job.JobID, "boom", 5))
	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.WithinDuration(t, now.Add(60*time.Second), got.NextRunTS, 5*time.Second)

	// Not due yet.
	notDue, err := s.LeaseJob(ctx, []string{"ingest_blob"}, now)
	require.NoError(t, err)
	assert.Nil(t, notDue)

	// Due after the backoff window.
	due, err := s.LeaseJob(ctx, []string{"ingest_blob"}, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, due)

	// Exhaust attempts: dead-letter.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.FailJob(ctx, job.JobID, "boom", 5))
	}
	got, err = s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobDead, got.Status)
	assert.Equal(t, 5, got.Attempts)
}

func TestBackoffCapsAtOneHour(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Minute, backoffFor(2))
	assert.Equal(t, 16*time.Minute, backoffFor(5))
	assert.Equal(t, time.Hour, backoffFor(7))
	assert.Equal(t, time.Hour, backoffFor(20))
}

func TestJobFIFOWithinType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueJob(ctx, "ingest_blob", map[string]any{"n": 1})
	require.NoError(t, err)
	// created_ts has millisecond resolution; space the inserts out
	time.Sleep(5 * time.Millisecond)
	_, err = s.EnqueueJob(ctx, "ingest_blob", map[string]any{"n": 2})
	require.NoError(t, err)

	leased, err := s.LeaseJob(ctx, []string{"ingest_blob"}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, first.JobID, leased.JobID)
}

func TestGraphUpsertIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	nodes := []*GraphNode{
		{NodeID: "ent:alpha", NodeType: "Topic", Props: map[string]any{"label": "Alpha"}},
		{NodeID: "ent:beta", NodeType: "Topic", Props: map[string]any{"label": "Beta"}},
	}
	_, err := s.UpsertGraphNodes(ctx, nodes)
	require.NoError(t, err)
	_, err = s.UpsertGraphNodes(ctx, nodes)
	require.NoError(t, err)

	n, _, err := s.CountGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGraphEdgeWeightOnlyIncreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertGraphNodes(ctx, []*GraphNode{
		{NodeID: "ent:a", NodeType: "Topic"},
		{NodeID: "ent:b", NodeType: "Topic"},
	})
	require.NoError(t, err)

	edge := &GraphEdge{EdgeID: "e1", From: "ent:a", To: "ent:b", EdgeType: "RELATED_TO", Weight: 0.6}
	_, err = s.UpsertGraphEdges(ctx, []*GraphEdge{edge})
	require.NoError(t, err)

	// Lower weight re-upsert must not lower the stored weight.
	lower := &GraphEdge{EdgeID: "e1", From: "ent:a", To: "ent:b", EdgeType: "RELATED_TO", Weight: 0.2}
	_, err = s.UpsertGraphEdges(ctx, []*GraphEdge{lower})
	require.NoError(t, err)

	edges, err := s.FetchEdges(ctx, []string{"ent:a"}, EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.6, edges[0].Weight, 1e-9)

	// Weight over 1 is capped.
	over := &GraphEdge{EdgeID: "e1", From: "ent:a", To: "ent:b", EdgeType: "RELATED_TO", Weight: 1.5}
	_, err = s.UpsertGraphEdges(ctx, []*GraphEdge{over})
	require.NoError(t, err)
	edges, err = s.FetchEdges(ctx, []string{"ent:a"}, EdgeFilter{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, edges[0].Weight, 1e-9)
}

func TestGraphEdgeRequiresEndpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertGraphEdges(ctx, []*GraphEdge{
		{EdgeID: "e1", From: "ent:ghost", To: "ent:ghost2", EdgeType: "RELATED_TO", Weight: 0.5},
	})
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestExecTraceAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tr, err := s.CreateTrace(ctx, "", map[string]any{"kind": "ingest"})
	require.NoError(t, err)
	require.NoError(t, s.FinishTrace(ctx, tr.TraceID, TraceOK))

	// Second finish must not overwrite the first.
	require.NoError(t, s.FinishTrace(ctx, tr.TraceID, TraceError))
	got, err := s.GetTrace(ctx, tr.TraceID)
	require.NoError(t, err)
	assert.Equal(t, TraceOK, got.Status)
	assert.NotNil(t, got.FinishedTS)
}

func TestExecNodesAndEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tr, err := s.CreateTrace(ctx, "", nil)
	require.NoError(t, err)

	n1 := &ExecNode{TraceID: tr.TraceID, ToolName: "doc_parse", State: NodeRunning, TimeoutMS: 15000}
	require.NoError(t, s.CreateExecNode(ctx, n1))
	require.NoError(t, s.UpdateExecNodeStatus(ctx, n1.ExecNodeID, NodeOK, "call-1", ""))

	n2 := &ExecNode{TraceID: tr.TraceID, ToolName: "summarizer", State: NodeRunning, TimeoutMS: 10000}
	require.NoError(t, s.CreateExecNode(ctx, n2))
	require.NoError(t, s.CreateExecEdge(ctx, n1.ExecNodeID, n2.ExecNodeID, EdgeOnOK))
	require.NoError(t, s.UpdateExecNodeStatus(ctx, n2.ExecNodeID, NodeError, "call-2", "llm down"))

	nodes, err := s.ListExecNodes(ctx, tr.TraceID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeOK, nodes[0].State)
	assert.Equal(t, NodeError, nodes[1].State)
	assert.Equal(t, "llm down", nodes[1].ErrorText)
	assert.NotNil(t, nodes[0].FinishedTS)

	edges, err := s.ListExecEdges(ctx, tr.TraceID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeOnOK, edges[0].Condition)
}

func TestDeleteCardCascadesAndGCsEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	memID, err := s.UpsertCard(ctx, &MemoryCard{Summary: "s", ContentText: "c"})
	require.NoError(t, err)
	require.NoError(t, s.InsertEmbedding(ctx, &Embedding{MemoryID: memID, Modality: "text", VectorRef: "v1"}))

	_, err = s.UpsertGraphNodes(ctx, []*GraphNode{
		{NodeID: "mem:" + memID, NodeType: "MemoryCard"},
		{NodeID: "ent:orphan", NodeType: "Topic"},
	})
	require.NoError(t, err)
	_, err = s.UpsertGraphEdges(ctx, []*GraphEdge{
		{EdgeID: "e1", From: "mem:" + memID, To: "ent:orphan", EdgeType: "MENTIONS", Weight: 0.5},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteCard(ctx, memID))

	_, err = s.GetCard(ctx, memID)
	assert.ErrorIs(t, err, ErrNotFound)
	embs, err := s.ListEmbeddings(ctx, memID)
	require.NoError(t, err)
	assert.Empty(t, embs)

	nodes, edges, err := s.CountGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, nodes) // entity with no remaining edges is collected
	assert.Equal(t, 0, edges)
}

func TestConversationsAndCitations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.EnsureConversation(ctx, "", "about gardens")
	require.NoError(t, err)

	turn := &ConversationTurn{
		ConversationID: conv.ConversationID,
		UserText:       "what is echogarden?",
		AssistantText:  "a knowledge garden [m1]",
		Verdict:        "pass",
	}
	require.NoError(t, s.AppendTurn(ctx, turn, []*ChatCitation{
		{MemoryID: "m1", Quote: "a knowledge garden"},
	}))

	turns, err := s.ListTurns(ctx, conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "pass", turns[0].Verdict)

	convs, err := s.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].TurnCount)
}

func TestSearchHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogSearchQuery(ctx, &SearchQuery{QueryText: "gardens", ResultCount: 3}))
	hist, err := s.ListSearchHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "gardens", hist[0].QueryText)
}

func TestFileStateUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fs, err := s.GetFileState(ctx, "/watch/a.txt")
	require.NoError(t, err)
	assert.Nil(t, fs)

	require.NoError(t, s.UpsertFileState(ctx, &FileState{
		Path: "/watch/a.txt", MtimeNS: 100, SizeBytes: 10, SHA256: "abc",
	}))
	require.NoError(t, s.UpsertFileState(ctx, &FileState{
		Path: "/watch/a.txt", MtimeNS: 200, SizeBytes: 12, SHA256: "def",
	}))

	fs, err = s.GetFileState(ctx, "/watch/a.txt")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, int64(200), fs.MtimeNS)
	assert.Equal(t, "def", fs.SHA256)

	n, err := s.CountFileStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBlobFindBySHA(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, err := s.UpsertSource(ctx, "filesystem", "watch:/tmp/inbox")
	require.NoError(t, err)

	b := &Blob{SHA256: "abc", Path: "/tmp/inbox/a.txt", Mime: "text/plain", SizeBytes: 5, SourceID: src.SourceID}
	require.NoError(t, s.InsertBlob(ctx, b))

	found, err := s.FindBlobBySHA(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, b.BlobID, found.BlobID)

	_, err = s.FindBlobBySHA(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
