package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vortrix5/echogarden/pkg/embedders"
	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

type fixture struct {
	store *storage.Store
	pool  *Pool
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := storage.Open(ctx, filepath.Join(dir, "eg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := vector.NewChromemProvider(vector.ChromemConfig{PersistPath: filepath.Join(dir, "vectors")})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	embedder := embedders.NewStubEmbedder(32)
	graphSvc := graph.NewService(store)

	registry := tools.NewRegistry(store, nil)
	registry.MustRegister(
		tools.NewDocParseTool(store),
		tools.NewOCRTool(store, tools.ModeStub, ""),
		tools.NewASRTool(store, tools.ModeStub, ""),
		tools.NewVisionEmbedTool(store, provider, tools.ModeStub, ""),
		tools.NewTextEmbedTool(embedder, provider),
		tools.NewSummarizerTool(nil),
		tools.NewExtractorTool(nil),
		tools.NewGraphBuilderTool(graphSvc),
	)

	orch := orchestrator.New(store, registry, nil, 20)
	return &fixture{
		store: store,
		pool:  NewPool(store, orch, nil, 1, maxAttempts),
	}
}

func (f *fixture) enqueueBlobJob(t *testing.T, name, content string) *storage.Job {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := f.store.UpsertSource(ctx, "filesystem", dir)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	blob := &storage.Blob{
		BlobID:    storage.NewID(),
		SHA256:    hex.EncodeToString(sum[:]),
		Path:      path,
		Mime:      "text/plain",
		SizeBytes: int64(len(content)),
		SourceID:  src.SourceID,
	}
	require.NoError(t, f.store.InsertBlob(ctx, blob))

	job, err := f.store.EnqueueJob(ctx, orchestrator.JobIngestBlob, orchestrator.IngestBlobPayload{
		BlobID:  blob.BlobID,
		SHA256:  blob.SHA256,
		Mime:    blob.Mime,
		TraceID: storage.NewID(),
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) lease(t *testing.T) *storage.Job {
	t.Helper()
	job, err := f.store.LeaseJob(context.Background(), jobTypes, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcessCompletesIngestBlobJob(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.enqueueBlobJob(t, "notes.txt", "Planted tomatoes in the garden today.")

	job := f.lease(t)
	f.pool.process(ctx, 0, job)

	got, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDone, got.Status)

	n, err := f.store.CountCards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessFailsUnknownJobType(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	_, err := f.store.EnqueueJob(ctx, "bogus", map[string]any{"x": 1})
	require.NoError(t, err)

	job, err := f.store.LeaseJob(ctx, []string{"bogus"}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	f.pool.process(ctx, 0, job)

	got, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRunTS.After(time.Now()))
	assert.Contains(t, got.ErrorText, "unknown job type")
}

func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.store.EnqueueJob(ctx, "bogus", map[string]any{"x": 2})
	require.NoError(t, err)

	job, err := f.store.LeaseJob(ctx, []string{"bogus"}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	f.pool.process(ctx, 0, job)

	got, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDead, got.Status)
}

func TestProcessFailsOnMissingBlob(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	_, err := f.store.EnqueueJob(ctx, orchestrator.JobIngestBlob, orchestrator.IngestBlobPayload{
		BlobID:  "missing",
		TraceID: storage.NewID(),
	})
	require.NoError(t, err)

	job := f.lease(t)
	f.pool.process(ctx, 0, job)

	got, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobError, got.Status)
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, 5)
	job := &storage.Job{
		JobID:   storage.NewID(),
		Type:    orchestrator.JobIngestBlob,
		Payload: json.RawMessage(`{"blob_id": 42`),
	}
	err := f.pool.dispatch(context.Background(), job, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestRunDrainsQueuedJob(t *testing.T) {
	f := newFixture(t, 5)
	f.enqueueBlobJob(t, "draft.md", "Sketched the pergola layout.")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := f.store.CountJobsByStatus(context.Background())
		return err == nil && counts[storage.JobDone] == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
