// Package worker drains the job queue. Each worker leases one job at a
// time and hands it to the orchestrator; failures go back to the queue
// with backoff until the attempt budget is spent.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

const (
	defaultWorkers     = 2
	defaultMaxAttempts = 5
	idleSleep          = 500 * time.Millisecond
)

// jobTypes lists what this pool knows how to run, in lease priority
// order.
var jobTypes = []string{orchestrator.JobIngestBlob, orchestrator.JobIngestCapture}

// Pool runs N concurrent job loops over the shared queue.
type Pool struct {
	store       *storage.Store
	orch        *orchestrator.Orchestrator
	metrics     *observability.Metrics
	workers     int
	maxAttempts int
	logger      *slog.Logger
}

// NewPool creates a worker pool. workers or maxAttempts <= 0 fall back
// to the defaults.
func NewPool(store *storage.Store, orch *orchestrator.Orchestrator, metrics *observability.Metrics, workers, maxAttempts int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Pool{
		store:       store,
		orch:        orch,
		metrics:     metrics,
		workers:     workers,
		maxAttempts: maxAttempts,
		logger:      logger.GetLogger("worker"),
	}
}

// Run blocks until ctx is cancelled. A worker finishes the job it holds
// before exiting, so shutdown drains in-flight work.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	p.logger.Info("Worker pool started", "workers", p.workers)
	g.Wait()
	p.logger.Info("Worker pool stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.LeaseJob(ctx, jobTypes, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Lease failed", "worker", id, "error", err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		p.process(ctx, id, job)
	}
}

// process runs one leased job and settles its queue state. Bookkeeping
// writes use a detached context so a shutdown mid-job still releases the
// lease.
func (p *Pool) process(ctx context.Context, id int, job *storage.Job) {
	attempt := job.Attempts + 1
	err := p.dispatch(ctx, job, attempt)

	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		p.logger.Warn("Job failed", "worker", id, "job_id", job.JobID, "type", job.Type,
			"attempt", attempt, "error", err)
		if ferr := p.store.FailJob(settleCtx, job.JobID, err.Error(), p.maxAttempts); ferr != nil {
			p.logger.Error("Failed to record job failure", "job_id", job.JobID, "error", ferr)
		}
		p.metrics.RecordJob(settleCtx, job.Type, false)
		return
	}

	if cerr := p.store.CompleteJob(settleCtx, job.JobID); cerr != nil {
		p.logger.Error("Failed to complete job", "job_id", job.JobID, "error", cerr)
	}
	p.metrics.RecordJob(settleCtx, job.Type, true)
	p.logger.Debug("Job done", "worker", id, "job_id", job.JobID, "type", job.Type, "attempt", attempt)
}

func (p *Pool) dispatch(ctx context.Context, job *storage.Job, attempt int) error {
	switch job.Type {
	case orchestrator.JobIngestBlob:
		var payload orchestrator.IngestBlobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed ingest_blob payload: %w", err)
		}
		_, err := p.orch.IngestBlob(ctx, payload, attempt)
		return err
	case orchestrator.JobIngestCapture:
		var payload orchestrator.IngestCapturePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed ingest_capture payload: %w", err)
		}
		return p.orch.IngestCapture(ctx, payload, attempt)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
