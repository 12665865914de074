// Package jobs implements the background upload-processing runner: a
// fixed-size worker pool draining a FIFO in-process queue (spec §4.7),
// grounded on the teacher pack's channel-based worker pool idiom
// (Chris-Alexander-Pop-go-hyperforge's pkg/concurrency/worker_pool.go is
// a library file reached only via an internal replace directive, so its
// shape is reproduced here directly against stdlib sync/channels rather
// than imported).
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/brunobiangulo/pricebot/store"
)

// Task is one unit of background work: process the artefact behind a
// source document and run it through ingestion.
type Task struct {
	JobID            string
	SourceDocumentID string
}

// Handler does the actual processor-select + extract + ingest work for
// one task. A returned error marks the job failed; the runner does not
// touch the document, whose status the handler sets itself.
type Handler func(ctx context.Context, task Task) error

// ErrQueueFull is returned by Enqueue when the FIFO queue is at capacity.
var ErrQueueFull = errors.New("jobs: queue is full")

// Runner is a bounded worker pool consuming Tasks from an in-process FIFO
// queue (spec §4.7, §5). Enqueue never blocks; Dequeue (internal to the
// worker loop) blocks until a task is available or the runner stops.
type Runner struct {
	store         *store.Store
	handler       Handler
	queue         chan Task
	workers       int
	shutdownGrace time.Duration

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// NewRunner builds a Runner with the given worker count (0 means
// runtime.NumCPU(), spec §4.7's default parallelism), queue capacity, and
// shutdown grace period (spec §5 default 30s).
func NewRunner(s *store.Store, handler Handler, workers, queueSize int, shutdownGrace time.Duration) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if shutdownGrace <= 0 {
		shutdownGrace = 30 * time.Second
	}
	return &Runner{
		store:         s,
		handler:       handler,
		queue:         make(chan Task, queueSize),
		workers:       workers,
		shutdownGrace: shutdownGrace,
		stopped:       make(chan struct{}),
	}
}

// Start launches the worker pool. ctx cancellation stops workers from
// picking up new tasks; in-flight tasks still run to completion (bounded
// by Shutdown's grace deadline, not ctx).
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case task, ok := <-r.queue:
			if !ok {
				return
			}
			r.process(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue submits a task without blocking. Returns ErrQueueFull if the
// queue is at capacity (spec §5: "the queue's enqueue is non-blocking").
func (r *Runner) Enqueue(task Task) error {
	select {
	case r.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) process(ctx context.Context, task Task) {
	// A task already picked up keeps running after the runner's ctx is
	// cancelled; only Shutdown's grace period bounds the wait for it.
	ctx = context.WithoutCancel(ctx)
	log := slog.With("job_id", task.JobID, "document_id", task.SourceDocumentID)

	if err := r.store.UpdateIngestionJobStatus(ctx, task.JobID, "running", ""); err != nil {
		log.Error("marking job running", "error", err)
		return
	}
	log.Info("job started")

	err := r.handler(ctx, task)
	if err != nil {
		log.Error("job failed", "error", err)
		if uerr := r.store.UpdateIngestionJobStatus(ctx, task.JobID, "failed", err.Error()); uerr != nil {
			log.Error("marking job failed", "error", uerr)
		}
		return
	}

	log.Info("job succeeded")
	if uerr := r.store.UpdateIngestionJobStatus(ctx, task.JobID, "succeeded", ""); uerr != nil {
		log.Error("marking job succeeded", "error", uerr)
	}
}

// Shutdown closes the queue to new tasks and waits up to the configured
// grace period for in-flight workers to finish, then returns without
// waiting further; any still-running jobs are reconciled at next startup
// by Reconcile (spec §5: "aborted jobs remain running and are reconciled
// at next startup").
func (r *Runner) Shutdown() {
	r.once.Do(func() { close(r.queue) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.shutdownGrace):
		slog.Warn("job runner shutdown grace period exceeded; in-flight jobs left running")
	}
}

// Reconcile scans IngestionJob rows left in "running" by a crashed
// process and marks them (and their source documents, if not already
// terminal) failed. olderThan bounds which "running" jobs are considered
// orphaned versus genuinely in flight right now (spec §5, §4.12).
func (r *Runner) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	running, err := r.store.ListJobsByStatus(ctx, "running")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, j := range running {
		updatedAt, perr := parseStoreTimestamp(j.UpdatedAt)
		if perr == nil && updatedAt.After(cutoff) {
			continue
		}

		if err := r.store.UpdateIngestionJobStatus(ctx, j.ID, "failed", "aborted: orphaned by process restart"); err != nil {
			return n, err
		}

		if doc, derr := r.store.GetSourceDocument(ctx, j.SourceDocumentID); derr == nil {
			if doc.Status == "pending" || doc.Status == "processing" {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.store.UpdateSourceDocumentStatus(ctx, doc.ID, "failed", now); err != nil {
					return n, err
				}
			}
		}
		n++
	}
	return n, nil
}

func parseStoreTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
