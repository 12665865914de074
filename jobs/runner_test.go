//go:build cgo

package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/pricebot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDocJob(t *testing.T, s *store.Store) (docID, jobID string) {
	t.Helper()
	ctx := context.Background()
	docID = uuid.NewString()
	if err := s.InsertSourceDocument(ctx, store.SourceDocument{
		ID: docID, OriginalFilename: "f.csv", DeclaredFileType: "csv",
		StorageURI: "/tmp/f.csv", IngestStartedAt: time.Now().UTC().Format(time.RFC3339), Status: "pending",
	}); err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	jobID = uuid.NewString()
	if err := s.InsertIngestionJob(ctx, store.IngestionJob{
		ID: jobID, SourceDocumentID: docID, Status: "queued",
	}); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	return docID, jobID
}

func TestRunnerProcessesSucceedingTask(t *testing.T) {
	s := newTestStore(t)
	docID, jobID := seedDocJob(t, s)

	var handled int32
	r := NewRunner(s, func(ctx context.Context, task Task) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}, 2, 8, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(Task{JobID: jobID, SourceDocumentID: docID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r.Shutdown()

	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("expected handler to run once, got %d", handled)
	}

	job, err := s.GetIngestionJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if job.Status != "succeeded" {
		t.Fatalf("expected job succeeded, got %s", job.Status)
	}
}

func TestRunnerMarksFailedJobOnHandlerError(t *testing.T) {
	s := newTestStore(t)
	docID, jobID := seedDocJob(t, s)

	r := NewRunner(s, func(ctx context.Context, task Task) error {
		return errors.New("boom")
	}, 1, 8, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(Task{JobID: jobID, SourceDocumentID: docID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r.Shutdown()

	job, err := s.GetIngestionJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if job.Status != "failed" {
		t.Fatalf("expected job failed, got %s", job.Status)
	}
	if job.Logs != "boom" {
		t.Fatalf("expected logs to carry handler error, got %q", job.Logs)
	}
}

func TestEnqueueReturnsErrWhenQueueFull(t *testing.T) {
	s := newTestStore(t)
	block := make(chan struct{})
	r := NewRunner(s, func(ctx context.Context, task Task) error {
		<-block
		return nil
	}, 1, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, job1 := seedDocJob(t, s)
	_, job2 := seedDocJob(t, s)
	_, job3 := seedDocJob(t, s)

	if err := r.Enqueue(Task{JobID: job1}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// Give the single worker a moment to pick up job1, leaving the queue
	// free for exactly one more before it fills.
	time.Sleep(20 * time.Millisecond)
	if err := r.Enqueue(Task{JobID: job2}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := r.Enqueue(Task{JobID: job3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	r.Shutdown()
}

func TestReconcileMarksOrphanedRunningJobsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, jobID := seedDocJob(t, s)

	if err := s.UpdateSourceDocumentStatus(ctx, docID, "processing", ""); err != nil {
		t.Fatalf("marking document processing: %v", err)
	}
	if err := s.UpdateIngestionJobStatus(ctx, jobID, "running", ""); err != nil {
		t.Fatalf("marking job running: %v", err)
	}

	r := NewRunner(s, func(ctx context.Context, task Task) error { return nil }, 1, 1, time.Second)

	n, err := r.Reconcile(ctx, -time.Hour) // negative window: everything "running" looks orphaned
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled job, got %d", n)
	}

	job, err := s.GetIngestionJob(ctx, jobID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if job.Status != "failed" {
		t.Fatalf("expected job failed after reconcile, got %s", job.Status)
	}

	doc, err := s.GetSourceDocument(ctx, docID)
	if err != nil {
		t.Fatalf("getting document: %v", err)
	}
	if doc.Status != "failed" {
		t.Fatalf("expected document failed after reconcile, got %s", doc.Status)
	}
}
