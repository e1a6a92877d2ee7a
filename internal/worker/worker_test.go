package worker

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
	"clipforge/internal/jobstore/sqlite"
	"clipforge/internal/logging"
	"clipforge/internal/services"
	"clipforge/internal/testsupport"
)

type recordingRunner struct {
	runs      atomic.Int32
	workDirs  chan string
	result    error
	ctxJobID  string
	requestID string
}

func (r *recordingRunner) Run(ctx context.Context, record *job.Job, lockToken, workDir string) error {
	r.runs.Add(1)
	r.ctxJobID, _ = services.JobIDFromContext(ctx)
	r.requestID, _ = services.RequestIDFromContext(ctx)
	if r.workDirs != nil {
		select {
		case r.workDirs <- workDir:
		default:
		}
	}
	return r.result
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	return testsupport.MustOpenStore(t, testsupport.NewConfig(t))
}

func newTestWorker(t *testing.T, store jobstore.Store, runner JobRunner) *Worker {
	t.Helper()
	w, err := New(Options{
		Store:              store,
		Runner:             runner,
		Logger:             logging.NewNop(),
		ScratchRoot:        t.TempDir(),
		PollInterval:       10 * time.Millisecond,
		ErrorRetryInterval: 10 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return w
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Options{Store: newTestStore(t)}); err == nil {
		t.Fatal("expected error without runner")
	}
}

func TestWorkerClaimsAndRunsJob(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testsupport.SeedJob(t, store, "job-1", job.KindClip)

	runner := &recordingRunner{workDirs: make(chan string, 1)}
	w := newTestWorker(t, store, runner)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var workDir string
	select {
	case workDir = <-runner.workDirs:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never ran the job")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if runner.runs.Load() == 0 {
		t.Fatal("runner never invoked")
	}
	// The job context carries the job id and a correlation id for the
	// runner, the heartbeat, and every collaborator call downstream.
	if runner.ctxJobID != "job-1" {
		t.Errorf("context job id = %q, want job-1", runner.ctxJobID)
	}
	if runner.requestID == "" {
		t.Error("context carries no correlation id")
	}
	// The scratch directory is removed after the job finishes.
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s not cleaned up: %v", workDir, err)
	}

	// The claim was actually taken in the store.
	record, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if record.Status != job.StatusProcessing {
		t.Errorf("job status = %s, want processing under a live claim", record.Status)
	}
}

func TestWorkerIdlesOnEmptyQueue(t *testing.T) {
	store := newTestStore(t)
	runner := &recordingRunner{}
	w := newTestWorker(t, store, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
	if runner.runs.Load() != 0 {
		t.Errorf("runner invoked %d times on empty queue", runner.runs.Load())
	}
}

func TestWorkerSkipsJobsClaimedElsewhere(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	testsupport.SeedJob(t, store, "job-1", job.KindClip)
	// Another worker holds the claim already.
	other, err := store.Claim(ctx, "job-1")
	if err != nil || !other.Claimed {
		t.Fatalf("pre-claim failed: %v", err)
	}

	runner := &recordingRunner{}
	w := newTestWorker(t, store, runner)

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	if runner.runs.Load() != 0 {
		t.Errorf("runner invoked for a job claimed elsewhere")
	}
}

func TestWorkerSurvivesRunnerErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2"} {
		testsupport.SeedJob(t, store, id, job.KindClip)
	}

	runner := &recordingRunner{result: errors.New("stage blew up")}
	w := newTestWorker(t, store, runner)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	if runner.runs.Load() < 2 {
		t.Errorf("worker stopped after a runner error, ran %d jobs", runner.runs.Load())
	}
}
