package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "jobs.db"), time.Minute, opts...)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createJob(t *testing.T, store *Store, id string) *job.Job {
	t.Helper()
	record, err := store.Create(context.Background(), jobstore.CreateParams{
		ID:        id,
		Kind:      job.KindClip,
		SourceRef: "https://videos.example/watch?v=" + id,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return record
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createJob(t, store, "job-1")
	if created.Status != job.StatusPending {
		t.Fatalf("expected pending status, got %s", created.Status)
	}
	if created.Claim != nil {
		t.Fatalf("new job should carry no claim")
	}

	fetched, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if fetched.SourceRef != created.SourceRef {
		t.Fatalf("source ref mismatch: %q vs %q", fetched.SourceRef, created.SourceRef)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params jobstore.CreateParams
	}{
		{"empty id", jobstore.CreateParams{Kind: job.KindClip, SourceRef: "x"}},
		{"unknown kind", jobstore.CreateParams{ID: "a", Kind: "slideshow", SourceRef: "x"}},
		{"empty source", jobstore.CreateParams{ID: "a", Kind: job.KindClip}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Create(ctx, tc.params); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClaimExclusivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	const workers = 8
	results := make([]jobstore.ClaimResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = store.Claim(ctx, "job-1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: claim returned error: %v", i, errs[i])
		}
		if results[i].Claimed {
			winners++
			if results[i].LockToken == "" {
				t.Fatal("winning claim carries empty lock token")
			}
		} else if results[i].DeniedReason == "" {
			t.Fatalf("worker %d: denied claim carries no reason", i)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", winners)
	}
}

func TestClaimDeniedForTerminalJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	res, err := store.Claim(ctx, "job-1")
	if err != nil || !res.Claimed {
		t.Fatalf("initial claim failed: %v %+v", err, res)
	}
	if err := store.Complete(ctx, "job-1", res.LockToken, job.Result{OutputKey: "out/clip.mp4"}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	denied, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if denied.Claimed {
		t.Fatal("completed job must not be claimable")
	}
}

func TestExpiredClaimIsReclaimable(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()
	createJob(t, store, "job-1")

	first, err := store.Claim(ctx, "job-1")
	if err != nil || !first.Claimed {
		t.Fatalf("initial claim failed: %v %+v", err, first)
	}

	// A second worker within the TTL is denied.
	denied, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if denied.Claimed {
		t.Fatal("live claim must block a second worker")
	}

	// Past expiry the job becomes claimable again under a new token.
	current = current.Add(2 * time.Minute)
	second, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if !second.Claimed {
		t.Fatalf("expired claim should be reclaimable, denied: %s", second.DeniedReason)
	}
	if second.LockToken == first.LockToken {
		t.Fatal("reclaim must mint a fresh lock token")
	}

	// The superseded worker's writes are rejected.
	err = store.UpdateProgress(ctx, "job-1", first.LockToken, 10, "Downloading")
	if !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded for stale token, got %v", err)
	}
	err = store.Complete(ctx, "job-1", first.LockToken, job.Result{OutputKey: "out/clip.mp4"})
	if !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded on stale complete, got %v", err)
	}
}

func TestHeartbeatExtendsClaim(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()
	createJob(t, store, "job-1")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v %+v", err, claim)
	}

	// Renew just before expiry, then check the claim survives past the
	// original window.
	current = current.Add(50 * time.Second)
	if err := store.Heartbeat(ctx, "job-1", claim.LockToken); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	current = current.Add(40 * time.Second)
	denied, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if denied.Claimed {
		t.Fatal("renewed claim must still block other workers")
	}

	if err := store.Heartbeat(ctx, "job-1", "bogus-token"); !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded for bad token, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v %+v", err, claim)
	}

	if err := store.UpdateProgress(ctx, "job-1", claim.LockToken, 45, "Analyzing"); err != nil {
		t.Fatalf("UpdateProgress returned error: %v", err)
	}
	// A delayed lower update is dropped silently.
	if err := store.UpdateProgress(ctx, "job-1", claim.LockToken, 15, "Transcribing"); err != nil {
		t.Fatalf("lower progress update must not error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.ProgressPercent != 45 {
		t.Fatalf("progress regressed to %.0f", record.ProgressPercent)
	}
	if record.CurrentStep != "Analyzing" {
		t.Fatalf("step regressed to %q", record.CurrentStep)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v %+v", err, claim)
	}

	result := job.Result{
		OutputKey:   "clips/job-1/clip.mp4",
		ContentType: "video/mp4",
		DurationSec: 31.5,
		Degraded:    true,
	}
	if err := store.Complete(ctx, "job-1", claim.LockToken, result); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
	if record.ProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %.0f", record.ProgressPercent)
	}
	if !record.Degraded {
		t.Fatal("degraded flag lost")
	}
	if record.Claim != nil {
		t.Fatal("completed job should carry no claim")
	}
	decoded, err := job.DecodeResult(record.ResultJSON)
	if err != nil {
		t.Fatalf("DecodeResult returned error: %v", err)
	}
	if decoded.OutputKey != result.OutputKey || decoded.DurationSec != result.DurationSec {
		t.Fatalf("result round trip mismatch: %+v", decoded)
	}
}

func TestFailRecordsStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v %+v", err, claim)
	}
	if err := store.Fail(ctx, "job-1", claim.LockToken, "403: Private video", "download"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if record.FailedStage != "download" {
		t.Fatalf("failed stage %q", record.FailedStage)
	}
	if record.ErrorMessage == "" {
		t.Fatal("error message missing")
	}
}

func TestRetryFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")
	createJob(t, store, "job-2")

	for _, id := range []string{"job-1", "job-2"} {
		claim, err := store.Claim(ctx, id)
		if err != nil || !claim.Claimed {
			t.Fatalf("claim %s failed: %v", id, err)
		}
		if err := store.Fail(ctx, id, claim.LockToken, "boom", "render"); err != nil {
			t.Fatalf("Fail returned error: %v", err)
		}
	}

	count, err := store.RetryFailed(ctx, "job-1")
	if err != nil {
		t.Fatalf("RetryFailed returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 retried job, got %d", count)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != job.StatusPending || record.ErrorMessage != "" || record.FailedStage != "" {
		t.Fatalf("retry did not reset job: %+v", record)
	}

	count, err = store.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected remaining failed job retried, got %d", count)
	}
}

func TestNextClaimableOrdering(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	createJob(t, store, "job-1")
	current = current.Add(time.Second)
	createJob(t, store, "job-2")

	next, err := store.NextClaimable(ctx)
	if err != nil {
		t.Fatalf("NextClaimable returned error: %v", err)
	}
	if next == nil || next.ID != "job-1" {
		t.Fatalf("expected oldest job first, got %+v", next)
	}

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v", err)
	}
	next, err = store.NextClaimable(ctx)
	if err != nil {
		t.Fatalf("NextClaimable returned error: %v", err)
	}
	if next == nil || next.ID != "job-2" {
		t.Fatalf("claimed job must be skipped, got %+v", next)
	}
}

func TestSaveAndListArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.SaveArtifact(ctx, "job-1", claim.LockToken, job.ArtifactTranscript, `{"segments":[]}`); err != nil {
		t.Fatalf("SaveArtifact returned error: %v", err)
	}
	if err := store.SaveArtifact(ctx, "job-1", "stale-token", job.ArtifactEditPlan, "{}"); !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded for stale token, got %v", err)
	}

	artifacts, err := store.Artifacts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Artifacts returned error: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Kind != job.ArtifactTranscript {
		t.Fatalf("unexpected artifacts: %+v", artifacts)
	}
}

func TestListAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createJob(t, store, "job-1")
	createJob(t, store, "job-2")

	claim, err := store.Claim(ctx, "job-1")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.Complete(ctx, "job-1", claim.LockToken, job.Result{OutputKey: "k"}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	pending, err := store.List(ctx, job.StatusPending)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "job-2" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats[job.StatusPending] != 1 || stats[job.StatusCompleted] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReopenPreservesJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.db")
	ctx := context.Background()

	store, err := Open(path, time.Minute)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if _, err := store.Create(ctx, jobstore.CreateParams{ID: "job-1", Kind: job.KindGIF, SourceRef: "ref"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	reopened, err := Open(path, time.Minute)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer reopened.Close()
	record, err := reopened.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get after reopen returned error: %v", err)
	}
	if record.Kind != job.KindGIF {
		t.Fatalf("kind lost across reopen: %s", record.Kind)
	}
}
