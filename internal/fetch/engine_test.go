package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clipforge/internal/errclass"
	"clipforge/internal/identity"
)

type scriptedRunner struct {
	attempts []Attempt
	script   func(attempt int) (Result, error)
	onRun    func(attempt Attempt)
}

func (r *scriptedRunner) Run(_ context.Context, attempt Attempt) (Result, error) {
	if r.onRun != nil {
		r.onRun(attempt)
	}
	r.attempts = append(r.attempts, attempt)
	return r.script(len(r.attempts))
}

func newTestEngine(runner Runner, routes []identity.Route) *Engine {
	return NewEngine(Options{
		Rotator:      identity.NewRotator(routes),
		Policy:       errclass.NewPolicy(2, 4),
		Runner:       runner,
		AttemptDelay: time.Millisecond,
		RouteDelay:   time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
}

func TestFetchSucceedsFirstAttempt(t *testing.T) {
	runner := &scriptedRunner{script: func(int) (Result, error) {
		return Result{Path: "/tmp/source.mp4", Metadata: Metadata{Title: "ok"}}, nil
	}}
	engine := newTestEngine(runner, nil)

	result, err := engine.Fetch(context.Background(), "https://example.com/v/1", "1080", t.TempDir())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Path != "/tmp/source.mp4" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(runner.attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(runner.attempts))
	}
	if runner.attempts[0].Constraint != ConstraintStrict {
		t.Fatalf("first phase must use strict constraints, got %v", runner.attempts[0].Constraint)
	}
}

func TestFetchPermanentShortCircuits(t *testing.T) {
	runner := &scriptedRunner{script: func(int) (Result, error) {
		return Result{}, errors.New("ERROR: Private video")
	}}
	engine := newTestEngine(runner, []identity.Route{{Name: "direct"}, {Name: "proxy-a"}})

	_, err := engine.Fetch(context.Background(), "https://example.com/v/2", "", t.TempDir())
	if err == nil {
		t.Fatal("expected error")
	}
	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fetchErr.Class != errclass.Permanent {
		t.Fatalf("class = %v, want permanent", fetchErr.Class)
	}
	if len(runner.attempts) != 1 {
		t.Fatalf("permanent error must stop after 1 attempt, got %d", len(runner.attempts))
	}
	if fetchErr.Attempts != 1 {
		t.Fatalf("error reports %d attempts, want 1", fetchErr.Attempts)
	}
}

func TestFetchPhaseEscalation(t *testing.T) {
	// One route: phase 1 tries 3 primary strategies, phase 2 tries all 5
	// profiles, phase 3 succeeds on its first attempt: 9 attempts total.
	const wantAttempts = 9
	runner := &scriptedRunner{}
	runner.script = func(attempt int) (Result, error) {
		if attempt < wantAttempts {
			return Result{}, errors.New("HTTP Error 429: Too Many Requests")
		}
		return Result{Path: "/tmp/source.webm"}, nil
	}
	engine := newTestEngine(runner, []identity.Route{{Name: "direct"}})

	result, err := engine.Fetch(context.Background(), "https://example.com/v/3", "720", t.TempDir())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Path != "/tmp/source.webm" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(runner.attempts) != wantAttempts {
		t.Fatalf("expected %d attempts, got %d", wantAttempts, len(runner.attempts))
	}
	final := runner.attempts[len(runner.attempts)-1]
	if final.Constraint != ConstraintAny {
		t.Fatalf("phase 3 must be maximally permissive, got %v", final.Constraint)
	}
}

func TestFetchRotatesIdentityOnBlocking(t *testing.T) {
	runner := &scriptedRunner{}
	runner.script = func(attempt int) (Result, error) {
		if attempt == 1 {
			return Result{}, errors.New("sign in to confirm you're not a bot")
		}
		return Result{Path: "/tmp/out"}, nil
	}
	engine := newTestEngine(runner, nil)

	if _, err := engine.Fetch(context.Background(), "https://example.com/v/4", "", t.TempDir()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(runner.attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(runner.attempts))
	}
	first, second := runner.attempts[0].Identity, runner.attempts[1].Identity
	if first.SessionID == second.SessionID {
		t.Fatal("blocking error must abandon the flagged identity")
	}
}

func TestFetchRetriesInfraOnSameIdentity(t *testing.T) {
	runner := &scriptedRunner{}
	runner.script = func(attempt int) (Result, error) {
		if attempt == 1 {
			return Result{}, errors.New("HTTP Error 503: Service Unavailable")
		}
		return Result{Path: "/tmp/out"}, nil
	}
	engine := newTestEngine(runner, nil)

	if _, err := engine.Fetch(context.Background(), "https://example.com/v/5", "", t.TempDir()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(runner.attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(runner.attempts))
	}
	if runner.attempts[0].Identity.SessionID != runner.attempts[1].Identity.SessionID {
		t.Fatal("infrastructure retry must keep the same identity")
	}
}

func TestFetchCleansPartialArtifacts(t *testing.T) {
	destDir := t.TempDir()
	leftover := filepath.Join(destDir, "source.mp4.part")

	runner := &scriptedRunner{}
	runner.onRun = func(Attempt) {
		if _, err := os.Stat(leftover); !os.IsNotExist(err) {
			t.Errorf("partial artifact survived into attempt: %v", err)
		}
		// Simulate a partially written download on every failing attempt.
		if err := os.WriteFile(leftover, []byte("partial"), 0o644); err != nil {
			t.Fatalf("write leftover: %v", err)
		}
	}
	runner.script = func(attempt int) (Result, error) {
		if attempt < 3 {
			return Result{}, errors.New("HTTP Error 429: Too Many Requests")
		}
		return Result{Path: filepath.Join(destDir, "source.mp4")}, nil
	}
	engine := newTestEngine(runner, nil)

	if _, err := engine.Fetch(context.Background(), "https://example.com/v/6", "", destDir); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(runner.attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(runner.attempts))
	}
}

func TestFetchExhaustionReportsRoutes(t *testing.T) {
	runner := &scriptedRunner{script: func(int) (Result, error) {
		return Result{}, errors.New("HTTP Error 429: Too Many Requests")
	}}
	engine := newTestEngine(runner, []identity.Route{{Name: "direct"}, {Name: "proxy-a"}, {Name: "proxy-b"}})

	_, err := engine.Fetch(context.Background(), "https://example.com/v/7", "", t.TempDir())
	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if fetchErr.Class != errclass.TransientBlock {
		t.Fatalf("class = %v, want transient_block", fetchErr.Class)
	}
	// Phase 1 touches every route; phases 2 and 3 only the top two.
	want := []string{"direct", "proxy-a", "proxy-b"}
	if len(fetchErr.RoutesTried) != len(want) {
		t.Fatalf("routes tried = %v, want %v", fetchErr.RoutesTried, want)
	}
	for i, name := range want {
		if fetchErr.RoutesTried[i] != name {
			t.Fatalf("routes tried = %v, want %v", fetchErr.RoutesTried, want)
		}
	}
	if fetchErr.Attempts != len(runner.attempts) {
		t.Fatalf("error attempts %d != runner attempts %d", fetchErr.Attempts, len(runner.attempts))
	}
}

func TestFetchUnknownBudgetCapsAttempts(t *testing.T) {
	runner := &scriptedRunner{script: func(int) (Result, error) {
		return Result{}, errors.New("some novel failure mode")
	}}
	engine := newTestEngine(runner, nil)

	_, err := engine.Fetch(context.Background(), "https://example.com/v/8", "", t.TempDir())
	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fetchErr.Class != errclass.Unknown {
		t.Fatalf("class = %v, want unknown", fetchErr.Class)
	}
	if len(runner.attempts) != 4 {
		t.Fatalf("unknown budget of 4 should stop after 4 attempts, got %d", len(runner.attempts))
	}
}
