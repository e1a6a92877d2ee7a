// Package pipeline drives a claimed job through its staged lifecycle:
// download, transcribe, analyze, render, upload. Progress is persisted at
// every stage boundary under the claim's lock token, so a superseded worker
// finds out at its next store write and stops silently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clipforge/internal/errclass"
	"clipforge/internal/job"
	"clipforge/internal/jobstore"
	"clipforge/internal/logging"
	"clipforge/internal/services"
)

const defaultRetryDelay = 2 * time.Second

// StageError reports which stage terminally failed a job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner executes the stage sequence for one claimed job at a time.
type Runner struct {
	store        jobstore.Store
	deps         Deps
	logger       *slog.Logger
	stageTimeout time.Duration
	retryDelay   time.Duration
	sleep        func(context.Context, time.Duration) error
}

// RunnerOptions configures runner construction.
type RunnerOptions struct {
	Store jobstore.Store
	Deps  Deps
	Logger *slog.Logger
	// StageTimeout bounds a single stage attempt when it is tighter than
	// the stage's own MaxDuration. Zero defers to the stage declarations.
	StageTimeout time.Duration
	RetryDelay   time.Duration
	// Sleep overrides the inter-attempt delay; tests inject a no-op.
	Sleep func(context.Context, time.Duration) error
}

// NewRunner constructs a pipeline runner.
func NewRunner(opts RunnerOptions) *Runner {
	runner := &Runner{
		store:        opts.Store,
		deps:         opts.Deps,
		logger:       logging.NewComponentLogger(opts.Logger, "pipeline"),
		stageTimeout: opts.StageTimeout,
		retryDelay:   opts.RetryDelay,
		sleep:        opts.Sleep,
	}
	if runner.retryDelay <= 0 {
		runner.retryDelay = defaultRetryDelay
	}
	if runner.sleep == nil {
		runner.sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return runner
}

// Run drives a claimed job to a terminal state. It returns nil when the job
// completed, jobstore.ErrClaimSuperseded when another worker took over (the
// job is left alone), and a *StageError when a stage terminally failed (the
// job is already marked failed in the store).
func (r *Runner) Run(ctx context.Context, record *job.Job, lockToken, workDir string) error {
	ctx = services.WithJobID(ctx, record.ID)
	logger := logging.WithContext(ctx, r.logger).With(
		logging.String(logging.FieldJobKind, string(record.Kind)),
	)

	state := &State{Job: record, LockToken: lockToken, WorkDir: workDir}
	saver := func(ctx context.Context, kind job.ArtifactKind, payload string) error {
		return r.store.SaveArtifact(ctx, record.ID, lockToken, kind, payload)
	}
	stages := StagesFor(record.Kind, r.deps, saver)
	if err := validateStages(stages); err != nil {
		return r.failJob(ctx, state, stages[0].Name, err)
	}

	for _, stage := range stages {
		stageCtx := services.WithStage(ctx, stage.Name)
		stageLogger := logging.WithContext(stageCtx, r.logger).With(
			logging.String(logging.FieldJobKind, string(record.Kind)),
		)
		if err := r.persistProgress(stageCtx, state, stage.StartPercent, stepLabel(stage.Name)); err != nil {
			return err
		}
		if stage.Precheck != nil {
			if err := stage.Precheck(state); err != nil {
				return r.failJob(stageCtx, state, stage.Name, err)
			}
		}

		err := r.runStage(stageCtx, stageLogger, stage, state)
		if err != nil {
			if errors.Is(err, jobstore.ErrClaimSuperseded) {
				stageLogger.Info("claim superseded, stopping silently")
				return jobstore.ErrClaimSuperseded
			}
			if stage.OnExhausted == ExhaustSkip {
				stageLogger.Warn("stage exhausted, continuing degraded",
					logging.Error(err),
					logging.String(logging.FieldErrorClass, string(errclass.Classify(err))))
				state.markDegraded()
				continue
			}
			return r.failJob(stageCtx, state, stage.Name, err)
		}

		if err := r.persistProgress(stageCtx, state, stage.EndPercent, stepLabel(stage.Name)); err != nil {
			return err
		}
	}

	if err := r.store.Complete(ctx, record.ID, lockToken, state.Result); err != nil {
		if errors.Is(err, jobstore.ErrClaimSuperseded) {
			logger.Info("claim superseded at completion, discarding result")
			return jobstore.ErrClaimSuperseded
		}
		return fmt.Errorf("record completion: %w", err)
	}
	logger.Info("job completed",
		logging.String("output_key", state.Result.OutputKey),
		logging.Bool("degraded", state.Result.Degraded))
	return nil
}

// runStage retries transient failures in place. Permanent and validation
// failures exhaust the stage immediately, whatever the attempt budget.
func (r *Runner) runStage(ctx context.Context, logger *slog.Logger, stage Stage, state *State) error {
	maxAttempts := stage.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.runAttempt(ctx, stage, state)
		if err == nil {
			return nil
		}
		if errors.Is(err, jobstore.ErrClaimSuperseded) || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, errStageStalled) {
			logger.Error("stage stalled", logging.Error(err), logging.Int("attempt", attempt))
			return err
		}
		lastErr = err

		class := errclass.Classify(err)
		if class == errclass.Permanent {
			logger.Error("stage failed permanently",
				logging.Error(err),
				logging.Int("attempt", attempt))
			return err
		}
		logger.Warn("stage attempt failed",
			logging.Error(err),
			logging.String(logging.FieldErrorClass, string(class)),
			logging.Int("attempt", attempt))
		if attempt < maxAttempts {
			if sleepErr := r.sleep(ctx, errclass.Backoff(r.retryDelay, attempt)); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return lastErr
}

// errStageStalled marks an attempt that outlived its stage's maximum
// duration. Stalled stages fail the job outright instead of being retried.
var errStageStalled = errors.New("stage exceeded its maximum duration")

func (r *Runner) runAttempt(ctx context.Context, stage Stage, state *State) error {
	limit := stage.MaxDuration
	if r.stageTimeout > 0 && (limit <= 0 || r.stageTimeout < limit) {
		limit = r.stageTimeout
	}
	attemptCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	err := stage.Execute(attemptCtx, state)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: no progress within %v: %v", errStageStalled, limit, err)
	}
	return err
}

// persistProgress writes a boundary update. A superseded claim surfaces as
// the sentinel; any other store failure aborts the run without marking the
// job, leaving it for reclaim after the TTL.
func (r *Runner) persistProgress(ctx context.Context, state *State, percent float64, step string) error {
	err := r.store.UpdateProgress(ctx, state.Job.ID, state.LockToken, percent, step)
	if err == nil {
		return nil
	}
	if errors.Is(err, jobstore.ErrClaimSuperseded) {
		return jobstore.ErrClaimSuperseded
	}
	return fmt.Errorf("persist progress at %.0f%%: %w", percent, err)
}

func (r *Runner) failJob(ctx context.Context, state *State, stage string, cause error) error {
	err := r.store.Fail(ctx, state.Job.ID, state.LockToken, cause.Error(), stage)
	if err != nil {
		if errors.Is(err, jobstore.ErrClaimSuperseded) {
			return jobstore.ErrClaimSuperseded
		}
		return fmt.Errorf("record failure (original: %v): %w", cause, err)
	}
	return &StageError{Stage: stage, Err: cause}
}
