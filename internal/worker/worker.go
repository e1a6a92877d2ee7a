// Package worker runs the claim/poll loop: it discovers claimable jobs,
// takes ownership through the store's claim protocol, keeps the claim alive
// with heartbeats, and hands each claimed job to the pipeline runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
	"clipforge/internal/logging"
	"clipforge/internal/pipeline"
	"clipforge/internal/services"
)

// JobRunner drives one claimed job to a terminal state. Satisfied by
// *pipeline.Runner.
type JobRunner interface {
	Run(ctx context.Context, record *job.Job, lockToken, workDir string) error
}

// Options configures worker construction.
type Options struct {
	Store  jobstore.Store
	Runner JobRunner
	Logger *slog.Logger
	// ScratchRoot hosts the per-job working directories.
	ScratchRoot string
	// PollInterval paces queue checks when the queue is idle.
	PollInterval time.Duration
	// ErrorRetryInterval paces queue checks after a store error.
	ErrorRetryInterval time.Duration
	// HeartbeatInterval paces claim renewal while a job runs. Keep it well
	// under the store's claim TTL.
	HeartbeatInterval time.Duration
}

// Worker claims and processes one job at a time.
type Worker struct {
	store              jobstore.Store
	runner             JobRunner
	logger             *slog.Logger
	scratchRoot        string
	pollInterval       time.Duration
	errorRetryInterval time.Duration
	heartbeatInterval  time.Duration

	wg sync.WaitGroup
}

// New constructs a worker.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker requires a job store")
	}
	if opts.Runner == nil {
		return nil, errors.New("worker requires a pipeline runner")
	}
	worker := &Worker{
		store:              opts.Store,
		runner:             opts.Runner,
		logger:             logging.NewComponentLogger(opts.Logger, "worker"),
		scratchRoot:        opts.ScratchRoot,
		pollInterval:       opts.PollInterval,
		errorRetryInterval: opts.ErrorRetryInterval,
		heartbeatInterval:  opts.HeartbeatInterval,
	}
	if worker.scratchRoot == "" {
		worker.scratchRoot = os.TempDir()
	}
	if worker.pollInterval <= 0 {
		worker.pollInterval = 5 * time.Second
	}
	if worker.errorRetryInterval <= 0 {
		worker.errorRetryInterval = 15 * time.Second
	}
	if worker.heartbeatInterval <= 0 {
		worker.heartbeatInterval = 30 * time.Second
	}
	if err := os.MkdirAll(worker.scratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("ensure scratch root: %w", err)
	}
	return worker, nil
}

// Run loops until the context is cancelled. It returns the context error on
// shutdown so callers can distinguish a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		logging.Duration("poll_interval", w.pollInterval),
		logging.Duration("heartbeat_interval", w.heartbeatInterval))

	for {
		if ctx.Err() != nil {
			w.wg.Wait()
			return ctx.Err()
		}

		claimed, err := w.processNext(ctx)
		if err != nil {
			w.logger.Warn("queue check failed", logging.Error(err))
			if sleepErr := sleepContext(ctx, w.errorRetryInterval); sleepErr != nil {
				w.wg.Wait()
				return sleepErr
			}
			continue
		}
		if !claimed {
			if sleepErr := sleepContext(ctx, w.pollInterval); sleepErr != nil {
				w.wg.Wait()
				return sleepErr
			}
		}
	}
}

// processNext claims and runs at most one job. It reports whether a job was
// claimed so the caller knows to poll again immediately.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	candidate, err := w.store.NextClaimable(ctx)
	if err != nil {
		return false, fmt.Errorf("find claimable job: %w", err)
	}
	if candidate == nil {
		return false, nil
	}

	claim, err := w.store.Claim(ctx, candidate.ID)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", candidate.ID, err)
	}
	if !claim.Claimed {
		// Another worker got there first. Normal under contention.
		w.logger.Debug("claim denied",
			logging.String(logging.FieldJobID, candidate.ID),
			logging.String("reason", claim.DeniedReason))
		return false, nil
	}

	w.processJob(ctx, claim)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, claim jobstore.ClaimResult) {
	// Every store write and collaborator call under this claim carries the
	// job id and one correlation id for the whole attempt.
	ctx = services.WithJobID(ctx, claim.Job.ID)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, w.logger).With(
		logging.String(logging.FieldJobKind, string(claim.Job.Kind)),
	)
	logger.Info("claimed job", logging.String("source_ref", claim.Job.SourceRef))

	workDir, err := os.MkdirTemp(w.scratchRoot, "job-"+claim.Job.ID+"-")
	if err != nil {
		logger.Error("create scratch directory", logging.Error(err))
		return
	}
	defer func() {
		if removeErr := os.RemoveAll(workDir); removeErr != nil {
			logger.Warn("remove scratch directory", logging.Error(removeErr))
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.wg.Add(1)
	go w.heartbeatLoop(jobCtx, cancel, logger, claim.Job.ID, claim.LockToken)

	err = w.runner.Run(jobCtx, claim.Job, claim.LockToken, workDir)
	switch {
	case err == nil:
		// Completion already logged by the runner.
	case errors.Is(err, jobstore.ErrClaimSuperseded):
		logger.Info("job taken over by another worker")
	case jobCtx.Err() != nil && ctx.Err() == nil:
		logger.Info("job aborted after losing claim")
	default:
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			logger.Warn("job failed",
				logging.String(logging.FieldStage, stageErr.Stage),
				logging.Error(stageErr.Err))
		} else {
			logger.Error("job processing error", logging.Error(err))
		}
	}
}

// heartbeatLoop renews the claim until the job context ends. Losing the
// claim cancels the job context so in-flight stage work stops promptly
// instead of discovering the stale token at its next store write.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, jobID, lockToken string) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, jobID, lockToken)
			if err == nil {
				continue
			}
			if errors.Is(err, jobstore.ErrClaimSuperseded) {
				logger.Warn("claim lost during heartbeat, cancelling job")
				cancel()
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("heartbeat failed", logging.Error(err))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
