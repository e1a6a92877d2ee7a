package jobstore

import (
	"context"
	"errors"

	"clipforge/internal/job"
)

// ErrClaimSuperseded reports that the presented lock token no longer owns the
// job. It is a control-flow signal, not a failure: the caller must stop
// mutating the job and discard local results.
var ErrClaimSuperseded = errors.New("claim superseded")

// ErrNotFound reports that a job does not exist in the store.
var ErrNotFound = errors.New("job not found")

// ClaimResult is the tagged outcome of a claim attempt. Exactly one of the
// three outcomes applies: Claimed=true with Job and LockToken set, or
// Claimed=false with DeniedReason set. Store unavailability is returned as an
// error alongside, never encoded here.
type ClaimResult struct {
	Claimed      bool
	Job          *job.Job
	LockToken    string
	DeniedReason string
}

// CreateParams describes a new job to enqueue.
type CreateParams struct {
	ID        string
	Kind      job.Kind
	SourceRef string
}

// Stats is a count of jobs grouped by status.
type Stats map[job.Status]int

// Store is the claim protocol plus the minimal discovery and reporting
// surface the worker and CLI need. All state-mutating calls are token-gated;
// implementations reject stale tokens with ErrClaimSuperseded.
type Store interface {
	// Create enqueues a new pending job. The ID is caller-supplied and
	// globally unique.
	Create(ctx context.Context, params CreateParams) (*job.Job, error)

	// Get fetches a job by identifier.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// NextClaimable returns the oldest job a worker could claim right now,
	// or nil when the queue is idle.
	NextClaimable(ctx context.Context) (*job.Job, error)

	// Claim atomically transitions a claimable job to claimed-by-me with a
	// freshly minted lock token. A job already held under a valid claim
	// yields Claimed=false, which is a normal outcome, not an error.
	Claim(ctx context.Context, jobID string) (ClaimResult, error)

	// Heartbeat renews the claim expiry for a held job.
	Heartbeat(ctx context.Context, jobID, lockToken string) error

	// UpdateProgress records stage progress. Progress never decreases: an
	// update carrying a lower percent than stored is ignored without error.
	UpdateProgress(ctx context.Context, jobID, lockToken string, percent float64, step string) error

	// Complete records the terminal success state and result payload.
	Complete(ctx context.Context, jobID, lockToken string, result job.Result) error

	// Fail records the terminal failure state with the stage it occurred in.
	Fail(ctx context.Context, jobID, lockToken, errorMessage, stage string) error

	// SaveArtifact persists an opaque intermediate record for the job.
	SaveArtifact(ctx context.Context, jobID, lockToken string, kind job.ArtifactKind, payload string) error

	// List returns jobs filtered by status set (or all jobs when none given).
	List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)

	// Stats returns a count of jobs grouped by status.
	Stats(ctx context.Context) (Stats, error)
}
