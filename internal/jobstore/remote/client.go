// Package remote implements the job store against a coordination service
// over HTTP. The service hosts the authoritative claim state; this client
// maps its RPC envelope onto the same Store contract the SQLite backend
// satisfies, so the worker cannot tell the backends apart.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
)

const defaultTimeout = 15 * time.Second

// Config describes the coordination service connection.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Client talks to the coordination service RPC surface.
type Client struct {
	http *resty.Client
}

// New builds a client for the coordination service.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("coordination service base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	http := resty.New()
	http.SetBaseURL(base)
	http.SetHeader("Content-Type", "application/json")
	if cfg.APIToken != "" {
		http.SetHeader("Authorization", "Bearer "+cfg.APIToken)
	}
	http.SetTimeout(timeout)

	return &Client{http: http}, nil
}

// envelope is the fixed RPC response shape. Success carries value; denial
// carries reason. Transport or server failure surfaces as an HTTP error and
// never reaches the envelope.
type envelope struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// jobPayload is the wire shape of a job record.
type jobPayload struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	SourceRef       string   `json:"source_ref"`
	Status          string   `json:"status"`
	ProgressPercent float64  `json:"progress_percent"`
	CurrentStep     string   `json:"current_step,omitempty"`
	ResultJSON      string   `json:"result_json,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	FailedStage     string   `json:"failed_stage,omitempty"`
	Degraded        bool     `json:"degraded,omitempty"`
	LockToken       string   `json:"lock_token,omitempty"`
	ClaimedAt       *rpcTime `json:"claimed_at,omitempty"`
	ClaimExpiresAt  *rpcTime `json:"claim_expires_at,omitempty"`
	CreatedAt       rpcTime  `json:"created_at"`
	UpdatedAt       rpcTime  `json:"updated_at"`
}

type rpcTime struct {
	time.Time
}

func (t *rpcTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("parse rpc time %q: %w", raw, err)
	}
	t.Time = parsed
	return nil
}

func (t rpcTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (p *jobPayload) toJob() *job.Job {
	record := &job.Job{
		ID:              p.ID,
		Kind:            job.Kind(p.Kind),
		SourceRef:       p.SourceRef,
		Status:          job.Status(p.Status),
		ProgressPercent: p.ProgressPercent,
		CurrentStep:     p.CurrentStep,
		ResultJSON:      p.ResultJSON,
		ErrorMessage:    p.ErrorMessage,
		FailedStage:     p.FailedStage,
		Degraded:        p.Degraded,
		CreatedAt:       p.CreatedAt.Time,
		UpdatedAt:       p.UpdatedAt.Time,
	}
	if p.LockToken != "" {
		claim := &job.Claim{LockToken: p.LockToken}
		if p.ClaimedAt != nil {
			claim.ClaimedAt = p.ClaimedAt.Time
		}
		if p.ClaimExpiresAt != nil {
			claim.ExpiresAt = p.ClaimExpiresAt.Time
		}
		record.Claim = claim
	}
	return record
}

// call issues one RPC and decodes the envelope. A non-2xx status is a store
// failure; an unsuccessful envelope is returned to the method for
// interpretation (denial, not-found, superseded).
func (c *Client) call(ctx context.Context, method string, request any) (envelope, error) {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&env).
		Post("/rpc/" + method)
	if err != nil {
		return envelope{}, fmt.Errorf("call %s: %w", method, err)
	}
	if resp.IsError() {
		return envelope{}, fmt.Errorf("call %s: service returned %s", method, resp.Status())
	}
	return env, nil
}

// interpret maps common denial reasons onto the store sentinels.
func interpret(method string, env envelope) error {
	switch env.Reason {
	case "not_found":
		return jobstore.ErrNotFound
	case "claim_superseded":
		return jobstore.ErrClaimSuperseded
	default:
		return fmt.Errorf("%s rejected: %s", method, env.Reason)
	}
}

func decodeJob(env envelope) (*job.Job, error) {
	var payload jobPayload
	if err := json.Unmarshal(env.Value, &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return payload.toJob(), nil
}

// Create enqueues a new pending job.
func (c *Client) Create(ctx context.Context, params jobstore.CreateParams) (*job.Job, error) {
	env, err := c.call(ctx, "jobs.create", map[string]string{
		"id":         params.ID,
		"kind":       string(params.Kind),
		"source_ref": params.SourceRef,
	})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, interpret("jobs.create", env)
	}
	return decodeJob(env)
}

// Get fetches a job by identifier.
func (c *Client) Get(ctx context.Context, jobID string) (*job.Job, error) {
	env, err := c.call(ctx, "jobs.get", map[string]string{"id": jobID})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, interpret("jobs.get", env)
	}
	return decodeJob(env)
}

// NextClaimable returns the oldest claimable job, or nil when idle.
func (c *Client) NextClaimable(ctx context.Context) (*job.Job, error) {
	env, err := c.call(ctx, "jobs.next", struct{}{})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		if env.Reason == "queue_empty" {
			return nil, nil
		}
		return nil, interpret("jobs.next", env)
	}
	if len(env.Value) == 0 || string(env.Value) == "null" {
		return nil, nil
	}
	return decodeJob(env)
}

// Claim asks the service to take ownership of a job. A denial is a normal
// outcome carried in the result, never an error.
func (c *Client) Claim(ctx context.Context, jobID string) (jobstore.ClaimResult, error) {
	env, err := c.call(ctx, "jobs.claim", map[string]string{"id": jobID})
	if err != nil {
		return jobstore.ClaimResult{}, err
	}
	if !env.Success {
		reason := env.Reason
		if reason == "" {
			reason = "claim denied"
		}
		return jobstore.ClaimResult{DeniedReason: reason}, nil
	}

	var payload struct {
		Job       jobPayload `json:"job"`
		LockToken string     `json:"lock_token"`
	}
	if err := json.Unmarshal(env.Value, &payload); err != nil {
		return jobstore.ClaimResult{}, fmt.Errorf("decode claim payload: %w", err)
	}
	if payload.LockToken == "" {
		return jobstore.ClaimResult{}, errors.New("service granted claim without lock token")
	}
	return jobstore.ClaimResult{
		Claimed:   true,
		Job:       payload.Job.toJob(),
		LockToken: payload.LockToken,
	}, nil
}

// Heartbeat renews the claim expiry for a held job.
func (c *Client) Heartbeat(ctx context.Context, jobID, lockToken string) error {
	env, err := c.call(ctx, "jobs.heartbeat", map[string]string{
		"id":         jobID,
		"lock_token": lockToken,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return interpret("jobs.heartbeat", env)
	}
	return nil
}

// UpdateProgress records stage progress. The service enforces the monotonic
// guard; a dropped lower update still reports success.
func (c *Client) UpdateProgress(ctx context.Context, jobID, lockToken string, percent float64, step string) error {
	env, err := c.call(ctx, "jobs.progress", map[string]any{
		"id":         jobID,
		"lock_token": lockToken,
		"percent":    percent,
		"step":       step,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return interpret("jobs.progress", env)
	}
	return nil
}

// Complete records the terminal success state.
func (c *Client) Complete(ctx context.Context, jobID, lockToken string, result job.Result) error {
	encoded, err := job.EncodeResult(result)
	if err != nil {
		return err
	}
	env, err := c.call(ctx, "jobs.complete", map[string]any{
		"id":          jobID,
		"lock_token":  lockToken,
		"result_json": encoded,
		"degraded":    result.Degraded,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return interpret("jobs.complete", env)
	}
	return nil
}

// Fail records the terminal failure state with the stage it occurred in.
func (c *Client) Fail(ctx context.Context, jobID, lockToken, errorMessage, stage string) error {
	env, err := c.call(ctx, "jobs.fail", map[string]string{
		"id":         jobID,
		"lock_token": lockToken,
		"error":      errorMessage,
		"stage":      stage,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return interpret("jobs.fail", env)
	}
	return nil
}

// SaveArtifact persists an opaque intermediate record for the job.
func (c *Client) SaveArtifact(ctx context.Context, jobID, lockToken string, kind job.ArtifactKind, payload string) error {
	env, err := c.call(ctx, "jobs.artifact", map[string]string{
		"id":         jobID,
		"lock_token": lockToken,
		"kind":       string(kind),
		"payload":    payload,
	})
	if err != nil {
		return err
	}
	if !env.Success {
		return interpret("jobs.artifact", env)
	}
	return nil
}

// List returns jobs filtered by status set (or all jobs when none given).
func (c *Client) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	filter := make([]string, len(statuses))
	for i, status := range statuses {
		filter[i] = string(status)
	}
	env, err := c.call(ctx, "jobs.list", map[string]any{"statuses": filter})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, interpret("jobs.list", env)
	}
	var payloads []jobPayload
	if err := json.Unmarshal(env.Value, &payloads); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	jobs := make([]*job.Job, len(payloads))
	for i := range payloads {
		jobs[i] = payloads[i].toJob()
	}
	return jobs, nil
}

// RetryFailed asks the service to move failed jobs back to pending.
func (c *Client) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	if ids == nil {
		ids = []string{}
	}
	env, err := c.call(ctx, "jobs.retry", map[string]any{"ids": ids})
	if err != nil {
		return 0, err
	}
	if !env.Success {
		return 0, interpret("jobs.retry", env)
	}
	var payload struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(env.Value, &payload); err != nil {
		return 0, fmt.Errorf("decode retry count: %w", err)
	}
	return payload.Count, nil
}

// Stats returns a count of jobs grouped by status.
func (c *Client) Stats(ctx context.Context) (jobstore.Stats, error) {
	env, err := c.call(ctx, "jobs.stats", struct{}{})
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, interpret("jobs.stats", env)
	}
	var raw map[string]int
	if err := json.Unmarshal(env.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	stats := make(jobstore.Stats, len(raw))
	for status, count := range raw {
		stats[job.Status(status)] = count
	}
	return stats, nil
}

var _ jobstore.Store = (*Client)(nil)
