// Package sqlite implements the job store claim protocol on a shared SQLite
// database. Every claim transition is a single conditional UPDATE so two
// workers racing for one job can never both win.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Store manages job persistence backed by SQLite.
type Store struct {
	db       *sql.DB
	path     string
	claimTTL time.Duration
	now      func() time.Time
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open initializes or connects to the job database.
func Open(path string, claimTTL time.Duration, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path required")
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, claimTTL: claimTTL, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Create enqueues a new pending job.
func (s *Store) Create(ctx context.Context, params jobstore.CreateParams) (*job.Job, error) {
	if strings.TrimSpace(params.ID) == "" {
		return nil, errors.New("job id required")
	}
	if _, ok := job.ParseKind(string(params.Kind)); !ok {
		return nil, fmt.Errorf("unknown job kind %q", params.Kind)
	}
	if strings.TrimSpace(params.SourceRef) == "" {
		return nil, errors.New("source ref required")
	}

	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (job_id, kind, source_ref, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		params.ID,
		params.Kind,
		params.SourceRef,
		job.StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.Get(ctx, params.ID)
}

// Get fetches a job by identifier.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	record, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return record, nil
}

// NextClaimable returns the oldest job with no valid claim.
func (s *Store) NextClaimable(ctx context.Context) (*job.Job, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND (lock_token IS NULL OR claim_expires_at < ?)
         ORDER BY created_at LIMIT 1`,
		job.StatusPending,
		job.StatusProcessing,
		now,
	)
	record, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next claimable: %w", err)
	}
	return record, nil
}

// Claim atomically takes ownership of a claimable job. The lock token is
// freshly generated per attempt and never reused.
func (s *Store) Claim(ctx context.Context, jobID string) (jobstore.ClaimResult, error) {
	token := uuid.NewString()
	now := s.now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, lock_token = ?, claimed_at = ?, claim_expires_at = ?,
             current_step = 'Claimed', error_message = NULL, failed_stage = NULL, updated_at = ?
         WHERE job_id = ? AND status IN (?, ?)
           AND (lock_token IS NULL OR claim_expires_at < ?)`,
		job.StatusProcessing,
		token,
		now.Format(time.RFC3339Nano),
		now.Add(s.claimTTL).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		jobID,
		job.StatusPending,
		job.StatusProcessing,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return jobstore.ClaimResult{}, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return jobstore.ClaimResult{}, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 1 {
		record, err := s.Get(ctx, jobID)
		if err != nil {
			return jobstore.ClaimResult{}, err
		}
		return jobstore.ClaimResult{Claimed: true, Job: record, LockToken: token}, nil
	}

	record, err := s.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return jobstore.ClaimResult{DeniedReason: "job does not exist"}, nil
	}
	if err != nil {
		return jobstore.ClaimResult{}, err
	}
	switch {
	case record.Status.IsTerminal():
		return jobstore.ClaimResult{DeniedReason: fmt.Sprintf("job already %s", record.Status)}, nil
	default:
		return jobstore.ClaimResult{DeniedReason: "job is claimed by another worker"}, nil
	}
}

// Heartbeat renews the claim expiry for a held job.
func (s *Store) Heartbeat(ctx context.Context, jobID, lockToken string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET claim_expires_at = ?, updated_at = ?
         WHERE job_id = ? AND lock_token = ? AND status = ?`,
		now.Add(s.claimTTL).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		jobID,
		lockToken,
		job.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return s.requireOwnership(ctx, res, jobID)
}

// UpdateProgress records stage progress under the monotonic guard: a lower
// percent than stored is ignored without error.
func (s *Store) UpdateProgress(ctx context.Context, jobID, lockToken string, percent float64, step string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET progress_percent = ?, current_step = ?, updated_at = ?
         WHERE job_id = ? AND lock_token = ? AND status = ? AND progress_percent <= ?`,
		percent,
		step,
		s.now().UTC().Format(time.RFC3339Nano),
		jobID,
		lockToken,
		job.StatusProcessing,
		percent,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("progress rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	owned, err := s.ownsClaim(ctx, jobID, lockToken)
	if err != nil {
		return err
	}
	if !owned {
		return jobstore.ErrClaimSuperseded
	}
	// Token still valid: the update carried a lower percent and is dropped.
	return nil
}

// Complete records the terminal success state. The claim is consumed.
func (s *Store) Complete(ctx context.Context, jobID, lockToken string, result job.Result) error {
	encoded, err := job.EncodeResult(result)
	if err != nil {
		return err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, progress_percent = 100, current_step = 'Completed',
             result_json = ?, degraded = ?, lock_token = NULL, claim_expires_at = NULL, updated_at = ?
         WHERE job_id = ? AND lock_token = ? AND status = ?`,
		job.StatusCompleted,
		encoded,
		boolToInt(result.Degraded),
		now,
		jobID,
		lockToken,
		job.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.requireOwnership(ctx, res, jobID)
}

// Fail records the terminal failure state with the stage it occurred in.
func (s *Store) Fail(ctx context.Context, jobID, lockToken, errorMessage, stage string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, current_step = 'Failed', error_message = ?, failed_stage = ?,
             lock_token = NULL, claim_expires_at = NULL, updated_at = ?
         WHERE job_id = ? AND lock_token = ? AND status = ?`,
		job.StatusFailed,
		errorMessage,
		stage,
		now,
		jobID,
		lockToken,
		job.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.requireOwnership(ctx, res, jobID)
}

// SaveArtifact persists an opaque intermediate record for the job.
func (s *Store) SaveArtifact(ctx context.Context, jobID, lockToken string, kind job.ArtifactKind, payload string) error {
	owned, err := s.ownsClaim(ctx, jobID, lockToken)
	if err != nil {
		return err
	}
	if !owned {
		return jobstore.ErrClaimSuperseded
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_artifacts (job_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		jobID,
		kind,
		payload,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Artifacts returns the intermediate records attached to a job.
func (s *Store) Artifacts(ctx context.Context, jobID string) ([]job.Artifact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, kind, payload, created_at FROM job_artifacts WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []job.Artifact
	for rows.Next() {
		var (
			artifact   job.Artifact
			kind       string
			createdRaw string
		)
		if err := rows.Scan(&artifact.JobID, &kind, &artifact.Payload, &createdRaw); err != nil {
			return nil, err
		}
		artifact.Kind = job.ArtifactKind(kind)
		if created, err := parseTimeString(createdRaw); err == nil {
			artifact.CreatedAt = created
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// List returns jobs filtered by status set (or all jobs when none given).
func (s *Store) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, record)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (jobstore.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(jobstore.Stats)
	for rows.Next() {
		var status job.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// RetryFailed moves failed jobs back to pending for reprocessing.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, current_step = 'Retry requested', progress_percent = 0,
                 error_message = NULL, failed_stage = NULL, updated_at = ?
             WHERE status = ?`,
			job.StatusPending,
			now,
			job.StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed jobs: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, job.StatusPending, now)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, job.StatusFailed)
	query := `UPDATE jobs
        SET status = ?, current_step = 'Retry requested', progress_percent = 0,
            error_message = NULL, failed_stage = NULL, updated_at = ?
        WHERE job_id IN (` + placeholders + `) AND status = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) requireOwnership(ctx context.Context, res sql.Result, jobID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); errors.Is(err, jobstore.ErrNotFound) {
		return jobstore.ErrNotFound
	}
	return jobstore.ErrClaimSuperseded
}

func (s *Store) ownsClaim(ctx context.Context, jobID, lockToken string) (bool, error) {
	var stored sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT lock_token, status FROM jobs WHERE job_id = ?`, jobID).
		Scan(&stored, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, jobstore.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read claim: %w", err)
	}
	return stored.Valid && stored.String == lockToken && job.Status(status) == job.StatusProcessing, nil
}

const jobColumns = "job_id, kind, source_ref, status, progress_percent, current_step, result_json, error_message, failed_stage, degraded, lock_token, claimed_at, claim_expires_at, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var (
		id              string
		kind            string
		sourceRef       string
		statusStr       string
		progressPercent sql.NullFloat64
		currentStep     sql.NullString
		resultJSON      sql.NullString
		errorMessage    sql.NullString
		failedStage     sql.NullString
		degraded        sql.NullInt64
		lockToken       sql.NullString
		claimedRaw      sql.NullString
		expiresRaw      sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&kind,
		&sourceRef,
		&statusStr,
		&progressPercent,
		&currentStep,
		&resultJSON,
		&errorMessage,
		&failedStage,
		&degraded,
		&lockToken,
		&claimedRaw,
		&expiresRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &job.Job{
		ID:              id,
		Kind:            job.Kind(kind),
		SourceRef:       sourceRef,
		Status:          job.Status(statusStr),
		ProgressPercent: progressPercent.Float64,
		CurrentStep:     currentStep.String,
		ResultJSON:      resultJSON.String,
		ErrorMessage:    errorMessage.String,
		FailedStage:     failedStage.String,
	}
	if degraded.Valid {
		record.Degraded = degraded.Int64 != 0
	}
	if lockToken.Valid && lockToken.String != "" {
		claim := &job.Claim{LockToken: lockToken.String}
		if claimed, err := parseTimeString(claimedRaw.String); err == nil {
			claim.ClaimedAt = claimed
		}
		if expires, err := parseTimeString(expiresRaw.String); err == nil {
			claim.ExpiresAt = expires
		}
		record.Claim = claim
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

var _ jobstore.Store = (*Store)(nil)
