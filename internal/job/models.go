package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the derivative a job produces.
type Kind string

const (
	KindClip    Kind = "clip"
	KindTrailer Kind = "trailer"
	KindMeme    Kind = "meme"
	KindGIF     Kind = "gif"
)

var allKinds = []Kind{KindClip, KindTrailer, KindMeme, KindGIF}

// AllKinds returns the ordered list of known job kinds.
func AllKinds() []Kind {
	cp := make([]Kind, len(allKinds))
	copy(cp, allKinds)
	return cp
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return normalized, true
		}
	}
	return "", false
}

// IsTerminal reports whether a status is immutable once set.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claim records temporary exclusive ownership of a job by one worker attempt.
// A claim is valid only while its token matches the token stored on the job
// record and the expiry has not passed.
type Claim struct {
	LockToken string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the claim is still live at the given instant.
func (c *Claim) Valid(now time.Time) bool {
	if c == nil || c.LockToken == "" {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// Job is the unit of end-to-end media production work.
type Job struct {
	ID              string
	Kind            Kind
	SourceRef       string
	Status          Status
	ProgressPercent float64
	CurrentStep     string
	ResultJSON      string
	ErrorMessage    string
	FailedStage     string
	Degraded        bool
	Claim           *Claim
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Result is the kind-specific payload persisted when a job completes.
type Result struct {
	OutputKey   string   `json:"output_key"`
	ContentType string   `json:"content_type"`
	DurationSec float64  `json:"duration_sec,omitempty"`
	Title       string   `json:"title,omitempty"`
	ExtraKeys   []string `json:"extra_keys,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// EncodeResult serializes a result payload for storage.
func EncodeResult(result Result) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// DecodeResult parses a stored result payload.
func DecodeResult(raw string) (Result, error) {
	var result Result
	if strings.TrimSpace(raw) == "" {
		return result, nil
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// ArtifactKind labels intermediate records persisted mid-pipeline.
type ArtifactKind string

const (
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactEditPlan   ArtifactKind = "edit_plan"
)

// Artifact is an opaque intermediate record attached to a job.
type Artifact struct {
	JobID     string
	Kind      ArtifactKind
	Payload   string
	CreatedAt time.Time
}
