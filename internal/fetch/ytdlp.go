package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// YTDLPRunner executes retrieval attempts through a yt-dlp compatible access
// client. The engine owns pacing and identity rotation; the runner only
// translates one Attempt into a subprocess invocation.
type YTDLPRunner struct {
	binary  string
	timeout time.Duration
}

// RunnerOption configures the subprocess runner.
type RunnerOption func(*YTDLPRunner)

// WithBinary overrides the default client binary.
func WithBinary(binary string) RunnerOption {
	return func(r *YTDLPRunner) {
		if binary != "" {
			r.binary = binary
		}
	}
}

// WithAttemptTimeout bounds a single attempt.
func WithAttemptTimeout(timeout time.Duration) RunnerOption {
	return func(r *YTDLPRunner) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewYTDLPRunner constructs a runner using defaults.
func NewYTDLPRunner(opts ...RunnerOption) *YTDLPRunner {
	runner := &YTDLPRunner{binary: "yt-dlp", timeout: 10 * time.Minute}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// Run downloads the locator into attempt.DestDir and returns the saved path
// plus provider metadata.
func (r *YTDLPRunner) Run(ctx context.Context, attempt Attempt) (Result, error) {
	if attempt.Locator == "" {
		return Result{}, errors.New("locator required")
	}
	if attempt.DestDir == "" {
		return Result{}, errors.New("destination directory required")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := buildClientArgs(attempt)
	cmd := commandContext(runCtx, r.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", r.binary, err)
	}

	var meta struct {
		Filename string  `json:"_filename"`
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
		Ext      string  `json:"ext"`
	}
	sawMetadata := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, &meta); err == nil {
			sawMetadata = true
		}
	}
	_ = sawMetadata
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return Result{}, fmt.Errorf("read client output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return Result{}, fmt.Errorf("%s failed: %w", r.binary, err)
		}
		return Result{}, fmt.Errorf("%s failed: %w: %s", r.binary, err, tailLines(detail, 5))
	}

	path := meta.Filename
	if path == "" {
		return Result{}, errors.New("client reported no output file")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(attempt.DestDir, filepath.Base(path))
	}
	return Result{
		Path: path,
		Metadata: Metadata{
			Title:       meta.Title,
			DurationSec: meta.Duration,
			Format:      meta.Ext,
		},
	}, nil
}

// buildClientArgs translates an attempt into the client argument list. The
// session cache directory pins session state to one identity so a fresh
// identity starts with no recognizable history.
func buildClientArgs(attempt Attempt) []string {
	args := []string{
		attempt.Locator,
		"--no-playlist",
		"--no-progress",
		"--print-json",
		"-o", filepath.Join(attempt.DestDir, "source.%(ext)s"),
		"--user-agent", attempt.Identity.Profile.UserAgent,
		"--extractor-args", "youtube:player_client=" + attempt.Identity.Profile.Client,
		"--cache-dir", filepath.Join(attempt.DestDir, ".session-"+shortID(attempt.Identity.SessionID)),
	}
	if attempt.Identity.Route.ProxyURL != "" {
		args = append(args, "--proxy", attempt.Identity.Route.ProxyURL)
	}
	args = append(args, "-f", formatSelector(attempt.Constraint, attempt.Quality))
	return args
}

func formatSelector(constraint Constraint, quality string) string {
	height := strings.TrimSpace(quality)
	switch constraint {
	case ConstraintStrict:
		if height != "" {
			return fmt.Sprintf("bv*[height<=%s]+ba/b[height<=%s]", height, height)
		}
		return "bv*+ba/b"
	case ConstraintRelaxed:
		return "bv*+ba/b"
	default:
		return "best/b"
	}
}

func shortID(session string) string {
	if len(session) <= 8 {
		return session
	}
	return session[:8]
}

func tailLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

var _ Runner = (*YTDLPRunner)(nil)
