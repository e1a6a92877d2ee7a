package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
}

// Store contains configuration for the shared job store.
type Store struct {
	// Backend selects the store implementation: "sqlite" or "remote".
	Backend string `toml:"backend"`
	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `toml:"sqlite_path"`
	// BaseURL is the orchestration backend address used by the remote backend.
	BaseURL string `toml:"base_url"`
	// APIToken authenticates remote store calls.
	APIToken string `toml:"api_token"`
	// RequestTimeout bounds each store call, in seconds.
	RequestTimeout int `toml:"request_timeout"`
	// ClaimTTL is how long a claim stays valid without renewal, in seconds.
	ClaimTTL int `toml:"claim_ttl"`
	// HeartbeatInterval is how often a held claim is renewed, in seconds.
	HeartbeatInterval int `toml:"heartbeat_interval"`
}

// ObjectStore contains configuration for the S3-compatible artifact store.
type ObjectStore struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
	PathStyle bool   `toml:"path_style"`
}

// Route describes one egress path for source retrieval, tried in file order.
type Route struct {
	Name     string `toml:"name"`
	ProxyURL string `toml:"proxy_url"`
}

// Retrieval contains configuration for the adaptive source fetcher.
type Retrieval struct {
	// ClientBinary is the access client executable (yt-dlp compatible).
	ClientBinary string `toml:"client_binary"`
	// Routes lists egress routes in priority order. An empty list means
	// direct egress only.
	Routes []Route `toml:"routes"`
	// AttemptDelaySeconds is the base delay between attempts on one route.
	AttemptDelaySeconds int `toml:"attempt_delay_seconds"`
	// RouteDelaySeconds is the base delay when moving to the next route.
	RouteDelaySeconds int `toml:"route_delay_seconds"`
	// UnknownErrorBudget caps total attempts spent on unclassified errors.
	UnknownErrorBudget int `toml:"unknown_error_budget"`
	// AttemptTimeout bounds a single fetch attempt, in seconds.
	AttemptTimeout int `toml:"attempt_timeout"`
}

// Analysis contains connection settings for the content-understanding service.
type Analysis struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Transcribe contains connection settings for the speech-to-text service.
type Transcribe struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Render contains configuration for the transcoding tool.
type Render struct {
	FFmpegBinary   string `toml:"ffmpeg_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Worker contains configuration for the claim/poll loop.
type Worker struct {
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	StageRetryAttempts int `toml:"stage_retry_attempts"`
	StageTimeout       int `toml:"stage_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for clipforge.
//
// Configuration sections by subsystem:
//   - Paths: scratch and log directories
//   - Store: shared job store (sqlite or remote backend)
//   - ObjectStore: S3-compatible input/output storage
//   - Retrieval: adaptive source fetch routes and pacing
//   - Analysis: content-understanding service connection
//   - Transcribe: speech-to-text service connection
//   - Render: transcoding tool settings
//   - Worker: claim loop intervals and stage retry defaults
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Store       Store       `toml:"store"`
	ObjectStore ObjectStore `toml:"object_store"`
	Retrieval   Retrieval   `toml:"retrieval"`
	Analysis    Analysis    `toml:"analysis"`
	Transcribe  Transcribe  `toml:"transcribe"`
	Render      Render      `toml:"render"`
	Worker      Worker      `toml:"worker"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/clipforge/config.toml")
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("clipforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for worker operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.LogDir}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath != "" {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
