// Package testsupport provides shared fixtures for package tests: seeded
// configurations, on-disk config files, and store helpers.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"clipforge/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(base, "jobs.db")

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithRoutes sets named egress routes on the test config.
func WithRoutes(routes ...config.Route) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Retrieval.Routes = routes
	}
}

// WithRemoteStore points the store at a coordination service.
func WithRemoteStore(baseURL, token string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Store.Backend = "remote"
		cfg.Store.BaseURL = baseURL
		cfg.Store.APIToken = token
	}
}

// WriteConfigFile marshals the config to a temp TOML file and returns its
// path, for tests that exercise the load path.
func WriteConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()

	encoded, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}
