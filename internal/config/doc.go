// Package config loads, normalizes, and validates the TOML configuration used
// by the worker daemon and CLI. Values resolve in order: file, environment
// fallbacks, repository defaults.
package config
