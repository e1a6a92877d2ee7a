package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateRetrieval(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set for the sqlite backend")
		}
	case "remote":
		if c.Store.BaseURL == "" {
			return errors.New("store.base_url must be set for the remote backend")
		}
		if _, err := url.Parse(c.Store.BaseURL); err != nil {
			return fmt.Errorf("store.base_url: %w", err)
		}
	default:
		return fmt.Errorf("store.backend: unsupported value %q", c.Store.Backend)
	}
	if c.Store.HeartbeatInterval >= c.Store.ClaimTTL {
		return errors.New("store.heartbeat_interval must be shorter than store.claim_ttl")
	}
	return nil
}

func (c *Config) validateRetrieval() error {
	seen := make(map[string]struct{}, len(c.Retrieval.Routes))
	for i, route := range c.Retrieval.Routes {
		if route.Name == "" {
			return fmt.Errorf("retrieval.routes[%d]: name must be set", i)
		}
		if _, ok := seen[route.Name]; ok {
			return fmt.Errorf("retrieval.routes: duplicate name %q", route.Name)
		}
		seen[route.Name] = struct{}{}
		if route.ProxyURL != "" {
			if _, err := url.Parse(route.ProxyURL); err != nil {
				return fmt.Errorf("retrieval.routes[%d].proxy_url: %w", i, err)
			}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
