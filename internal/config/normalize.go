package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeObjectStore()
	c.normalizeRetrieval()
	c.normalizeAnalysis()
	c.normalizeTranscribe()
	c.normalizeRender()
	c.normalizeWorker()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = defaultSQLitePath
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.BaseURL = strings.TrimRight(strings.TrimSpace(c.Store.BaseURL), "/")
	if c.Store.APIToken == "" {
		if value, ok := os.LookupEnv("CLIPFORGE_STORE_TOKEN"); ok {
			c.Store.APIToken = strings.TrimSpace(value)
		}
	}
	if c.Store.RequestTimeout <= 0 {
		c.Store.RequestTimeout = defaultStoreRequestTimeout
	}
	if c.Store.ClaimTTL <= 0 {
		c.Store.ClaimTTL = defaultClaimTTL
	}
	if c.Store.HeartbeatInterval <= 0 {
		c.Store.HeartbeatInterval = defaultHeartbeatInterval
	}
	return nil
}

func (c *Config) normalizeObjectStore() {
	c.ObjectStore.Endpoint = strings.TrimSpace(c.ObjectStore.Endpoint)
	c.ObjectStore.Bucket = strings.TrimSpace(c.ObjectStore.Bucket)
	if strings.TrimSpace(c.ObjectStore.Region) == "" {
		c.ObjectStore.Region = defaultObjectStoreRegion
	}
	if c.ObjectStore.AccessKey == "" {
		if value, ok := os.LookupEnv("CLIPFORGE_S3_ACCESS_KEY"); ok {
			c.ObjectStore.AccessKey = strings.TrimSpace(value)
		}
	}
	if c.ObjectStore.SecretKey == "" {
		if value, ok := os.LookupEnv("CLIPFORGE_S3_SECRET_KEY"); ok {
			c.ObjectStore.SecretKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeRetrieval() {
	if strings.TrimSpace(c.Retrieval.ClientBinary) == "" {
		c.Retrieval.ClientBinary = defaultRetrievalClient
	}
	routes := make([]Route, 0, len(c.Retrieval.Routes))
	for _, route := range c.Retrieval.Routes {
		route.Name = strings.TrimSpace(route.Name)
		route.ProxyURL = strings.TrimSpace(route.ProxyURL)
		if route.Name == "" && route.ProxyURL == "" {
			continue
		}
		routes = append(routes, route)
	}
	c.Retrieval.Routes = routes
	if c.Retrieval.AttemptDelaySeconds <= 0 {
		c.Retrieval.AttemptDelaySeconds = defaultAttemptDelaySeconds
	}
	if c.Retrieval.RouteDelaySeconds <= 0 {
		c.Retrieval.RouteDelaySeconds = defaultRouteDelaySeconds
	}
	if c.Retrieval.UnknownErrorBudget <= 0 {
		c.Retrieval.UnknownErrorBudget = defaultUnknownErrorBudget
	}
	if c.Retrieval.AttemptTimeout <= 0 {
		c.Retrieval.AttemptTimeout = defaultAttemptTimeout
	}
}

func (c *Config) normalizeAnalysis() {
	if c.Analysis.APIKey == "" {
		if value, ok := os.LookupEnv("CLIPFORGE_ANALYSIS_API_KEY"); ok {
			c.Analysis.APIKey = strings.TrimSpace(value)
		}
	}
	c.Analysis.BaseURL = strings.TrimRight(strings.TrimSpace(c.Analysis.BaseURL), "/")
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = defaultAnalysisBaseURL
	}
	if strings.TrimSpace(c.Analysis.Model) == "" {
		c.Analysis.Model = defaultAnalysisModel
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		c.Analysis.TimeoutSeconds = defaultAnalysisTimeout
	}
}

func (c *Config) normalizeTranscribe() {
	if c.Transcribe.APIKey == "" {
		if value, ok := os.LookupEnv("CLIPFORGE_TRANSCRIBE_API_KEY"); ok {
			c.Transcribe.APIKey = strings.TrimSpace(value)
		}
	}
	c.Transcribe.BaseURL = strings.TrimRight(strings.TrimSpace(c.Transcribe.BaseURL), "/")
	if c.Transcribe.BaseURL == "" {
		c.Transcribe.BaseURL = defaultTranscribeBaseURL
	}
	if strings.TrimSpace(c.Transcribe.Model) == "" {
		c.Transcribe.Model = defaultTranscribeModel
	}
	if c.Transcribe.TimeoutSeconds <= 0 {
		c.Transcribe.TimeoutSeconds = defaultTranscribeTimeout
	}
}

func (c *Config) normalizeRender() {
	if strings.TrimSpace(c.Render.FFmpegBinary) == "" {
		c.Render.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Render.TimeoutSeconds <= 0 {
		c.Render.TimeoutSeconds = defaultRenderTimeout
	}
}

func (c *Config) normalizeWorker() {
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = defaultPollInterval
	}
	if c.Worker.ErrorRetryInterval <= 0 {
		c.Worker.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Worker.StageRetryAttempts <= 0 {
		c.Worker.StageRetryAttempts = defaultStageRetryAttempts
	}
	if c.Worker.StageTimeout <= 0 {
		c.Worker.StageTimeout = defaultStageTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
