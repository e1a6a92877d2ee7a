package config

const (
	defaultStagingDir          = "~/.local/share/clipforge/staging"
	defaultLogDir              = "~/.local/share/clipforge/logs"
	defaultStoreBackend        = "sqlite"
	defaultSQLitePath          = "~/.local/share/clipforge/jobs.db"
	defaultStoreRequestTimeout = 15
	defaultClaimTTL            = 120
	defaultHeartbeatInterval   = 15
	defaultObjectStoreRegion   = "us-east-1"
	defaultRetrievalClient     = "yt-dlp"
	defaultAttemptDelaySeconds = 2
	defaultRouteDelaySeconds   = 8
	defaultUnknownErrorBudget  = 6
	defaultAttemptTimeout      = 600
	defaultAnalysisBaseURL     = "https://api.openai.com/v1"
	defaultAnalysisModel       = "gpt-4o-mini"
	defaultAnalysisTimeout     = 120
	defaultTranscribeBaseURL   = "https://api.openai.com/v1"
	defaultTranscribeModel     = "whisper-1"
	defaultTranscribeTimeout   = 300
	defaultFFmpegBinary        = "ffmpeg"
	defaultRenderTimeout       = 1800
	defaultPollInterval        = 5
	defaultErrorRetryInterval  = 10
	defaultStageRetryAttempts  = 3
	defaultStageTimeout        = 3600
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Store: Store{
			Backend:           defaultStoreBackend,
			SQLitePath:        defaultSQLitePath,
			RequestTimeout:    defaultStoreRequestTimeout,
			ClaimTTL:          defaultClaimTTL,
			HeartbeatInterval: defaultHeartbeatInterval,
		},
		ObjectStore: ObjectStore{
			Region:    defaultObjectStoreRegion,
			UseSSL:    true,
			PathStyle: false,
		},
		Retrieval: Retrieval{
			ClientBinary:        defaultRetrievalClient,
			AttemptDelaySeconds: defaultAttemptDelaySeconds,
			RouteDelaySeconds:   defaultRouteDelaySeconds,
			UnknownErrorBudget:  defaultUnknownErrorBudget,
			AttemptTimeout:      defaultAttemptTimeout,
		},
		Analysis: Analysis{
			BaseURL:        defaultAnalysisBaseURL,
			Model:          defaultAnalysisModel,
			TimeoutSeconds: defaultAnalysisTimeout,
		},
		Transcribe: Transcribe{
			BaseURL:        defaultTranscribeBaseURL,
			Model:          defaultTranscribeModel,
			TimeoutSeconds: defaultTranscribeTimeout,
		},
		Render: Render{
			FFmpegBinary:   defaultFFmpegBinary,
			TimeoutSeconds: defaultRenderTimeout,
		},
		Worker: Worker{
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			StageRetryAttempts: defaultStageRetryAttempts,
			StageTimeout:       defaultStageTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
