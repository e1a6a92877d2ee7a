package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clipforge/internal/analyze"
	"clipforge/internal/config"
	"clipforge/internal/errclass"
	"clipforge/internal/fetch"
	"clipforge/internal/identity"
	"clipforge/internal/jobstore"
	"clipforge/internal/jobstore/remote"
	"clipforge/internal/jobstore/sqlite"
	"clipforge/internal/media"
	"clipforge/internal/objectstore"
	"clipforge/internal/pipeline"
	"clipforge/internal/transcribe"
	"clipforge/internal/worker"
)

// buildWorker wires the full processing stack from configuration. The
// returned cleanup releases the store connection.
func buildWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*worker.Worker, func(), error) {
	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Store:        store,
		Deps:         deps,
		Logger:       logger,
		StageTimeout: time.Duration(cfg.Worker.StageTimeout) * time.Second,
	})

	w, err := worker.New(worker.Options{
		Store:              store,
		Runner:             runner,
		Logger:             logger,
		ScratchRoot:        cfg.Paths.StagingDir,
		PollInterval:       time.Duration(cfg.Worker.PollInterval) * time.Second,
		ErrorRetryInterval: time.Duration(cfg.Worker.ErrorRetryInterval) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Store.HeartbeatInterval) * time.Second,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return w, cleanup, nil
}

func buildStore(cfg *config.Config) (jobstore.Store, func(), error) {
	claimTTL := time.Duration(cfg.Store.ClaimTTL) * time.Second
	switch cfg.Store.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Store.SQLitePath, claimTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "remote":
		client, err := remote.New(remote.Config{
			BaseURL:  cfg.Store.BaseURL,
			APIToken: cfg.Store.APIToken,
			Timeout:  time.Duration(cfg.Store.RequestTimeout) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect remote store: %w", err)
		}
		return client, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Deps, error) {
	routes := make([]identity.Route, 0, len(cfg.Retrieval.Routes))
	for _, route := range cfg.Retrieval.Routes {
		routes = append(routes, identity.Route{Name: route.Name, ProxyURL: route.ProxyURL})
	}

	engine := fetch.NewEngine(fetch.Options{
		Rotator: identity.NewRotator(routes),
		Policy:  errclass.NewPolicy(3, cfg.Retrieval.UnknownErrorBudget),
		Runner: fetch.NewYTDLPRunner(
			fetch.WithBinary(cfg.Retrieval.ClientBinary),
			fetch.WithAttemptTimeout(time.Duration(cfg.Retrieval.AttemptTimeout)*time.Second),
		),
		Logger:       logger,
		AttemptDelay: time.Duration(cfg.Retrieval.AttemptDelaySeconds) * time.Second,
		RouteDelay:   time.Duration(cfg.Retrieval.RouteDelaySeconds) * time.Second,
	})

	transcriber, err := transcribe.New(
		cfg.Transcribe.APIKey,
		cfg.Transcribe.BaseURL,
		cfg.Transcribe.Model,
		time.Duration(cfg.Transcribe.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("transcription client: %w", err)
	}

	planner, err := analyze.New(
		cfg.Analysis.APIKey,
		cfg.Analysis.BaseURL,
		cfg.Analysis.Model,
		time.Duration(cfg.Analysis.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("analysis client: %w", err)
	}

	deps := pipeline.Deps{
		Fetcher:     engine,
		Transcriber: transcriber,
		Planner:     planner,
		Renderer:    media.NewCLI(media.WithBinary(cfg.Render.FFmpegBinary)),
	}

	if cfg.ObjectStore.Bucket != "" {
		uploader, err := objectstore.New(ctx, cfg.ObjectStore)
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("object store: %w", err)
		}
		deps.Uploader = uploader
	}
	return deps, nil
}
