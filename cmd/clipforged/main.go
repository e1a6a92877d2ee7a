package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"clipforge/internal/config"
	"clipforge/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A local .env provides API keys in development; absence is fine.
	_ = godotenv.Load()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	// One daemon per host: a second instance would race claims against the
	// first through the same config.
	lock := flock.New(filepath.Join(cfg.Paths.LogDir, "clipforged.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("acquire instance lock: %v", err)
	}
	if !locked {
		log.Fatal("another clipforged instance is already running")
	}
	defer lock.Unlock() //nolint:errcheck

	w, cleanup, err := buildWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer cleanup()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker: %v", err)
	}
	logger.Info("clipforged shutting down")
}
