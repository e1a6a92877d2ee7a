package testsupport

import (
	"context"
	"testing"
	"time"

	"clipforge/internal/config"
	"clipforge/internal/job"
	"clipforge/internal/jobstore"
	"clipforge/internal/jobstore/sqlite"
)

// MustOpenStore opens the sqlite store from the test config and closes it
// on cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sqlite.Store {
	t.Helper()

	claimTTL := time.Duration(cfg.Store.ClaimTTL) * time.Second
	store, err := sqlite.Open(cfg.Store.SQLitePath, claimTTL)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedJob enqueues a pending job and returns it.
func SeedJob(t testing.TB, store jobstore.Store, id string, kind job.Kind) *job.Job {
	t.Helper()

	record, err := store.Create(context.Background(), jobstore.CreateParams{
		ID:        id,
		Kind:      kind,
		SourceRef: "https://videos.example/watch?v=" + id,
	})
	if err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
	return record
}
