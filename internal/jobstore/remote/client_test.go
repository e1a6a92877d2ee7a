package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clipforge/internal/job"
	"clipforge/internal/jobstore"
)

type rpcHandler func(t *testing.T, body map[string]any) (status int, response any)

func newTestClient(t *testing.T, handlers map[string]rpcHandler) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		method := r.URL.Path[len("/rpc/"):]
		handler, ok := handlers[method]
		if !ok {
			t.Errorf("unexpected rpc method %q", method)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode %s body: %v", method, err)
		}
		status, response := handler(t, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, APIToken: "secret-token", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func wireJob(id string) map[string]any {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return map[string]any{
		"id":         id,
		"kind":       "clip",
		"source_ref": "https://videos.example/watch?v=" + id,
		"status":     "pending",
		"created_at": now,
		"updated_at": now,
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestClaimGranted(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.claim": func(t *testing.T, body map[string]any) (int, any) {
			if body["id"] != "job-1" {
				t.Errorf("claim sent id %v", body["id"])
			}
			record := wireJob("job-1")
			record["status"] = "processing"
			record["lock_token"] = "token-abc"
			return http.StatusOK, map[string]any{
				"success": true,
				"value":   map[string]any{"job": record, "lock_token": "token-abc"},
			}
		},
	})

	res, err := client.Claim(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if !res.Claimed || res.LockToken != "token-abc" {
		t.Fatalf("unexpected claim result: %+v", res)
	}
	if res.Job == nil || res.Job.Claim == nil || res.Job.Claim.LockToken != "token-abc" {
		t.Fatalf("claim token missing from job record: %+v", res.Job)
	}
}

func TestClaimDeniedIsNotAnError(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.claim": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"success": false, "reason": "job is claimed by another worker"}
		},
	})

	res, err := client.Claim(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("denied claim must not error: %v", err)
	}
	if res.Claimed {
		t.Fatal("expected denial")
	}
	if res.DeniedReason == "" {
		t.Fatal("denial carries no reason")
	}
}

func TestServiceFailureIsAnError(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.claim": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusInternalServerError, map[string]any{"error": "db down"}
		},
	})

	if _, err := client.Claim(context.Background(), "job-1"); err == nil {
		t.Fatal("5xx must surface as an error, not a denial")
	}
}

func TestSupersededTokenMapsToSentinel(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.progress": func(t *testing.T, body map[string]any) (int, any) {
			if body["lock_token"] != "stale" {
				t.Errorf("progress sent token %v", body["lock_token"])
			}
			return http.StatusOK, map[string]any{"success": false, "reason": "claim_superseded"}
		},
		"jobs.complete": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"success": false, "reason": "claim_superseded"}
		},
	})

	ctx := context.Background()
	err := client.UpdateProgress(ctx, "job-1", "stale", 20, "Downloading")
	if !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded, got %v", err)
	}
	err = client.Complete(ctx, "job-1", "stale", job.Result{OutputKey: "k"})
	if !errors.Is(err, jobstore.ErrClaimSuperseded) {
		t.Fatalf("expected ErrClaimSuperseded, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.get": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"success": false, "reason": "not_found"}
		},
	})

	_, err := client.Get(context.Background(), "missing")
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextClaimableEmptyQueue(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.next": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusOK, map[string]any{"success": false, "reason": "queue_empty"}
		},
	})

	record, err := client.NextClaimable(context.Background())
	if err != nil {
		t.Fatalf("empty queue must not error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil job, got %+v", record)
	}
}

func TestCreateAndListRoundTrip(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.create": func(t *testing.T, body map[string]any) (int, any) {
			if body["kind"] != "trailer" {
				t.Errorf("create sent kind %v", body["kind"])
			}
			record := wireJob("job-9")
			record["kind"] = "trailer"
			return http.StatusOK, map[string]any{"success": true, "value": record}
		},
		"jobs.list": func(t *testing.T, body map[string]any) (int, any) {
			statuses, _ := body["statuses"].([]any)
			if len(statuses) != 1 || statuses[0] != "pending" {
				t.Errorf("list sent statuses %v", body["statuses"])
			}
			return http.StatusOK, map[string]any{"success": true, "value": []any{wireJob("job-9")}}
		},
	})

	ctx := context.Background()
	created, err := client.Create(ctx, jobstore.CreateParams{ID: "job-9", Kind: job.KindTrailer, SourceRef: "ref"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.Kind != job.KindTrailer {
		t.Fatalf("unexpected kind %s", created.Kind)
	}

	jobs, err := client.List(ctx, job.StatusPending)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-9" {
		t.Fatalf("unexpected list: %+v", jobs)
	}
}

func TestStats(t *testing.T) {
	client := newTestClient(t, map[string]rpcHandler{
		"jobs.stats": func(t *testing.T, body map[string]any) (int, any) {
			return http.StatusOK, map[string]any{
				"success": true,
				"value":   map[string]int{"pending": 3, "completed": 7},
			}
		},
	})

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats[job.StatusPending] != 3 || stats[job.StatusCompleted] != 7 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
