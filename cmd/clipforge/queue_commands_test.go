package main

import (
	"bytes"
	"strings"
	"testing"

	"clipforge/internal/testsupport"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	return testsupport.WriteConfigFile(t, testsupport.NewConfig(t))
}

func runCommand(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueAddAndList(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCommand(t, configPath, "queue", "add", "clip", "https://videos.example/watch?v=abc")
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if !strings.Contains(out, "Enqueued clip job") {
		t.Errorf("unexpected add output: %q", out)
	}

	out, err = runCommand(t, configPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "clip") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected list output: %q", out)
	}

	out, err = runCommand(t, configPath, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "1") {
		t.Errorf("unexpected stats output: %q", out)
	}
}

func TestQueueAddRejectsUnknownKind(t *testing.T) {
	configPath := writeTestConfig(t)

	_, err := runCommand(t, configPath, "queue", "add", "slideshow", "ref")
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestQueueListEmpty(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCommand(t, configPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "Queue is empty.") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestQueueShowUnknownJob(t *testing.T) {
	configPath := writeTestConfig(t)

	if _, err := runCommand(t, configPath, "queue", "show", "nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestQueueRetryEmpty(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCommand(t, configPath, "queue", "retry")
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if !strings.Contains(out, "Requeued 0 job(s)") {
		t.Errorf("unexpected output: %q", out)
	}
}
