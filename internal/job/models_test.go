package job_test

import (
	"testing"
	"time"

	"clipforge/internal/job"
)

func TestParseKind(t *testing.T) {
	cases := []struct {
		input string
		want  job.Kind
		ok    bool
	}{
		{"clip", job.KindClip, true},
		{" Trailer ", job.KindTrailer, true},
		{"GIF", job.KindGIF, true},
		{"meme", job.KindMeme, true},
		{"podcast", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := job.ParseKind(tc.input)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseKind(%q) = %q, %v; want %q, %v", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if job.StatusPending.IsTerminal() || job.StatusProcessing.IsTerminal() {
		t.Fatal("pending/processing must not be terminal")
	}
	if !job.StatusCompleted.IsTerminal() || !job.StatusFailed.IsTerminal() {
		t.Fatal("completed/failed must be terminal")
	}
}

func TestClaimValidity(t *testing.T) {
	now := time.Now()
	var nilClaim *job.Claim
	if nilClaim.Valid(now) {
		t.Fatal("nil claim must be invalid")
	}
	claim := &job.Claim{LockToken: "tok", ClaimedAt: now, ExpiresAt: now.Add(time.Minute)}
	if !claim.Valid(now) {
		t.Fatal("fresh claim should be valid")
	}
	if claim.Valid(now.Add(2 * time.Minute)) {
		t.Fatal("expired claim should be invalid")
	}
	empty := &job.Claim{ExpiresAt: now.Add(time.Minute)}
	if empty.Valid(now) {
		t.Fatal("claim without token should be invalid")
	}
}

func TestResultRoundTrip(t *testing.T) {
	encoded, err := job.EncodeResult(job.Result{OutputKey: "out/clip.mp4", ContentType: "video/mp4", Degraded: true})
	if err != nil {
		t.Fatalf("EncodeResult failed: %v", err)
	}
	decoded, err := job.DecodeResult(encoded)
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if decoded.OutputKey != "out/clip.mp4" || !decoded.Degraded {
		t.Fatalf("unexpected decoded result: %+v", decoded)
	}

	if _, err := job.DecodeResult("   "); err != nil {
		t.Fatalf("blank result should decode to zero value: %v", err)
	}
	if _, err := job.DecodeResult("{not json"); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
