package errclass

import (
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	policy := NewPolicy(3, 6)

	cases := []struct {
		name        string
		class       Class
		attempt     int
		unknownSeen int
		want        Action
	}{
		{"permanent always fails", Permanent, 1, 0, Fail},
		{"permanent fails late too", Permanent, 9, 0, Fail},
		{"blocking rotates identity", TransientBlock, 1, 0, RetryNewIdentity},
		{"infra retries in place", TransientInfra, 1, 0, RetrySameIdentity},
		{"infra retries below ceiling", TransientInfra, 2, 0, RetrySameIdentity},
		{"infra escalates at ceiling", TransientInfra, 3, 0, EscalateStrategy},
		{"unknown retries under budget", Unknown, 1, 2, RetrySameIdentity},
		{"unknown fails at budget", Unknown, 1, 6, Fail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.Decide(tc.class, tc.attempt, tc.unknownSeen); got != tc.want {
				t.Fatalf("Decide(%s, %d, %d) = %s, want %s", tc.class, tc.attempt, tc.unknownSeen, got, tc.want)
			}
		})
	}
}

func TestNewPolicySubstitutesDefaults(t *testing.T) {
	policy := NewPolicy(0, -1)
	if policy.MaxInfraAttempts != 3 {
		t.Errorf("MaxInfraAttempts = %d", policy.MaxInfraAttempts)
	}
	if policy.UnknownBudget != 6 {
		t.Errorf("UnknownBudget = %d", policy.UnknownBudget)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	previousFloor := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		delay := Backoff(base, attempt)
		floor := base * time.Duration(1<<(attempt-1))
		if delay < floor {
			t.Errorf("attempt %d: delay %v below floor %v", attempt, delay, floor)
		}
		if delay > floor+base {
			t.Errorf("attempt %d: delay %v exceeds floor plus jitter", attempt, delay)
		}
		if floor < previousFloor {
			t.Errorf("floor regressed at attempt %d", attempt)
		}
		previousFloor = floor
	}

	// Doubling stops at 8x base.
	if delay := Backoff(base, 10); delay > 8*base+base {
		t.Errorf("capped delay = %v", delay)
	}
}
