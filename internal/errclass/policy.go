package errclass

import (
	"math/rand"
	"time"
)

// Action tells the caller what to do after a failed attempt.
type Action string

const (
	// RetrySameIdentity re-runs the attempt unchanged after backoff.
	RetrySameIdentity Action = "retry_same_identity"
	// RetryNewIdentity abandons the current identity before retrying.
	RetryNewIdentity Action = "retry_new_identity"
	// EscalateStrategy moves to the next fallback strategy or phase.
	EscalateStrategy Action = "escalate_strategy"
	// Fail stops retrying and surfaces the error.
	Fail Action = "fail"
)

// Policy is a pure retry decision function. The zero value is unusable; use
// NewPolicy so the unknown-error budget is bounded.
type Policy struct {
	// MaxInfraAttempts bounds retries of transient infrastructure errors for
	// one operation.
	MaxInfraAttempts int
	// UnknownBudget caps total attempts spent on unclassified errors so a
	// novel un-retriable error cannot spin forever.
	UnknownBudget int
}

// NewPolicy returns a policy with the given ceilings, substituting defaults
// for non-positive values.
func NewPolicy(maxInfraAttempts, unknownBudget int) Policy {
	if maxInfraAttempts <= 0 {
		maxInfraAttempts = 3
	}
	if unknownBudget <= 0 {
		unknownBudget = 6
	}
	return Policy{MaxInfraAttempts: maxInfraAttempts, UnknownBudget: unknownBudget}
}

// Decide returns the action for a classified error. attempt is 1-based and
// counts attempts of the current operation; unknownSeen counts unclassified
// errors across the whole call.
func (p Policy) Decide(class Class, attempt, unknownSeen int) Action {
	switch class {
	case Permanent:
		return Fail
	case TransientBlock:
		return RetryNewIdentity
	case TransientInfra:
		if attempt >= p.MaxInfraAttempts {
			return EscalateStrategy
		}
		return RetrySameIdentity
	case Unknown:
		if unknownSeen >= p.UnknownBudget {
			return Fail
		}
		return RetrySameIdentity
	default:
		return Fail
	}
}

// Backoff returns an exponential delay with jitter for the given 1-based
// attempt. base doubles per attempt and is capped at 8x.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := 1 << (attempt - 1)
	if factor > 8 {
		factor = 8
	}
	delay := base * time.Duration(factor)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}
