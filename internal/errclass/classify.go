package errclass

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Class buckets an error for retry decisions.
type Class string

const (
	// TransientBlock marks provider responses that read as automated-traffic
	// suspicion. Rotating identity may help; the resource itself is fine.
	TransientBlock Class = "transient_block"
	// Permanent marks provider-declared unavailability of the resource itself.
	// No identity or strategy change helps.
	Permanent Class = "permanent"
	// TransientInfra marks network or server-side failures against
	// cooperative endpoints. Plain backoff, no rotation.
	TransientInfra Class = "transient_infra"
	// Unknown marks errors that matched no rule. Treated as transient under a
	// capped attempt budget.
	Unknown Class = "unknown"
)

type rule struct {
	substr string
	class  Class
}

// classificationRules is the single reviewable table mapping provider and
// network error text to a class. Order matters: permanent rules come first so
// a "private video" message containing "unavailable" still short-circuits.
var classificationRules = []rule{
	{"private video", Permanent},
	{"video unavailable", Permanent},
	{"has been removed", Permanent},
	{"no longer available", Permanent},
	{"account associated with this video has been terminated", Permanent},
	{"members-only content", Permanent},
	{"join this channel", Permanent},
	{"not available in your country", Permanent},
	{"blocked it in your country", Permanent},
	{"copyright grounds", Permanent},
	{"requested format is not available", Permanent},

	{"sign in to confirm", TransientBlock},
	{"confirm you're not a bot", TransientBlock},
	{"not a robot", TransientBlock},
	{"captcha", TransientBlock},
	{"verification challenge", TransientBlock},
	{"http error 429", TransientBlock},
	{"too many requests", TransientBlock},
	{"rate-limited", TransientBlock},
	{"rate limit", TransientBlock},
	{"http error 403", TransientBlock},
	{"access denied", TransientBlock},
	{"unusual traffic", TransientBlock},
	{"temporarily blocked", TransientBlock},

	{"http error 500", TransientInfra},
	{"http error 502", TransientInfra},
	{"http error 503", TransientInfra},
	{"bad gateway", TransientInfra},
	{"service unavailable", TransientInfra},
	{"timed out", TransientInfra},
	{"timeout", TransientInfra},
	{"connection reset", TransientInfra},
	{"connection refused", TransientInfra},
	{"temporary failure in name resolution", TransientInfra},
	{"no route to host", TransientInfra},
	{"unexpected eof", TransientInfra},
	{"incomplete read", TransientInfra},
}

// Classify maps an error to its taxonomy class using the rule table. Context
// cancellation and deadline errors classify as transient infrastructure so
// callers never rotate identity over their own timeouts.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientInfra
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientInfra
	}
	text := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		if strings.Contains(text, rule.substr) {
			return rule.class
		}
	}
	return Unknown
}

// ClassifyText classifies raw error output (e.g. subprocess stderr) that never
// became a Go error value.
func ClassifyText(text string) Class {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unknown
	}
	return Classify(errors.New(strings.ToLower(text)))
}
