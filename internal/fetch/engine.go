package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clipforge/internal/errclass"
	"clipforge/internal/identity"
	"clipforge/internal/logging"
)

// Metadata is the lightweight description returned alongside a fetched file.
type Metadata struct {
	Title       string
	DurationSec float64
	Format      string
}

// Result is a successful fetch.
type Result struct {
	Path     string
	Metadata Metadata
}

// Attempt describes one try handed to the Runner.
type Attempt struct {
	Locator    string
	DestDir    string
	Identity   identity.Identity
	Strategy   Strategy
	Constraint Constraint
	Quality    string
}

// Runner executes a single retrieval attempt. Implementations must confine
// all written files to Attempt.DestDir.
type Runner interface {
	Run(ctx context.Context, attempt Attempt) (Result, error)
}

// Error is the classified failure returned when every phase is exhausted or a
// permanent error short-circuits the fetch.
type Error struct {
	Class       errclass.Class
	RoutesTried []string
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	routes := strings.Join(e.RoutesTried, ", ")
	if routes == "" {
		routes = "none"
	}
	return fmt.Sprintf("fetch failed (%s) after %d attempts via routes [%s]: %v", e.Class, e.Attempts, routes, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// attemptRecord is the in-memory trace of one try, kept only for the duration
// of a single Fetch call.
type attemptRecord struct {
	identityUsed string
	strategy     string
	class        errclass.Class
	at           time.Time
}

// Engine orchestrates repeated fetch attempts across identities, strategies,
// and escalation phases.
type Engine struct {
	rotator      *identity.Rotator
	policy       errclass.Policy
	runner       Runner
	logger       *slog.Logger
	attemptDelay time.Duration
	routeDelay   time.Duration
	sleep        func(context.Context, time.Duration) error
}

// Options configures engine construction.
type Options struct {
	Rotator      *identity.Rotator
	Policy       errclass.Policy
	Runner       Runner
	Logger       *slog.Logger
	AttemptDelay time.Duration
	RouteDelay   time.Duration
	// Sleep overrides the delay function; tests inject a no-op.
	Sleep func(context.Context, time.Duration) error
}

// NewEngine constructs a retrieval engine.
func NewEngine(opts Options) *Engine {
	engine := &Engine{
		rotator:      opts.Rotator,
		policy:       opts.Policy,
		runner:       opts.Runner,
		logger:       logging.NewComponentLogger(opts.Logger, "retrieval-engine"),
		attemptDelay: opts.AttemptDelay,
		routeDelay:   opts.RouteDelay,
		sleep:        opts.Sleep,
	}
	if engine.rotator == nil {
		engine.rotator = identity.NewRotator(nil)
	}
	if engine.attemptDelay <= 0 {
		engine.attemptDelay = 2 * time.Second
	}
	if engine.routeDelay <= 0 {
		engine.routeDelay = 8 * time.Second
	}
	if engine.sleep == nil {
		engine.sleep = sleepContext
	}
	return engine
}

// fetchState carries per-call bookkeeping across phases.
type fetchState struct {
	locator     string
	quality     string
	destDir     string
	records     []attemptRecord
	unknownSeen int
	lastErr     error
	lastClass   errclass.Class
	routesTried map[string]struct{}
	routeOrder  []string
}

func (s *fetchState) noteRoute(route identity.Route) {
	name := route.Name
	if name == "" {
		name = "direct"
	}
	if _, ok := s.routesTried[name]; ok {
		return
	}
	s.routesTried[name] = struct{}{}
	s.routeOrder = append(s.routeOrder, name)
}

// Fetch retrieves one remote resource, escalating through the three phases
// until success, a permanent error, or exhaustion.
func (e *Engine) Fetch(ctx context.Context, locator, qualityHint, destDir string) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, &Error{Class: errclass.Permanent, Err: fmt.Errorf("empty locator")}
	}
	if e.runner == nil {
		return Result{}, &Error{Class: errclass.Unknown, Err: fmt.Errorf("no runner configured")}
	}

	state := &fetchState{
		locator:     locator,
		quality:     qualityHint,
		destDir:     destDir,
		routesTried: make(map[string]struct{}),
	}

	phases := []func(context.Context, *fetchState) (Result, bool, error){
		e.stickyIdentityPhase,
		e.freshIdentityPhase,
		e.maxPermissivenessPhase,
	}
	for i, phase := range phases {
		result, done, err := phase(ctx, state)
		if done {
			return result, err
		}
		if i < len(phases)-1 {
			logging.WithContext(ctx, e.logger).Info("escalating retrieval phase",
				logging.Int("next_phase", i+2),
				logging.Int("attempts_so_far", len(state.records)),
			)
		}
	}

	return Result{}, &Error{
		Class:       state.lastClass,
		RoutesTried: state.routeOrder,
		Attempts:    len(state.records),
		Err:         state.lastErr,
	}
}

// stickyIdentityPhase tries each route in priority order with one fresh
// identity per strategy, abandoning an identity the moment it is flagged.
func (e *Engine) stickyIdentityPhase(ctx context.Context, state *fetchState) (Result, bool, error) {
	routes := e.rotator.Routes()
	for ri, route := range routes {
		strategies := primaryStrategies()
		for si, strategy := range strategies {
			id := e.rotator.New(route, strategy.Profile)
			result, done, err := e.tryIdentity(ctx, state, id, strategy, ConstraintStrict)
			if done {
				return result, true, err
			}
			if si < len(strategies)-1 {
				if err := e.pause(ctx, e.attemptDelay); err != nil {
					return Result{}, true, err
				}
			}
		}
		if ri < len(routes)-1 {
			if err := e.pause(ctx, e.routeDelay); err != nil {
				return Result{}, true, err
			}
		}
	}
	return Result{}, false, nil
}

// freshIdentityPhase retries the top routes issuing a brand-new identity for
// every attempt with relaxed format constraints.
func (e *Engine) freshIdentityPhase(ctx context.Context, state *fetchState) (Result, bool, error) {
	for _, route := range e.topRoutes() {
		for _, strategy := range allStrategies() {
			id := e.rotator.New(route, strategy.Profile)
			result, done, err := e.tryIdentity(ctx, state, id, strategy, ConstraintRelaxed)
			if done {
				return result, true, err
			}
			if err := e.pause(ctx, e.attemptDelay); err != nil {
				return Result{}, true, err
			}
		}
	}
	return Result{}, false, nil
}

// maxPermissivenessPhase cycles every fingerprint profile on the top routes
// with the loosest possible constraints.
func (e *Engine) maxPermissivenessPhase(ctx context.Context, state *fetchState) (Result, bool, error) {
	for _, route := range e.topRoutes() {
		for _, strategy := range allStrategies() {
			id := e.rotator.New(route, strategy.Profile)
			result, done, err := e.tryIdentity(ctx, state, id, strategy, ConstraintAny)
			if done {
				return result, true, err
			}
			if err := e.pause(ctx, e.attemptDelay); err != nil {
				return Result{}, true, err
			}
		}
	}
	return Result{}, false, nil
}

// tryIdentity runs attempts against one identity, retrying in place only for
// transient infrastructure errors and bounded unknowns. done=true means the
// overall fetch is finished (success, permanent error, or exhausted budget).
func (e *Engine) tryIdentity(ctx context.Context, state *fetchState, id identity.Identity, strategy Strategy, constraint Constraint) (Result, bool, error) {
	state.noteRoute(id.Route)
	logger := logging.WithContext(ctx, e.logger)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, true, err
		}
		if err := e.cleanupPartials(state.destDir); err != nil {
			logger.Warn("partial artifact cleanup failed", logging.Error(err))
		}

		result, runErr := e.runner.Run(ctx, Attempt{
			Locator:    state.locator,
			DestDir:    state.destDir,
			Identity:   id,
			Strategy:   strategy,
			Constraint: constraint,
			Quality:    state.quality,
		})
		class := errclass.Classify(runErr)
		state.records = append(state.records, attemptRecord{
			identityUsed: id.String(),
			strategy:     strategy.Name,
			class:        class,
			at:           time.Now(),
		})
		if runErr == nil {
			logger.Info("fetch succeeded",
				logging.String(logging.FieldRoute, id.Route.Name),
				logging.String(logging.FieldStrategy, strategy.Name),
				logging.Int("attempts", len(state.records)),
			)
			return result, true, nil
		}

		state.lastErr = runErr
		state.lastClass = class
		if class == errclass.Unknown {
			state.unknownSeen++
		}
		logger.Debug("fetch attempt failed",
			logging.String(logging.FieldRoute, id.Route.Name),
			logging.String(logging.FieldStrategy, strategy.Name),
			logging.String(logging.FieldErrorClass, string(class)),
			logging.Error(runErr),
		)

		switch e.policy.Decide(class, attempt, state.unknownSeen) {
		case errclass.Fail:
			return Result{}, true, &Error{
				Class:       class,
				RoutesTried: state.routeOrder,
				Attempts:    len(state.records),
				Err:         runErr,
			}
		case errclass.RetrySameIdentity:
			if err := e.pause(ctx, errclass.Backoff(e.attemptDelay, attempt)); err != nil {
				return Result{}, true, err
			}
		case errclass.RetryNewIdentity, errclass.EscalateStrategy:
			// The caller moves to the next strategy, route, or phase.
			return Result{}, false, nil
		}
	}
}

func (e *Engine) topRoutes() []identity.Route {
	routes := e.rotator.Routes()
	if len(routes) > 2 {
		routes = routes[:2]
	}
	return routes
}

// cleanupPartials removes leftover files from a prior failed attempt so no
// stale partial artifact survives into the next one.
func (e *Engine) cleanupPartials(destDir string) error {
	if strings.TrimSpace(destDir) == "" {
		return nil
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read fetch dir: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(destDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove partial %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// pause sleeps for the duration plus proportional jitter to avoid bursty
// request signatures.
func (e *Engine) pause(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return e.sleep(ctx, base+jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
