// Package app wires the Auralis subsystems into a running service.
//
// The App struct owns the shared infrastructure: the rate limiter, the usage
// sink, the fallback responder, and the metrics. Sessions are created and
// tracked through [Manager]. New creates everything from config; tests
// inject doubles via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/auralis-ai/auralis/internal/admission"
	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/fallback"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/ratelimit"
	"github.com/auralis-ai/auralis/internal/resilience"
	"github.com/auralis-ai/auralis/internal/usage"
)

// App owns the subsystems shared by every session.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	limiter  *ratelimit.Limiter
	recorder usage.Recorder
	store    *usage.Store
	budget   usage.BudgetStore
	verifier admission.TokenVerifier
	respond  fallback.Responder
	manager  *Manager

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a test double into [New].
type Option func(*App)

// WithRecorder injects a usage sink instead of creating one from config.
func WithRecorder(r usage.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithVerifier injects the identity verifier. Without it only demo sessions
// are admitted.
func WithVerifier(v admission.TokenVerifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithResponder injects a fallback responder instead of creating one from
// config.
func WithResponder(r fallback.Responder) Option {
	return func(a *App) { a.respond = r }
}

// WithBudgetStore injects a durable session budget store instead of the
// Postgres-backed one created from config.
func WithBudgetStore(b usage.BudgetStore) Option {
	return func(a *App) { a.budget = b }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New wires an App from cfg. Initialisation is synchronous: the usage
// database connection (when configured) and the fallback backend are created
// here, so a misconfigured service fails at startup rather than mid-session.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
		limiter: ratelimit.New(ratelimit.Config{
			WindowDuration: cfg.Limits.WindowDuration,
			MaxRequests:    cfg.Limits.MaxRequests,
		}),
	}
	for _, o := range opts {
		o(a)
	}

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}
	a.metrics = m

	if a.verifier == nil {
		a.verifier = denyAllVerifier{}
	}

	if a.recorder == nil {
		if cfg.Usage.PostgresDSN != "" {
			store, err := usage.NewStore(ctx, cfg.Usage.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("app: usage store: %w", err)
			}
			a.store = store
			a.recorder = store
			if a.budget == nil {
				a.budget = store
			}
			a.closers = append(a.closers, func() error { store.Close(); return nil })
		} else {
			a.recorder = &usage.LogRecorder{Log: a.log}
		}
	}

	if a.respond == nil && cfg.Fallback.Provider != "" {
		responder, err := fallback.New(
			cfg.Fallback.Provider,
			cfg.Fallback.Model,
			cfg.Fallback.APIKey,
			cfg.Live.SystemInstruction,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("app: fallback responder: %w", err)
		}
		breaker := resilience.NewBreaker("fallback", 3, 30*time.Second,
			resilience.WithBreakerLogger(a.log))
		a.respond = fallback.Guard(responder, breaker)
	}

	a.manager = newManager(a)
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *Manager { return a.manager }

// Metrics returns the application metric instruments.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// UsageStore returns the Postgres usage store, or nil when records go to the
// log only.
func (a *App) UsageStore() *usage.Store { return a.store }

// Shutdown closes every session and releases shared resources. Idempotent.
func (a *App) Shutdown() error {
	var errs []error
	a.stopOnce.Do(func() {
		a.manager.CloseAll()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// denyAllVerifier rejects every identity token. With no external
// authentication service configured, only demo sessions are admitted.
type denyAllVerifier struct{}

func (denyAllVerifier) Verify(context.Context, string) (string, error) {
	return "", errors.New("no identity verifier configured")
}
