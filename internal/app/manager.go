package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auralis-ai/auralis/internal/admission"
	"github.com/auralis-ai/auralis/internal/capture"
	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/quota"
	"github.com/auralis-ai/auralis/internal/session"
	"github.com/auralis-ai/auralis/internal/transport"
)

// Manager creates and tracks live sessions. Each session gets its own quota
// ledger and transport; the rate limiter and usage sink are shared.
// All exported methods are safe for concurrent use.
type Manager struct {
	app *App

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newManager(a *App) *Manager {
	return &Manager{app: a, sessions: make(map[string]*session.Session)}
}

// SessionInfo is a point-in-time view of one tracked session.
type SessionInfo struct {
	ID        string
	Status    session.Status
	LastError string
	StartedAt time.Time
}

// Open creates a session and runs its admission and connect sequence. The
// session is tracked until [Manager.Close] or [Manager.CloseAll].
func (m *Manager) Open(ctx context.Context, id, token string) (*session.Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("app: session %q already open", id)
	}
	// Reserve the id before releasing the lock so a concurrent Open with the
	// same id cannot dial a second transport.
	m.sessions[id] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}

	ctx, span := observe.StartSpan(ctx, "session.open", observe.SessionAttr(id))
	defer span.End()

	cfg := m.app.cfg

	maxTokens := cfg.Limits.SessionMaxTokens
	var debit session.DebitFunc
	if bs := m.app.budget; bs != nil {
		remaining, found, err := bs.RemainingTokens(ctx, id)
		switch {
		case err != nil:
			m.app.log.Warn("session budget lookup failed", "session_id", id, "error", err)
		case found && remaining <= 0:
			release()
			m.app.metrics.RecordAdmissionDenial(ctx, "budget-exceeded")
			return nil, fmt.Errorf("app: session %q: %w", id, quota.ErrBudgetExceeded)
		case found && (maxTokens == 0 || remaining < int64(maxTokens)):
			maxTokens = int(remaining)
		}
		debit = func(ctx context.Context, tokens int64) error {
			return bs.DebitTokens(ctx, id, tokens)
		}
	}

	ledger := quota.NewLedger(featureBudgets(cfg.Limits.Features), maxTokens)
	guard := admission.New(m.app.verifier, m.app.limiter, ledger, cfg.Live.Endpoint)

	start := time.Now()
	s := session.New(id, token, "chat", session.Deps{
		Guard:     guardAdapter{guard},
		Limiter:   m.app.limiter,
		Ledger:    ledger,
		Recorder:  m.app.recorder,
		Responder: m.app.respond,
		Metrics:   m.app.metrics,
		Debit:     debit,
		Log:       m.app.log,
		Capture: []capture.Option{
			capture.WithIntervals(cfg.Capture.AudioInterval, cfg.Capture.VideoInterval),
			capture.WithJPEGQuality(cfg.Capture.JPEGQuality),
		},
		Dial: func() session.Conn {
			return transport.NewClient(transport.Config{
				Endpoint:       cfg.Live.Endpoint,
				APIKey:         cfg.Live.APIKey,
				Model:          cfg.Live.Model,
				ConnectTimeout: cfg.Live.ConnectTimeout,
				Setup: transport.SetupParams{
					ResponseModalities: modalities(cfg.Live.ResponseModalities),
					SystemInstruction:  cfg.Live.SystemInstruction,
					Voice:              cfg.Live.Voice,
					Temperature:        cfg.Live.Temperature,
				},
			})
		},
	})

	if err := s.Connect(ctx); err != nil {
		m.app.metrics.RecordAdmissionDenial(ctx, denialReason(err))
		s.Cleanup()
		release()
		return nil, err
	}

	m.app.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	m.app.metrics.ActiveSessions.Add(ctx, 1)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the tracked session with the given id, or nil.
func (m *Manager) Get(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Close cleans up and forgets one session.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s != nil {
		s.Cleanup()
		m.app.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// CloseAll cleans up every tracked session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if s == nil {
			continue
		}
		s.Cleanup()
		m.app.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Len reports how many sessions are tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// guardAdapter exposes *admission.Guard through the orchestrator's Admitter
// interface.
type guardAdapter struct {
	guard *admission.Guard
}

func (g guardAdapter) Authorize(ctx context.Context, sessionID, token, feature string, estimatedTokens int) error {
	return g.guard.Authorize(ctx, admission.Request{
		SessionID:       sessionID,
		IdentityToken:   token,
		Feature:         feature,
		EstimatedTokens: estimatedTokens,
	})
}

func featureBudgets(features map[string]config.FeatureBudget) map[string]quota.Budget {
	budgets := make(map[string]quota.Budget, len(features))
	for name, b := range features {
		budgets[name] = quota.Budget{MaxTokens: b.MaxTokens, MaxRequests: b.MaxRequests}
	}
	return budgets
}

func modalities(ms []config.Modality) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func denialReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, admission.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, admission.ErrInsecureContext):
		return "insecure-context"
	case errors.Is(err, admission.ErrRateLimited):
		return "rate-limited"
	default:
		if _, ok := quota.Exceeded(err); ok {
			return "budget-exceeded"
		}
		return "transport"
	}
}
