// Package admission gates session starts and outbound operations behind
// identity, transport security, rate, and budget checks.
//
// The guard only checks, it never consumes. Counters are committed by the
// caller after a unit of work completes, so a denied or retried operation is
// never double counted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/auralis-ai/auralis/internal/quota"
	"github.com/auralis-ai/auralis/internal/ratelimit"
)

// Denial reasons. Budget denials carry a [quota.BudgetError] instead and are
// matched with [quota.ErrBudgetExceeded].
var (
	// ErrUnauthenticated means neither a verified identity token nor a demo
	// session identifier was presented.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInsecureContext means the configured endpoint does not satisfy the
	// encrypted-transport precondition. Returned before any network activity.
	ErrInsecureContext = errors.New("insecure context")

	// ErrRateLimited means the request-count window is exhausted.
	ErrRateLimited = errors.New("rate limited")
)

// DemoSessionPrefix marks session ids that are admitted without an identity
// token. Demo sessions still count against every budget.
const DemoSessionPrefix = "demo-"

// defaultAuthorizeTimeout bounds a single Authorize call, including the
// identity verification round trip.
const defaultAuthorizeTimeout = 5 * time.Second

// TokenVerifier checks an identity token with the external authentication
// service. Implementations must respect context cancellation.
type TokenVerifier interface {
	// Verify returns the authenticated principal id for token, or an error
	// when the token is invalid or expired.
	Verify(ctx context.Context, token string) (string, error)
}

// Request describes one unit of work seeking admission.
type Request struct {
	// SessionID identifies the session. Ids with [DemoSessionPrefix] are
	// admitted without an identity token.
	SessionID string

	// IdentityToken is the caller's bearer token. May be empty for demo
	// sessions.
	IdentityToken string

	// Feature names the budget scope being spent, e.g. "chat" or "voice".
	Feature string

	// EstimatedTokens is the projected token cost of the work.
	EstimatedTokens int
}

// Guard composes the identity, transport, rate, and budget checks.
// All methods are safe for concurrent use.
type Guard struct {
	verifier TokenVerifier
	limiter  *ratelimit.Limiter
	ledger   *quota.Ledger
	endpoint string
	timeout  time.Duration
}

// Option is a functional option for configuring a [Guard].
type Option func(*Guard)

// WithTimeout overrides the per-call authorization timeout. Useful in tests.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// New creates a [Guard]. endpoint is the live streaming URL whose scheme is
// checked against the secure-transport precondition.
func New(verifier TokenVerifier, limiter *ratelimit.Limiter, ledger *quota.Ledger, endpoint string, opts ...Option) *Guard {
	g := &Guard{
		verifier: verifier,
		limiter:  limiter,
		ledger:   ledger,
		endpoint: endpoint,
		timeout:  defaultAuthorizeTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Authorize evaluates every applicable limit for req and returns the first
// violated reason. It mutates no counters: on allow, the caller commits usage
// through the ledger and limiter after the work completes.
//
// Check order: secure transport, identity, request window, budgets. The
// endpoint check runs first so an insecure context is denied before the
// verifier makes any network round trip.
func (g *Guard) Authorize(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := CheckSecureEndpoint(g.endpoint); err != nil {
		return err
	}
	if err := g.checkIdentity(ctx, req); err != nil {
		return err
	}
	if d := g.limiter.Peek(req.SessionID); !d.Allowed {
		return fmt.Errorf("%w: window resets at %s", ErrRateLimited, d.ResetAt.UTC().Format(time.RFC3339))
	}
	if err := g.ledger.Check(req.Feature, req.EstimatedTokens); err != nil {
		return err
	}
	return nil
}

func (g *Guard) checkIdentity(ctx context.Context, req Request) error {
	if strings.HasPrefix(req.SessionID, DemoSessionPrefix) {
		return nil
	}
	if req.IdentityToken == "" {
		return fmt.Errorf("%w: no identity token and not a demo session", ErrUnauthenticated)
	}
	if _, err := g.verifier.Verify(ctx, req.IdentityToken); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}

// CheckSecureEndpoint enforces the encrypted-transport precondition on a
// streaming endpoint URL: wss everywhere, plain ws only towards loopback.
func CheckSecureEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: unparsable endpoint %q", ErrInsecureContext, endpoint)
	}
	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		host := u.Hostname()
		if host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
			return nil
		}
	}
	return fmt.Errorf("%w: endpoint %q is not encrypted", ErrInsecureContext, endpoint)
}
