// Package quota tracks per-feature token and request budgets for one session.
//
// The [Ledger] separates checking from committing: [Ledger.Check] evaluates
// every applicable limit without mutating anything, and [Ledger.Record]
// commits usage after a unit of work completed. This keeps retries from being
// double counted.
//
// All methods are safe for concurrent use.
package quota

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is the sentinel wrapped by every budget denial. Use
// [Exceeded] to recover the violated scope.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetError reports which scope was exhausted. It wraps
// [ErrBudgetExceeded].
type BudgetError struct {
	// Scope names the violated budget: a feature name, or "session" for the
	// global token budget, or "requests" for the request-count budget.
	Scope string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exceeded for %q", e.Scope)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// Exceeded returns the violated scope when err is a budget denial.
func Exceeded(err error) (scope string, ok bool) {
	var be *BudgetError
	if errors.As(err, &be) {
		return be.Scope, true
	}
	return "", false
}

// Budget caps a single feature.
type Budget struct {
	// MaxTokens is the token ceiling. Zero means unlimited.
	MaxTokens int

	// MaxRequests is the request ceiling. Zero means unlimited.
	MaxRequests int
}

// usage is the consumed portion of one feature's budget.
type usage struct {
	tokensUsed   int
	requestsMade int
}

// Ledger tracks consumed tokens and requests per feature against fixed
// budgets. Counters increase monotonically until [Ledger.ResetAll] and are
// clamped to their ceilings rather than erroring during increment.
type Ledger struct {
	mu               sync.Mutex
	budgets          map[string]Budget
	used             map[string]*usage
	sessionMaxTokens int
	sessionTokens    int
}

// NewLedger creates a [Ledger] with the given per-feature budgets and global
// session token ceiling. A zero sessionMaxTokens means the global budget is
// unlimited.
func NewLedger(budgets map[string]Budget, sessionMaxTokens int) *Ledger {
	b := make(map[string]Budget, len(budgets))
	for k, v := range budgets {
		b[k] = v
	}
	return &Ledger{
		budgets:          b,
		used:             make(map[string]*usage),
		sessionMaxTokens: sessionMaxTokens,
	}
}

// Check evaluates all budgets that apply to spending estimatedTokens on
// feature. It mutates nothing. The first violated scope wins: the global
// session budget, then the feature token budget, then the feature request
// budget.
func (l *Ledger) Check(feature string, estimatedTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessionMaxTokens > 0 && l.sessionTokens+estimatedTokens > l.sessionMaxTokens {
		return &BudgetError{Scope: "session"}
	}

	b, ok := l.budgets[feature]
	if !ok {
		return nil
	}
	u := l.usageFor(feature)
	if b.MaxTokens > 0 && u.tokensUsed+estimatedTokens > b.MaxTokens {
		return &BudgetError{Scope: feature}
	}
	if b.MaxRequests > 0 && u.requestsMade >= b.MaxRequests {
		return &BudgetError{Scope: feature}
	}
	return nil
}

// Record commits tokens spent on feature and counts one request. Counters are
// clamped to their ceilings; Record never fails.
func (l *Ledger) Record(feature string, tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessionTokens += tokens
	if l.sessionMaxTokens > 0 && l.sessionTokens > l.sessionMaxTokens {
		l.sessionTokens = l.sessionMaxTokens
	}

	u := l.usageFor(feature)
	u.tokensUsed += tokens
	u.requestsMade++
	if b, ok := l.budgets[feature]; ok {
		if b.MaxTokens > 0 && u.tokensUsed > b.MaxTokens {
			u.tokensUsed = b.MaxTokens
		}
		if b.MaxRequests > 0 && u.requestsMade > b.MaxRequests {
			u.requestsMade = b.MaxRequests
		}
	}
}

// Remaining returns the unspent token budget for feature. The second result
// is false when the feature has no token ceiling.
func (l *Ledger) Remaining(feature string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[feature]
	if !ok || b.MaxTokens == 0 {
		return 0, false
	}
	rem := b.MaxTokens - l.usageFor(feature).tokensUsed
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// SessionTokens returns the total tokens committed across all features.
func (l *Ledger) SessionTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionTokens
}

// ResetAll clears every counter. Budgets are retained.
func (l *Ledger) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used = make(map[string]*usage)
	l.sessionTokens = 0
}

// usageFor returns the live usage record for feature. Caller must hold l.mu.
func (l *Ledger) usageFor(feature string) *usage {
	u, ok := l.used[feature]
	if !ok {
		u = &usage{}
		l.used[feature] = u
	}
	return u
}
