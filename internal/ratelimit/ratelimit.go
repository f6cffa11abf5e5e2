// Package ratelimit provides a fixed-window request limiter.
//
// The limiter keeps one [Window] per key. A window has a start time, a
// duration, and a ceiling; when the window has elapsed it is reset before the
// next check. Check-then-consume happens under a single lock so that no
// caller can observe a stale count between the check and the increment.
//
// All methods are safe for concurrent use.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the counter state for one key. Counters are clamped: the count
// never goes negative and never exceeds the configured ceiling.
type Window struct {
	// Count is the number of operations consumed in the current window.
	Count int

	// Start is when the current window began.
	Start time.Time

	// Duration is the window length.
	Duration time.Duration

	// MaxRequests is the ceiling of operations per window.
	MaxRequests int
}

// ResetAt returns the instant at which the window expires and the counter
// resets.
func (w Window) ResetAt() time.Time {
	return w.Start.Add(w.Duration)
}

// Decision is the outcome of a [Limiter.CheckAndConsume] or [Limiter.Peek]
// call.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool

	// Remaining is the number of operations left in the window after this
	// decision.
	Remaining int

	// ResetAt is when the current window expires.
	ResetAt time.Time
}

// Config holds the limiter tuning values shared by all keys.
type Config struct {
	// WindowDuration is the length of each window. Default: 60s.
	WindowDuration time.Duration

	// MaxRequests is the per-window ceiling. Default: 20.
	MaxRequests int
}

// Limiter tracks one [Window] per key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

// Option is a functional option for configuring a [Limiter].
type Option func(*Limiter)

// WithClock overrides the time source. Used in tests to step through window
// expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a [Limiter]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 20
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*Window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckAndConsume checks the window for key and, when below the ceiling,
// consumes one operation. When the ceiling is already reached the counter is
// left untouched and the decision reports Allowed=false with Remaining=0.
func (l *Limiter) CheckAndConsume(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(key)
	if w.Count >= w.MaxRequests {
		return Decision{Allowed: false, Remaining: 0, ResetAt: w.ResetAt()}
	}
	w.Count++
	return Decision{
		Allowed:   true,
		Remaining: w.MaxRequests - w.Count,
		ResetAt:   w.ResetAt(),
	}
}

// Peek evaluates the window for key without consuming. Used by the admission
// guard, which must not mutate counters on its check path.
func (l *Limiter) Peek(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(key)
	remaining := w.MaxRequests - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.Count < w.MaxRequests,
		Remaining: remaining,
		ResetAt:   w.ResetAt(),
	}
}

// Reset discards the window for key. The next check starts a fresh window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// window returns the live window for key, creating or resetting it as needed.
// Caller must hold l.mu.
func (l *Limiter) window(key string) *Window {
	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		w = &Window{
			Start:       now,
			Duration:    l.cfg.WindowDuration,
			MaxRequests: l.cfg.MaxRequests,
		}
		l.windows[key] = w
		return w
	}
	if now.After(w.ResetAt()) {
		w.Count = 0
		w.Start = now
	}
	return w
}
