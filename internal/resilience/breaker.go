// Package resilience guards the non-streaming fallback path with a circuit
// breaker so a dead fallback endpoint is bypassed quickly instead of making
// every failed session wait out a full request timeout.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects every call until the cooldown elapses.
	Open
	// HalfOpen lets a single probe call through; its outcome decides
	// whether the breaker closes again or re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// create one with [NewBreaker]. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithClock overrides the time source. Tests use this to step through the
// cooldown without sleeping.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithBreakerLogger overrides the default logger.
func WithBreakerLogger(log *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.log = log }
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after cooldown. Non-positive values fall back to
// 3 failures and 30 seconds.
func NewBreaker(name string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the current operating mode, accounting for an elapsed
// cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is rejecting calls. While open and within
// the cooldown it returns [ErrOpen] without invoking fn. After the cooldown
// exactly one probe call is admitted: success closes the breaker, failure
// re-opens it for a fresh cooldown.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = false
		b.log.Info("breaker half-open", "name", b.name)
		fallthrough
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != Closed {
			b.log.Info("breaker closed", "name", b.name)
		}
		b.state = Closed
		b.failures = 0
		b.probing = false
		return
	}

	switch b.state {
	case HalfOpen:
		b.open()
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

// open trips the breaker. Caller holds the lock.
func (b *Breaker) open() {
	b.state = Open
	b.failures = 0
	b.probing = false
	b.openedAt = b.now()
	b.log.Warn("breaker open", "name", b.name, "cooldown", b.cooldown)
}
