// Package resilience guards calls to the coaching backend.
//
// A [Breaker] counts consecutive backend failures. Once the count reaches
// the configured limit it refuses calls with [ErrOpen] for a cool-down
// period, then admits a bounded number of trial calls and closes again when
// enough of them succeed. Errors the caller caused (a rejected credential,
// an unknown step, its own cancellation) are kept out of the count through
// [Config.IsFailure] and the call's context.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while calls are being refused.
var ErrOpen = errors.New("resilience: circuit open")

// State is the mode a [Breaker] is in.
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open refuses calls until the cool-down has passed.
	Open
	// HalfOpen admits trial calls to decide whether to close.
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

// Config tunes a [Breaker]. Zero fields take the documented defaults.
type Config struct {
	// Name labels log lines.
	Name string

	// Threshold is the run of consecutive failures that opens the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Trials is how many trial calls must succeed in the half-open state
	// before the breaker closes; it also caps trials in flight. Default: 1.
	Trials int

	// IsFailure decides whether a returned error counts against the backend.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange observes transitions. It is called without the lock held.
	OnStateChange func(from, to State)

	// Now is the clock. Nil uses [time.Now].
	Now func() time.Time
}

// Snapshot is a point-in-time view of a [Breaker].
type Snapshot struct {
	State    State
	Failures int
	// Rejected counts calls refused since the breaker was created.
	Rejected uint64
	// RetryAt is when an open breaker starts admitting trials. Zero unless
	// State is Open.
	RetryAt time.Time
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // trial calls running
	passed   int // trial calls succeeded
	rejected uint64
}

// New returns a closed [Breaker].
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do calls fn unless the breaker refuses it, and returns fn's error as is.
// A call whose ctx ends before fn returns is not counted either way.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, notify, err := b.admit()
	notify()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	var n func()
	switch {
	case ctx.Err() != nil:
		if trial {
			b.inFlight--
		}
		n = func() {}
	case b.cfg.IsFailure(err):
		n = b.onFailure(trial)
	default:
		n = b.onSuccess(trial)
	}
	b.mu.Unlock()
	n()
	return err
}

// admit decides whether a call may run and whether it is a trial.
func (b *Breaker) admit() (trial bool, notify func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	notify = func() {}
	if b.state == Open {
		if b.cfg.Now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
			b.rejected++
			return false, notify, ErrOpen
		}
		b.inFlight, b.passed = 0, 0
		notify = b.transition(HalfOpen)
		slog.Info("resilience: admitting trial calls", "name", b.cfg.Name)
	}
	if b.state == HalfOpen {
		if b.inFlight >= b.cfg.Trials-b.passed {
			b.rejected++
			return false, notify, ErrOpen
		}
		b.inFlight++
		return true, notify, nil
	}
	return false, notify, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(trial bool) func() {
	if trial {
		b.inFlight--
	}
	b.failures++
	if b.state == Closed && b.failures < b.cfg.Threshold {
		return func() {}
	}
	b.openedAt = b.cfg.Now()
	slog.Warn("resilience: circuit opened",
		"name", b.cfg.Name,
		"failures", b.failures,
		"retry_at", b.openedAt.Add(b.cfg.Cooldown))
	return b.transition(Open)
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(trial bool) func() {
	if !trial {
		if b.state == Closed {
			b.failures = 0
		}
		return func() {}
	}
	b.inFlight--
	if b.state != HalfOpen {
		return func() {}
	}
	b.passed++
	if b.passed < b.cfg.Trials {
		return func() {}
	}
	b.failures, b.inFlight, b.passed = 0, 0, 0
	slog.Info("resilience: circuit closed", "name", b.cfg.Name)
	return b.transition(Closed)
}

// transition sets the state and returns the observer call to make once the
// lock is released. Must be called with b.mu held.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.cfg.OnStateChange == nil {
		return func() {}
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}

// State reports the current state. An open breaker whose cool-down has
// passed reports HalfOpen; the switch itself happens on the next call.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{State: b.state, Failures: b.failures, Rejected: b.rejected}
	if b.state == Open {
		s.RetryAt = b.openedAt.Add(b.cfg.Cooldown)
		if !b.cfg.Now().Before(s.RetryAt) {
			s.State, s.RetryAt = HalfOpen, time.Time{}
		}
	}
	return s
}

// Reset closes the breaker and clears its failure run.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures, b.inFlight, b.passed = 0, 0, 0
	notify := b.transition(Closed)
	b.mu.Unlock()
	notify()
}
