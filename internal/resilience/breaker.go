// Package resilience throttles operations that keep failing.
//
// A [Breaker] counts consecutive failures. At the threshold it opens and
// rejects calls with [ErrOpen] until a cooldown has passed; then it admits a
// limited number of probe calls, closing again when they succeed. The App
// wraps its inference backend with [GuardBackend] so a missing model file is
// retried once per cooldown instead of on every tick.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is wrapped by every error a [Breaker] returns without calling the
// guarded function.
var ErrOpen = errors.New("resilience: breaker open")

// State is a [Breaker]'s mode.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // probe calls pass
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// BreakerConfig tunes a [Breaker]. Zero values take the defaults noted on
// each field.
type BreakerConfig struct {
	// Name appears in errors and log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 3.
	Threshold int

	// Cooldown is how long an open breaker rejects calls. Default 10s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls that close the
	// breaker. Default 1.
	Probes int

	// Now is the clock. Default time.Now.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards one operation. It is safe for concurrent use; in the
// half-open state at most one probe runs at a time.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	openUntil time.Time // end of the cooldown while open
	probing   bool      // a half-open probe is running
	passed    int       // successful probes in this half-open period
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do calls fn unless the breaker rejects it and returns fn's error. A
// rejection wraps [ErrOpen] and says how long the cooldown still runs.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.report(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		left := b.openUntil.Sub(b.cfg.Now())
		if left > 0 {
			return false, fmt.Errorf("%w: %s: retry in %s", ErrOpen, b.cfg.Name, left.Round(time.Millisecond))
		}
		b.state, b.passed = StateHalfOpen, 0
		slog.Info("resilience: cooldown over, probing", "name", b.cfg.Name)
	}
	if b.state != StateHalfOpen {
		return false, nil
	}
	if b.probing {
		return false, fmt.Errorf("%w: %s: probe in flight", ErrOpen, b.cfg.Name)
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) report(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case probe && err != nil:
		b.probing = false
		b.trip()
		slog.Warn("resilience: probe failed", "name", b.cfg.Name, "retry_in", b.cfg.Cooldown, "err", err)
	case probe:
		b.probing = false
		if b.passed++; b.passed >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
			slog.Info("resilience: breaker closed", "name", b.cfg.Name)
		}
	case err != nil:
		// A call admitted before a concurrent trip reports into the open state.
		if b.state != StateClosed {
			return
		}
		if b.failures++; b.failures >= b.cfg.Threshold {
			b.trip()
			slog.Warn("resilience: breaker opened",
				"name", b.cfg.Name,
				"failures", b.failures,
				"retry_in", b.cfg.Cooldown,
				"err", err,
			)
		}
	default:
		if b.state == StateClosed {
			b.failures = 0
		}
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.cfg.Now().Add(b.cfg.Cooldown)
}

// State reports the current mode. An open breaker whose cooldown has ended
// reports [StateHalfOpen] before the next [Breaker.Do] switches it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.cfg.Now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.passed, b.probing = StateClosed, 0, 0, false
}
