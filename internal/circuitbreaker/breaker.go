// Package circuitbreaker guards the bulk writer against a database that is
// down or misbehaving. While the circuit is open, batches are rejected
// immediately and spill to the dead-letter directory instead of piling up
// behind a timing-out connection.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartpixl/forge/internal/clock"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, batches pass through
	StateOpen                  // Failure threshold exceeded, batches rejected
	StateHalfOpen              // Single probe allowed to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("probe already in flight in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker in logs.
	Name string

	// FailureThreshold is how many consecutive failures trip the circuit.
	FailureThreshold int

	// FailureWindow bounds the age of a failure streak. A streak older than
	// the window restarts from the latest failure.
	FailureWindow time.Duration

	// OpenTimeout is the period of open state before allowing a probe.
	OpenTimeout time.Duration

	// OnStateChange is called whenever the circuit state changes.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the writer contract: three consecutive failures
// inside a minute trip the circuit, which stays open for thirty seconds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
	}
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker implements the circuit breaker pattern around a single dependency.
type Breaker struct {
	cfg *Config
	clk clock.Clock

	mu          sync.Mutex
	state       State
	streak      int       // consecutive failures in the current window
	streakStart time.Time // time of the first failure in the streak
	openedAt    time.Time
	probing     bool
}

// New creates a breaker. A nil clock uses the system clock.
func New(cfg *Config, clk clock.Clock) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if clk == nil {
		clk = clock.System
	}
	return &Breaker{cfg: cfg, clk: clk, state: StateClosed}
}

// Name returns the circuit breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, promoting Open to HalfOpen once the
// open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.clk.Now())
}

// Allow reports whether an attempt may proceed. In half-open state only a
// single probe is admitted until its result is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.clk.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrProbeInFlight
		}
		b.probing = true
	}
	return nil
}

// OnSuccess records a successful attempt.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	switch b.currentState(now) {
	case StateClosed:
		b.streak = 0
	case StateHalfOpen:
		b.probing = false
		b.setState(StateClosed, now)
	}
}

// OnFailure records a failed attempt.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	switch b.currentState(now) {
	case StateClosed:
		if b.streak == 0 || now.Sub(b.streakStart) > b.cfg.FailureWindow {
			b.streak = 1
			b.streakStart = now
		} else {
			b.streak++
		}
		if b.streak >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Probe failed. Back to open for another full timeout.
		b.probing = false
		b.setState(StateOpen, now)
	}
}

// Do wraps Allow/OnSuccess/OnFailure around fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// Reset forces the circuit closed. Wired to the manual ops endpoint for
// recovery after planned database work.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.streak = 0
	b.setState(StateClosed, b.clk.Now())
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState must be called with the mutex held.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	if state == StateOpen {
		b.openedAt = now
		b.streak = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// String implements fmt.Stringer.
func (b *Breaker) String() string {
	return fmt.Sprintf("CircuitBreaker[%s: state=%s]", b.cfg.Name, b.State())
}
