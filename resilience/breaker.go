package resilience

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states from spec.md §4.2.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a Breaker. Zero values are replaced by the spec.md §4.2
// defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive UNAVAILABLE outcomes that trips
	// CLOSED -> OPEN. Default 5.
	FailureThreshold int
	// Cooldown is how long OPEN rejects calls before allowing one HALF_OPEN probe.
	// Default 10s.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	return c
}

// Breaker is a per-logical-backend circuit breaker. It is instance-local; there is no
// cross-node coordination (spec.md §4.2). No pack repo or retrieved example ships a
// circuit-breaker library, so this state machine is hand-rolled — see DESIGN.md.
type Breaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	openUntil        time.Time
	halfOpenInFlight bool
}

// NewBreaker constructs a Breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
	}
}

// State returns the breaker's current state, resolving OPEN -> HALF_OPEN eligibility as
// of now, without mutating it (a side-effect-free peek for metrics/logging).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) stateLocked(now time.Time) BreakerState {
	if b.state == BreakerOpen && now.After(b.openUntil) {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed now, and if so transitions HALF_OPEN probe
// bookkeeping. Call Succeed or Fail after the attempt based on its outcome.
func (b *Breaker) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt is Allow parameterized on the current time, for deterministic tests.
func (b *Breaker) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(now) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			// Another probe is already in flight; OPEN stays rejecting until it
			// resolves (single probe per cooldown, per spec.md §4.2).
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = true
		return true
	default: // OPEN
		return false
	}
}

// Succeed records a successful call outcome.
func (b *Breaker) Succeed() {
	b.SucceedAt(time.Now())
}

func (b *Breaker) SucceedAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.halfOpenInFlight = false
	b.state = BreakerClosed
}

// Fail records an UNAVAILABLE outcome, possibly tripping or re-opening the breaker.
func (b *Breaker) Fail() {
	b.FailAt(time.Now())
}

func (b *Breaker) FailAt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halfOpenInFlight {
		// Probe failed: back to OPEN with a refreshed cooldown.
		b.halfOpenInFlight = false
		b.state = BreakerOpen
		b.openUntil = now.Add(b.cfg.Cooldown)
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openUntil = now.Add(b.cfg.Cooldown)
	}
}
