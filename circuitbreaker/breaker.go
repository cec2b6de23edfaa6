// Package circuitbreaker guards reasoning providers against persistent
// failure: after a threshold of consecutive failures for a key, calls fail
// fast until a cooldown elapses, then a single trial call decides whether
// the breaker closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial call after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures breakers created by a Registry.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int

	// Cooldown is how long an open breaker rejects calls before allowing
	// a half-open trial.
	Cooldown time.Duration

	// OnStateChange is invoked after every state transition.
	OnStateChange func(key string, from, to State)

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns defaults suitable for flaky provider endpoints.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  60 * time.Second,
	}
}

// breaker is the per-key state. All fields are guarded by mu.
type breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	// trialInFlight limits HalfOpen to exactly one probe at a time.
	trialInFlight bool
}

// Registry lazily creates and tracks one breaker per provider-or-agent key.
type Registry struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		now:      now,
		breakers: make(map[string]*breaker),
	}
}

func (r *Registry) breaker(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[key] = b
	}
	return b
}

// Allow reports whether a call for key may proceed. While Open and inside
// the cooldown it returns ErrCircuitOpen; once the cooldown elapses the
// breaker moves to HalfOpen and admits exactly one trial call.
func (r *Registry) Allow(key string) error {
	b := r.breaker(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if r.now().Sub(b.openedAt) < r.config.Cooldown {
			return ErrCircuitOpen
		}
		r.transition(key, b, StateHalfOpen)
		b.trialInFlight = true
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess resets the failure counter and closes a half-open breaker.
func (r *Registry) RecordSuccess(key string) {
	b := r.breaker(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state == StateHalfOpen {
		r.logger.Info("circuit breaker recovered", zap.String("key", key))
		r.transition(key, b, StateClosed)
	}
}

// RecordFailure increments the consecutive-failure counter, opening the
// breaker once the threshold is reached. A half-open trial failure reopens
// immediately.
func (r *Registry) RecordFailure(key string) {
	b := r.breaker(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trialInFlight = false

	switch b.state {
	case StateClosed:
		if b.failures >= r.config.Threshold {
			r.logger.Warn("circuit breaker opened",
				zap.String("key", key),
				zap.Int("failures", b.failures),
				zap.Int("threshold", r.config.Threshold),
			)
			b.openedAt = r.now()
			r.transition(key, b, StateOpen)
		}

	case StateHalfOpen:
		r.logger.Warn("circuit breaker trial failed, reopening",
			zap.String("key", key),
		)
		b.openedAt = r.now()
		r.transition(key, b, StateOpen)
	}
}

// State returns the current state for key without creating a breaker.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually closes the breaker for key and clears its counters.
func (r *Registry) Reset(key string) {
	b := r.breaker(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		r.logger.Info("circuit breaker reset", zap.String("key", key))
		r.transition(key, b, StateClosed)
	}
}

// transition is called with b.mu held.
func (r *Registry) transition(key string, b *breaker, to State) {
	from := b.state
	b.state = to
	if r.config.OnStateChange != nil && from != to {
		go r.config.OnStateChange(key, from, to)
	}
}
