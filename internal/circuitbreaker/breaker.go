package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledgerly/gatekeeper/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrOpen is wrapped by every rejection from Allow.
var ErrOpen = errors.New("circuit open")

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is the cool-down before a half-open probe is let through.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker guards the remote store so that a dead backend costs one
// fast local error per call instead of a full network timeout.
type CircuitBreaker struct {
	name   string
	config Config

	state     atomic.Int32
	failures  atomic.Int64
	successes atomic.Int64
	probes    atomic.Int64
	openedAt  atomic.Int64

	nowFunc func() time.Time
	mu      sync.Mutex
}

func New(name string, config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	cb := &CircuitBreaker{name: name, config: config, nowFunc: time.Now}
	cb.state.Store(int32(StateClosed))
	metrics.KVCircuitState.Set(float64(StateClosed))
	return cb
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) { cb.nowFunc = now }

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State { return State(cb.state.Load()) }

// Allow reports whether a call may proceed. When needsRelease is true the
// caller holds a half-open probe slot and must call Release when done.
func (cb *CircuitBreaker) Allow() (needsRelease bool, err error) {
	switch State(cb.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := cb.nowFunc().Sub(time.Unix(0, cb.openedAt.Load()))
		if elapsed >= cb.config.Timeout {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateOpen {
				cb.transitionTo(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.Allow()
		}
		return false, fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Millisecond))

	case StateHalfOpen:
		if int(cb.probes.Add(1)) > cb.config.SuccessThreshold {
			cb.probes.Add(-1)
			return false, fmt.Errorf("%w for %s: probe limit reached", ErrOpen, cb.name)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: unknown state", ErrOpen)
	}
}

func (cb *CircuitBreaker) Release() {
	if State(cb.state.Load()) == StateHalfOpen {
		cb.probes.Add(-1)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if int(cb.successes.Add(1)) < cb.config.SuccessThreshold {
			return
		}
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateClosed)
			log.Info().Str("store", cb.name).Msg("circuit breaker recovered")
		}
		cb.mu.Unlock()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	switch State(cb.state.Load()) {
	case StateClosed:
		failures := cb.failures.Add(1)
		if int(failures) < cb.config.FailureThreshold {
			return
		}
		cb.mu.Lock()
		if State(cb.state.Load()) == StateClosed {
			cb.transitionTo(StateOpen)
			log.Error().Str("store", cb.name).Int64("failures", failures).Msg("circuit breaker opened")
		}
		cb.mu.Unlock()

	case StateHalfOpen:
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
			log.Warn().Str("store", cb.name).Msg("circuit breaker reopened after half-open failure")
		}
		cb.mu.Unlock()
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	prev := State(cb.state.Load())
	cb.state.Store(int32(next))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.probes.Store(0)
	if next == StateOpen {
		cb.openedAt.Store(cb.nowFunc().UnixNano())
	}
	metrics.KVCircuitState.Set(float64(next))
	metrics.KVCircuitTransitions.WithLabelValues(prev.String(), next.String()).Inc()
}
