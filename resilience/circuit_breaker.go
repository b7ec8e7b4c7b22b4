// Package resilience protects vendor calls with per-(vendor, model) circuit
// breakers and classified retry backoff. Breaker state is per process and
// lives for the process lifetime.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelrelay/relay/core"
)

// State is the breaker state machine position.
type State int

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
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives breaker events for monitoring.
type MetricsCollector interface {
	RecordSuccess(key string)
	RecordFailure(key string)
	RecordStateChange(key, from, to string)
	RecordRejection(key string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)             {}
func (noopMetrics) RecordFailure(string)             {}
func (noopMetrics) RecordStateChange(_, _, _ string) {}
func (noopMetrics) RecordRejection(string)           {}

// ErrorClassifier decides which errors count toward opening the breaker.
type ErrorClassifier func(error) bool

// DefaultClassifier counts transport-level failures only. Validation, auth
// and cancellation never trip the breaker.
func DefaultClassifier(err error) bool {
	return core.CountsForBreaker(err)
}

// maxCooldownFactor caps how far repeated half-open failures can stretch
// the cooldown.
const maxCooldownFactor = 10

// BreakerConfig tunes one breaker set.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Classifier       ErrorClassifier
	Logger           core.Logger
	Metrics          MetricsCollector
}

// FromCoreConfig maps service configuration onto breaker tunables.
func FromCoreConfig(c *core.Config, logger core.Logger) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.CircuitFailureThreshold,
		Window:           time.Duration(c.CircuitWindowS) * time.Second,
		Cooldown:         time.Duration(c.CircuitCooldownS) * time.Second,
		Logger:           logger,
	}
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 300 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
}

// Breaker is one (vendor, model) circuit. Closed counts consecutive
// classified failures inside the window; open rejects until the cooldown
// elapses; half-open admits a single probe.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	consecutive   int
	streakStart   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool

	rejections uint64
	trips      uint64

	now func() time.Time
}

func newBreaker(key string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		key:      key,
		cfg:      cfg,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. Open circuits reject
// immediately; a half-open circuit admits exactly one probe at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		b.rejections++
		b.cfg.Metrics.RecordRejection(b.key)
		return fmt.Errorf("circuit %s open: %w", b.key, core.ErrCircuitOpen)
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejections++
			b.cfg.Metrics.RecordRejection(b.key)
			return fmt.Errorf("circuit %s half-open, probe in flight: %w", b.key, core.ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the state machine.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := err != nil && b.cfg.Classifier(err)
	if err == nil {
		b.cfg.Metrics.RecordSuccess(b.key)
	} else if counts {
		b.cfg.Metrics.RecordFailure(b.key)
	}

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		switch {
		case err == nil:
			b.cooldown = b.cfg.Cooldown
			b.resetStreak()
			b.transition(StateClosed)
		case counts:
			// Failed probe: extend the cooldown and reopen.
			b.cooldown *= 2
			if max := b.cfg.Cooldown * maxCooldownFactor; b.cooldown > max {
				b.cooldown = max
			}
			b.openedAt = b.now()
			b.transition(StateOpen)
		default:
			// Non-transport error proves nothing; let the next
			// caller probe again.
		}
	case StateClosed:
		switch {
		case err == nil:
			b.resetStreak()
		case counts:
			now := b.now()
			if b.consecutive == 0 || now.Sub(b.streakStart) > b.cfg.Window {
				b.consecutive = 0
				b.streakStart = now
			}
			b.consecutive++
			if b.consecutive >= b.cfg.FailureThreshold {
				b.trips++
				b.openedAt = now
				b.transition(StateOpen)
			}
		}
	case StateOpen:
		// Results from calls that were in flight when the circuit
		// tripped carry no new information.
	}
}

// Abandon releases an admission that never produced a vendor call, for
// example when a governor gate failed after Allow. A granted half-open probe
// becomes available to the next caller; the closed state is untouched.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// Execute wraps fn with breaker admission and outcome recording.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports breaker internals for introspection.
func (b *Breaker) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":                b.state.String(),
		"consecutive_failures": b.consecutive,
		"cooldown":             b.cooldown.String(),
		"rejections":           b.rejections,
		"trips":                b.trips,
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetStreak()
	b.cooldown = b.cfg.Cooldown
	b.probeInFlight = false
	b.transition(StateClosed)
}

func (b *Breaker) resetStreak() {
	b.consecutive = 0
	b.streakStart = time.Time{}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.cfg.Metrics.RecordStateChange(b.key, from.String(), to.String())
	b.cfg.Logger.Warn("circuit state change", map[string]interface{}{
		"operation": "circuit_transition",
		"circuit":   b.key,
		"from":      from.String(),
		"to":        to.String(),
		"cooldown":  b.cooldown.String(),
	})
}

// Set lazily creates one breaker per (vendor, model) key.
type Set struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet builds a breaker registry from the shared configuration.
func NewSet(cfg BreakerConfig) *Set {
	cfg.applyDefaults()
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a (vendor, model) pair, creating it on first
// use.
func (s *Set) For(vendor core.Vendor, model string) *Breaker {
	key := string(vendor) + ":" + model

	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, s.cfg)
	s.breakers[key] = b
	return b
}

// Snapshot reports every breaker's state, keyed by vendor:model.
func (s *Set) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = b.Snapshot()
	}
	return out
}
