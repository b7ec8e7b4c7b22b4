// Package governor gates outbound vendor calls behind three coordinated
// controls: a per-minute token budget with headroom, a launch stagger, and a
// concurrency semaphore with a timed bypass. All state is per vendor and
// per process.
package governor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/modelrelay/relay/core"
)

const (
	// defaultAcquireTimeout bounds the semaphore wait before the bypass
	// kicks in. Bypassing prevents a stalled slot holder from deadlocking
	// the whole vendor lane.
	defaultAcquireTimeout = 30 * time.Second

	// initialGroundedMultiplier seeds token estimates for grounded calls
	// before enough samples exist to compute a median.
	initialGroundedMultiplier = 1.5

	minGroundedMultiplier = 1.0
	maxGroundedMultiplier = 2.0

	// minRatioSamples is how many completed grounded calls are needed
	// before the multiplier adapts.
	minRatioSamples = 3

	// staggerJitterCap bounds the launch-slot jitter in absolute terms.
	staggerJitterCap = 3 * time.Second
)

// Config holds the tunables for one Governor. Durations are explicit so
// tests can shrink them.
type Config struct {
	MaxConcurrency  int64
	TPMLimit        int
	HeadroomFrac    float64
	Stagger         time.Duration
	EstimatedTokens int
	AcquireTimeout  time.Duration
	Logger          core.Logger
	Metrics         MetricsCollector
}

// MetricsCollector receives gate events for monitoring.
type MetricsCollector interface {
	RecordTokenWait(vendor string)
	RecordBypass(vendor string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTokenWait(string) {}
func (noopMetrics) RecordBypass(string)    {}

// FromCoreConfig maps the service configuration onto governor tunables.
func FromCoreConfig(c *core.Config, logger core.Logger) Config {
	return Config{
		MaxConcurrency:  int64(c.MaxConcurrencyPerVendor),
		TPMLimit:        c.TPMLimit,
		HeadroomFrac:    c.TPMHeadroomFraction,
		Stagger:         time.Duration(c.StaggerSeconds) * time.Second,
		EstimatedTokens: c.EstimatedTokensPerRequest,
		Logger:          logger,
	}
}

// vendorState is everything the governor tracks for one vendor.
type vendorState struct {
	mu         sync.Mutex
	window     tokenWindow
	ratios     *ratioRing
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	active     atomic.Int64
	bypasses   atomic.Uint64
	tokenWaits atomic.Uint64
}

// Governor coordinates the three launch gates. One instance serves all
// vendors for the process lifetime.
type Governor struct {
	cfg    Config
	logger core.Logger

	mu      sync.Mutex
	vendors map[core.Vendor]*vendorState

	// Test seams. Production uses the defaults.
	windowLength   time.Duration
	now            func() time.Time
	boundaryJitter func() time.Duration
	staggerExtra   func(max time.Duration) time.Duration
}

// New constructs a Governor. Zero config fields fall back to safe defaults.
func New(cfg Config) *Governor {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.EstimatedTokens < 1 {
		cfg.EstimatedTokens = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Governor{
		cfg:          cfg,
		logger:       logger,
		vendors:      make(map[core.Vendor]*vendorState),
		windowLength: time.Minute,
		now:          time.Now,
		boundaryJitter: func() time.Duration {
			// 500-750ms so callers parked on the same boundary fan out.
			return 500*time.Millisecond + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
		},
		staggerExtra: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

func (g *Governor) vendor(v core.Vendor) *vendorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs, ok := g.vendors[v]
	if !ok {
		vs = &vendorState{
			ratios: newRatioRing(),
			sem:    semaphore.NewWeighted(g.cfg.MaxConcurrency),
		}
		if g.cfg.Stagger > 0 {
			// The limiter enforces the minimum inter-launch gap
			// (stagger minus the jitter band); the extra jitter is
			// slept on top after the reservation.
			minGap := g.cfg.Stagger - staggerJitterSpan(g.cfg.Stagger)
			if minGap <= 0 {
				minGap = g.cfg.Stagger
			}
			vs.limiter = rate.NewLimiter(rate.Every(minGap), 1)
		}
		g.vendors[v] = vs
	}
	return vs
}

// staggerJitterSpan is one side of the jitter band: 20% of the stagger,
// capped in absolute terms.
func staggerJitterSpan(stagger time.Duration) time.Duration {
	span := stagger / 5
	if span > staggerJitterCap {
		span = staggerJitterCap
	}
	return span
}

// usable is the budget after headroom is carved out.
func (g *Governor) usable() int {
	u := int(float64(g.cfg.TPMLimit) * (1 - g.cfg.HeadroomFrac))
	if u < 1 {
		u = 1
	}
	return u
}

// Lease is an acquired launch permit. Callers must Release exactly once with
// the actual token usage (0 on failure or cancellation).
type Lease struct {
	g        *Governor
	vendor   core.Vendor
	vs       *vendorState
	reserved int
	winStart time.Time
	grounded bool
	holdSlot bool
	released atomic.Bool

	// Bypassed reports that the concurrency semaphore timed out and the
	// call proceeded without a slot. Surfaced in telemetry.
	Bypassed bool
}

// Acquire walks the three gates in order: token budget, launch slot,
// concurrency semaphore. It honors ctx at every wait and unwinds the token
// reservation on cancellation.
func (g *Governor) Acquire(ctx context.Context, vendor core.Vendor, grounded bool) (*Lease, error) {
	vs := g.vendor(vendor)

	est := g.cfg.EstimatedTokens
	if grounded {
		est = int(float64(est) * g.multiplier(vs))
	}

	winStart, err := g.reserveTokens(ctx, vendor, vs, est)
	if err != nil {
		return nil, err
	}

	lease := &Lease{
		g:        g,
		vendor:   vendor,
		vs:       vs,
		reserved: est,
		winStart: winStart,
		grounded: grounded,
	}

	if err := g.waitLaunchSlot(ctx, vs); err != nil {
		lease.unwind()
		return nil, err
	}

	semCtx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	err = vs.sem.Acquire(semCtx, 1)
	cancel()
	switch {
	case err == nil:
		lease.holdSlot = true
	case ctx.Err() != nil:
		lease.unwind()
		return nil, gateErr(ctx)
	default:
		// Timed out waiting for a slot: proceed anyway.
		lease.Bypassed = true
		vs.bypasses.Add(1)
		g.cfg.Metrics.RecordBypass(string(vendor))
		g.logger.Warn("concurrency semaphore bypassed", map[string]interface{}{
			"operation": "governor_bypass",
			"vendor":    string(vendor),
			"timeout":   g.cfg.AcquireTimeout.String(),
		})
	}

	vs.active.Add(1)
	return lease, nil
}

// reserveTokens books the estimate in the current minute window, sleeping to
// the next boundary (plus jitter) when the window is full.
func (g *Governor) reserveTokens(ctx context.Context, vendor core.Vendor, vs *vendorState, est int) (time.Time, error) {
	usable := g.usable()
	for {
		vs.mu.Lock()
		ok, wait := vs.window.reserve(g.now(), g.windowLength, est, usable)
		start := vs.window.start
		vs.mu.Unlock()
		if ok {
			return start, nil
		}

		vs.tokenWaits.Add(1)
		g.cfg.Metrics.RecordTokenWait(string(vendor))
		wait += g.boundaryJitter()
		g.logger.Debug("token budget exhausted, waiting for next window", map[string]interface{}{
			"operation": "governor_token_wait",
			"vendor":    string(vendor),
			"estimate":  est,
			"usable":    usable,
			"wait":      wait.String(),
		})
		if err := sleepCtx(ctx, wait); err != nil {
			return time.Time{}, err
		}
	}
}

// waitLaunchSlot enforces the inter-launch gap plus bounded jitter.
func (g *Governor) waitLaunchSlot(ctx context.Context, vs *vendorState) error {
	if vs.limiter == nil {
		return nil
	}
	if err := vs.limiter.Wait(ctx); err != nil {
		return gateErr(ctx)
	}
	// The limiter held the floor of the band; sleep the random remainder.
	extra := g.staggerExtra(2 * staggerJitterSpan(g.cfg.Stagger))
	return sleepCtx(ctx, extra)
}

// multiplier returns the current grounded estimate multiplier for a vendor.
func (g *Governor) multiplier(vs *vendorState) float64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.ratios.count() < minRatioSamples {
		return initialGroundedMultiplier
	}
	m := vs.ratios.median()
	if m < minGroundedMultiplier {
		m = minGroundedMultiplier
	}
	if m > maxGroundedMultiplier {
		m = maxGroundedMultiplier
	}
	return m
}

// Release returns the lease with the actual token usage. Pass 0 when the
// call failed or was cancelled; the full reservation is then credited back.
func (l *Lease) Release(actualTokens int) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.vs.active.Add(-1)
	if l.holdSlot {
		l.vs.sem.Release(1)
	}

	l.vs.mu.Lock()
	if actualTokens < l.reserved {
		l.vs.window.credit(l.winStart, l.reserved-actualTokens)
	}
	if l.grounded && actualTokens > 0 && l.g.cfg.EstimatedTokens > 0 {
		l.vs.ratios.add(float64(actualTokens) / float64(l.g.cfg.EstimatedTokens))
	}
	l.vs.mu.Unlock()
}

// unwind drops a reservation that never reached the vendor call.
func (l *Lease) unwind() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.vs.mu.Lock()
	l.vs.window.credit(l.winStart, l.reserved)
	l.vs.mu.Unlock()
}

// Stats reports a per-vendor snapshot for introspection endpoints and logs.
func (g *Governor) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]interface{}{
		"tpm_limit": g.cfg.TPMLimit,
		"usable":    g.usable(),
	}
	for vendor, vs := range g.vendors {
		vs.mu.Lock()
		reserved := vs.window.reserved
		vs.mu.Unlock()
		out[string(vendor)] = map[string]interface{}{
			"tokens_reserved":     reserved,
			"active":              vs.active.Load(),
			"semaphore_bypasses":  vs.bypasses.Load(),
			"token_waits":         vs.tokenWaits.Load(),
			"grounded_multiplier": g.multiplier(vs),
		}
	}
	return out
}

// gateErr maps a context failure at a gate to the error taxonomy.
func gateErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("governor wait: %w", core.ErrTimeout)
	}
	return fmt.Errorf("governor wait: %w", core.ErrContextCanceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gateErr(ctx)
	case <-timer.C:
		return nil
	}
}
