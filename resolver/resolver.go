// Package resolver converts vendor redirector URLs into terminal end-site
// URLs. Recovery order: query-string decoding (no I/O), then optional
// manual HTTP redirect hops under a per-request budget. Every URL passes the
// SSRF guard before any network touch.
package resolver

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/relay/core"
)

// Config bounds the resolver. Zero values fall back to the documented
// defaults.
type Config struct {
	HTTPEnabled   bool
	PerURLTimeout time.Duration // default 2s
	MaxHops       int           // default 3
	MaxURLs       int           // default 8, per request
	Stopwatch     time.Duration // default 3s, per request
	CacheTTL      time.Duration // default 24h
	CacheSize     int           // default 1000

	Metrics MetricsCollector
}

// FromCoreConfig maps the service configuration onto resolver tunables. The
// per-request budget knobs keep their package defaults.
func FromCoreConfig(c *core.Config) Config {
	return Config{
		HTTPEnabled:   c.HTTPResolveEnabled,
		PerURLTimeout: time.Duration(c.HTTPResolveTimeoutMS) * time.Millisecond,
		MaxHops:       c.HTTPResolveMaxHops,
		CacheTTL:      time.Duration(c.HTTPResolveCacheTTLS) * time.Second,
	}
}

// MetricsCollector receives cache events for monitoring.
type MetricsCollector interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit()      {}
func (noopMetrics) RecordCacheMiss()     {}
func (noopMetrics) RecordCacheEviction() {}

func (c Config) withDefaults() Config {
	if c.PerURLTimeout <= 0 {
		c.PerURLTimeout = 2 * time.Second
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 3
	}
	if c.MaxURLs <= 0 {
		c.MaxURLs = 8
	}
	if c.Stopwatch <= 0 {
		c.Stopwatch = 3 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// Outcome is the result of one resolution attempt.
type Outcome struct {
	ResolvedURL string
	Resolved    bool
	// Truncated marks budget exhaustion: the citation keeps source_type
	// redirect_only with resolver_truncated set.
	Truncated bool
}

// Budget caps the HTTP work done on behalf of a single request. Query-string
// recovery and cache hits are free; only network attempts consume it.
type Budget struct {
	mu       sync.Mutex
	urlsLeft int
	deadline time.Time
}

func (b *Budget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.urlsLeft <= 0 || time.Now().After(b.deadline) {
		return false
	}
	b.urlsLeft--
	return true
}

// guard is indirected for tests that stand up loopback servers.
var guard = GuardURL

// Resolver resolves redirector URLs with an in-process TTL cache.
type Resolver struct {
	cfg    Config
	client *http.Client
	cache  *ttlCache
	logger core.Logger
}

// New creates a resolver. The HTTP client never follows redirects on its
// own; hops are walked manually so each Location target can be guarded.
func New(cfg Config, logger core.Logger) *Resolver {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Resolver{
		cfg: cfg,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cache:  newTTLCache(cfg.CacheTTL, cfg.CacheSize, cfg.Metrics),
		logger: logger,
	}
}

// NewBudget returns a fresh per-request budget.
func (r *Resolver) NewBudget() *Budget {
	return &Budget{urlsLeft: r.cfg.MaxURLs, deadline: time.Now().Add(r.cfg.Stopwatch)}
}

// CacheStats exposes hit/miss/eviction counters for operational metrics.
func (r *Resolver) CacheStats() (hits, misses, evictions uint64, size int) {
	return r.cache.stats()
}

// ResolveLocal performs only the I/O-free steps: SSRF guard, cache lookup,
// query-string recovery. Safe to call from any context; never blocks on the
// network.
func (r *Resolver) ResolveLocal(rawURL string) (string, bool) {
	if err := guard(rawURL); err != nil {
		return "", false
	}
	if cached, found := r.cache.get(rawURL); found {
		if cached == nil {
			return "", false
		}
		return *cached, true
	}
	if target, ok := RecoverFromQuery(rawURL); ok {
		r.cache.put(rawURL, &target)
		return target, true
	}
	return "", false
}

// Resolve runs the full ladder: local recovery first, then manual HTTP hops
// when enabled and the budget allows. A nil budget gets a fresh one.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, budget *Budget) Outcome {
	if err := guard(rawURL); err != nil {
		r.logger.Debug("URL blocked by guard", map[string]interface{}{
			"operation": "resolver_guard_block",
			"error":     err.Error(),
		})
		return Outcome{}
	}
	if cached, found := r.cache.get(rawURL); found {
		if cached == nil {
			return Outcome{}
		}
		return Outcome{ResolvedURL: *cached, Resolved: true}
	}
	if target, ok := RecoverFromQuery(rawURL); ok {
		r.cache.put(rawURL, &target)
		return Outcome{ResolvedURL: target, Resolved: true}
	}
	if !r.cfg.HTTPEnabled {
		return Outcome{}
	}
	if budget == nil {
		budget = r.NewBudget()
	}
	if !budget.take() {
		return Outcome{Truncated: true}
	}

	final, ok := r.followHops(ctx, rawURL, budget.deadline)
	if !ok {
		r.cache.put(rawURL, nil)
		return Outcome{}
	}
	r.cache.put(rawURL, &final)
	return Outcome{ResolvedURL: final, Resolved: true}
}

// followHops walks up to MaxHops Location redirects by HEAD, falling back to
// a 1-byte ranged GET when HEAD is refused.
func (r *Resolver) followHops(ctx context.Context, rawURL string, deadline time.Time) (string, bool) {
	current := rawURL
	for hop := 0; hop < r.cfg.MaxHops; hop++ {
		if time.Now().After(deadline) {
			return "", false
		}
		location, status, err := r.probe(ctx, current, deadline)
		if err != nil {
			r.logger.Debug("resolver hop failed", map[string]interface{}{
				"operation": "resolver_hop_error",
				"hop":       hop,
				"error":     err.Error(),
			})
			return "", false
		}
		if location == "" {
			// Terminal response. Accept only if we actually left the
			// redirector network.
			if status >= 200 && status < 400 && !r.isRedirectorURL(current) {
				return current, true
			}
			return "", false
		}
		next, err := url.Parse(location)
		if err != nil {
			return "", false
		}
		base, _ := url.Parse(current)
		resolved := base.ResolveReference(next).String()
		if guard(resolved) != nil {
			return "", false
		}
		if !r.isRedirectorURL(resolved) {
			return resolved, true
		}
		current = resolved
	}
	return "", false
}

// probe issues a HEAD (or ranged GET) and returns the Location header, if
// any, without following it.
func (r *Resolver) probe(ctx context.Context, rawURL string, deadline time.Time) (location string, status int, err error) {
	timeout := r.cfg.PerURLTimeout
	if remaining := time.Until(deadline); remaining < timeout {
		timeout = remaining
	}
	hopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hopCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		req, err = http.NewRequestWithContext(hopCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("Range", "bytes=0-0")
		resp, err = r.client.Do(req)
		if err != nil {
			return "", 0, err
		}
		_ = resp.Body.Close()
	}
	return resp.Header.Get("Location"), resp.StatusCode, nil
}

func (r *Resolver) isRedirectorURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return IsRedirectorHost(strings.ToLower(parsed.Hostname()))
}
