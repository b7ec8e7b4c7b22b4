package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/core"
)

// allowLoopback disables the SSRF guard for tests that use httptest servers.
func allowLoopback(t *testing.T) {
	t.Helper()
	prev := guard
	guard = func(string) error { return nil }
	t.Cleanup(func() { guard = prev })
}

func TestRecoverFromQueryVertexRedirector(t *testing.T) {
	raw := "https://vertexaisearch.cloud.google.com/grounding-api-redirect/AbC123?url=https%3A%2F%2Fwww.example.org%2Fa"
	target, ok := RecoverFromQuery(raw)
	require.True(t, ok)
	assert.Equal(t, "https://www.example.org/a", target)
}

func TestRecoverFromQueryRejectsBadTargets(t *testing.T) {
	cases := []string{
		// javascript scheme
		"https://www.google.com/url?q=javascript%3Aalert(1)",
		// target is itself a redirector
		"https://www.google.com/url?q=https%3A%2F%2Fwww.google.com%2Furl%3Fq%3Dx",
		// not a redirector host at all
		"https://www.example.org/url?q=https%3A%2F%2Fwww.example.com",
		// wrong path prefix
		"https://vertexaisearch.cloud.google.com/other/path?url=https%3A%2F%2Fwww.example.org",
	}
	for _, raw := range cases {
		_, ok := RecoverFromQuery(raw)
		assert.False(t, ok, raw)
	}
}

func TestGuardURL(t *testing.T) {
	blocked := []string{
		"ftp://example.org/file",
		"javascript:alert(1)",
		"http://127.0.0.1/admin",
		"http://localhost:8080/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
		"http://0.0.0.0/",
		"://not a url",
	}
	for _, raw := range blocked {
		assert.Error(t, GuardURL(raw), raw)
	}
	assert.NoError(t, GuardURL("https://www.example.org/a"))
	assert.NoError(t, GuardURL("http://example.com"))
}

func TestResolveQueryRecoveryNeedsNoNetwork(t *testing.T) {
	// HTTP disabled: query recovery must still work.
	r := New(Config{HTTPEnabled: false}, nil)
	out := r.Resolve(context.Background(), "https://vertexaisearch.cloud.google.com/grounding-api-redirect/x?url=https%3A%2F%2Fwww.example.org%2Fa", nil)
	assert.True(t, out.Resolved)
	assert.Equal(t, "https://www.example.org/a", out.ResolvedURL)
}

func TestResolveHTTPHops(t *testing.T) {
	allowLoopback(t)

	var terminal *httptest.Server
	terminal = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer terminal.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodHead, req.Method)
		http.Redirect(w, req, terminal.URL+"/final", http.StatusFound)
	}))
	defer hop.Close()

	r := New(Config{HTTPEnabled: true}, nil)
	out := r.Resolve(context.Background(), hop.URL+"/start", r.NewBudget())
	require.True(t, out.Resolved)
	assert.Equal(t, terminal.URL+"/final", out.ResolvedURL)

	// Second resolution is served from cache.
	hits0, _, _, _ := r.CacheStats()
	out = r.Resolve(context.Background(), hop.URL+"/start", r.NewBudget())
	assert.True(t, out.Resolved)
	hits1, _, _, _ := r.CacheStats()
	assert.Equal(t, hits0+1, hits1)
}

func TestResolveHeadRefusedFallsBackToRangedGet(t *testing.T) {
	allowLoopback(t)

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-0", req.Header.Get("Range"))
		http.Redirect(w, req, target.URL, http.StatusMovedPermanently)
	}))
	defer srv.Close()

	r := New(Config{HTTPEnabled: true}, nil)
	out := r.Resolve(context.Background(), srv.URL, r.NewBudget())
	require.True(t, out.Resolved)
	assert.Equal(t, target.URL, out.ResolvedURL)
}

func TestResolveMaxHops(t *testing.T) {
	allowLoopback(t)

	hops := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hops++
		// Endless self-redirect: every hop stays on the same host.
		http.Redirect(w, req, srv.URL+req.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	// Register the loop host as a redirector so the chain never terminates
	// early; the resolver must give up at MaxHops.
	redirectorRules = append(redirectorRules, redirectorRule{hostSuffix: "127.0.0.1"})
	t.Cleanup(func() { redirectorRules = redirectorRules[:len(redirectorRules)-1] })

	r := New(Config{HTTPEnabled: true, MaxHops: 2, PerURLTimeout: time.Second}, nil)
	out := r.Resolve(context.Background(), srv.URL+"/a", r.NewBudget())
	assert.False(t, out.Resolved)
	assert.Equal(t, 2, hops)
}

func TestResolveBudgetTruncation(t *testing.T) {
	allowLoopback(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(Config{HTTPEnabled: true, MaxURLs: 8}, nil)
	budget := r.NewBudget()
	for i := 0; i < 8; i++ {
		out := r.Resolve(context.Background(), fmt.Sprintf("%s/u%d", srv.URL, i), budget)
		assert.False(t, out.Truncated, "url #%d should be within budget", i+1)
	}
	// Request #9 exceeds max_urls and is marked truncated.
	out := r.Resolve(context.Background(), srv.URL+"/u9", budget)
	assert.True(t, out.Truncated)
	assert.False(t, out.Resolved)
}

func TestResolveStopwatchExpiry(t *testing.T) {
	allowLoopback(t)
	r := New(Config{HTTPEnabled: true, Stopwatch: time.Millisecond}, nil)
	budget := r.NewBudget()
	time.Sleep(5 * time.Millisecond)
	out := r.Resolve(context.Background(), "http://example.org/a", budget)
	assert.True(t, out.Truncated)
}

func TestResolveNegativeCache(t *testing.T) {
	allowLoopback(t)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(Config{HTTPEnabled: true}, nil)
	out := r.Resolve(context.Background(), srv.URL, r.NewBudget())
	assert.False(t, out.Resolved)
	out = r.Resolve(context.Background(), srv.URL, r.NewBudget())
	assert.False(t, out.Resolved)
	assert.Equal(t, 1, calls, "negative result should be cached")
}

func TestFromCoreConfigMapsOptions(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.HTTPResolveEnabled = true
	cfg.HTTPResolveTimeoutMS = 1500
	cfg.HTTPResolveMaxHops = 5
	cfg.HTTPResolveCacheTTLS = 60

	rc := FromCoreConfig(cfg)
	assert.True(t, rc.HTTPEnabled)
	assert.Equal(t, 1500*time.Millisecond, rc.PerURLTimeout)
	assert.Equal(t, 5, rc.MaxHops)
	assert.Equal(t, time.Minute, rc.CacheTTL)
}

func TestConfigEnabledResolverFollowsHops(t *testing.T) {
	allowLoopback(t)

	terminal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer terminal.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, terminal.URL+"/final", http.StatusFound)
	}))
	defer hop.Close()

	cfg := core.DefaultConfig()
	cfg.HTTPResolveEnabled = true
	r := New(FromCoreConfig(cfg), nil)

	out := r.Resolve(context.Background(), hop.URL+"/start", r.NewBudget())
	require.True(t, out.Resolved)
	assert.Equal(t, terminal.URL+"/final", out.ResolvedURL)
}

type countingCacheMetrics struct {
	hits, misses, evictions atomic.Uint64
}

func (m *countingCacheMetrics) RecordCacheHit()      { m.hits.Add(1) }
func (m *countingCacheMetrics) RecordCacheMiss()     { m.misses.Add(1) }
func (m *countingCacheMetrics) RecordCacheEviction() { m.evictions.Add(1) }

func TestCacheEventsReachCollector(t *testing.T) {
	metrics := &countingCacheMetrics{}
	c := newTTLCache(time.Hour, 1, metrics)
	v := "v"

	_, found := c.get("u1")
	assert.False(t, found)
	c.put("u1", &v)
	_, found = c.get("u1")
	assert.True(t, found)
	c.put("u2", &v) // evicts u1

	assert.Equal(t, uint64(1), metrics.hits.Load())
	assert.Equal(t, uint64(1), metrics.misses.Load())
	assert.Equal(t, uint64(1), metrics.evictions.Load())
}

func TestTTLCacheEviction(t *testing.T) {
	c := newTTLCache(time.Hour, 2, nil)
	a, b, d := "a", "b", "d"
	c.put("u1", &a)
	c.put("u2", &b)
	c.put("u3", &d) // evicts u1, the oldest

	_, found := c.get("u1")
	assert.False(t, found)
	got, found := c.get("u2")
	require.True(t, found)
	assert.Equal(t, "b", *got)
	_, _, evictions, size := c.stats()
	assert.Equal(t, uint64(1), evictions)
	assert.Equal(t, 2, size)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache(time.Millisecond, 10, nil)
	v := "x"
	c.put("u", &v)
	time.Sleep(5 * time.Millisecond)
	_, found := c.get("u")
	assert.False(t, found)
}
