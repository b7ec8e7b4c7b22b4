package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/governor"
	"github.com/modelrelay/relay/resilience"
	"github.com/modelrelay/relay/resolver"
)

// One Collector must plug into every gate's metrics seam.
var (
	_ resilience.MetricsCollector = (*Collector)(nil)
	_ governor.MetricsCollector   = (*Collector)(nil)
	_ resolver.MetricsCollector   = (*Collector)(nil)
)

type recordedMetric struct {
	name   string
	value  float64
	labels map[string]string
}

type fakeTelemetry struct {
	core.NoOpTelemetry
	metrics []recordedMetric
}

func (f *fakeTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	f.metrics = append(f.metrics, recordedMetric{name: name, value: value, labels: labels})
}

func (f *fakeTelemetry) find(t *testing.T, name string) recordedMetric {
	t.Helper()
	for _, m := range f.metrics {
		if m.name == name {
			return m
		}
	}
	t.Fatalf("metric %q was not recorded", name)
	return recordedMetric{}
}

func TestCollectorForwardsGateCounters(t *testing.T) {
	backend := &fakeTelemetry{}
	c := NewCollector(backend)

	c.RecordSuccess("openai:gpt-5")
	c.RecordFailure("openai:gpt-5")
	c.RecordStateChange("openai:gpt-5", "closed", "open")
	c.RecordRejection("openai:gpt-5")
	c.RecordTokenWait("vertex")
	c.RecordBypass("vertex")
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheEviction()

	m := backend.find(t, "circuit.transitions")
	assert.Equal(t, float64(1), m.value)
	assert.Equal(t, "openai:gpt-5", m.labels["circuit"])
	assert.Equal(t, "closed", m.labels["from"])
	assert.Equal(t, "open", m.labels["to"])

	assert.Equal(t, "vertex", backend.find(t, "governor.token_waits").labels["vendor"])
	assert.Equal(t, "vertex", backend.find(t, "governor.semaphore_bypasses").labels["vendor"])
	backend.find(t, "circuit.successes")
	backend.find(t, "circuit.failures")
	backend.find(t, "circuit.rejections")
	backend.find(t, "resolver.cache_hits")
	backend.find(t, "resolver.cache_misses")
	backend.find(t, "resolver.cache_evictions")
}

func TestCollectorTripReportedThroughBreaker(t *testing.T) {
	backend := &fakeTelemetry{}
	set := resilience.NewSet(resilience.BreakerConfig{
		FailureThreshold: 2,
		Metrics:          NewCollector(backend),
	})
	b := set.For(core.VendorOpenAI, "gpt-5")

	require.NoError(t, b.Allow())
	b.Record(core.ErrUpstreamUnavailable)
	require.NoError(t, b.Allow())
	b.Record(core.ErrUpstreamUnavailable)

	m := backend.find(t, "circuit.transitions")
	assert.Equal(t, "open", m.labels["to"])
	require.Error(t, b.Allow())
	backend.find(t, "circuit.rejections")
}

func TestNilBackendCollectorIsSafe(t *testing.T) {
	c := NewCollector(nil)
	c.RecordSuccess("k")
	c.RecordCacheHit()
}
