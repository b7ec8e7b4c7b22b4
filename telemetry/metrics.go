package telemetry

import (
	"github.com/modelrelay/relay/core"
)

// Collector forwards component counters onto core.Telemetry as labelled
// metric adds. Its method set satisfies the collector interfaces of the
// resilience, governor and resolver packages, so one instance serves every
// gate in the process.
type Collector struct {
	telemetry core.Telemetry
}

// NewCollector wraps a telemetry backend. A nil backend yields a collector
// that drops everything.
func NewCollector(t core.Telemetry) *Collector {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	return &Collector{telemetry: t}
}

// Circuit breaker events, labelled by vendor:model circuit key.

func (c *Collector) RecordSuccess(key string) {
	c.telemetry.RecordMetric("circuit.successes", 1, map[string]string{"circuit": key})
}

func (c *Collector) RecordFailure(key string) {
	c.telemetry.RecordMetric("circuit.failures", 1, map[string]string{"circuit": key})
}

func (c *Collector) RecordStateChange(key, from, to string) {
	c.telemetry.RecordMetric("circuit.transitions", 1, map[string]string{
		"circuit": key,
		"from":    from,
		"to":      to,
	})
}

func (c *Collector) RecordRejection(key string) {
	c.telemetry.RecordMetric("circuit.rejections", 1, map[string]string{"circuit": key})
}

// Governor gate events, labelled by vendor.

func (c *Collector) RecordTokenWait(vendor string) {
	c.telemetry.RecordMetric("governor.token_waits", 1, map[string]string{"vendor": vendor})
}

func (c *Collector) RecordBypass(vendor string) {
	c.telemetry.RecordMetric("governor.semaphore_bypasses", 1, map[string]string{"vendor": vendor})
}

// Resolver cache events.

func (c *Collector) RecordCacheHit() {
	c.telemetry.RecordMetric("resolver.cache_hits", 1, nil)
}

func (c *Collector) RecordCacheMiss() {
	c.telemetry.RecordMetric("resolver.cache_misses", 1, nil)
}

func (c *Collector) RecordCacheEviction() {
	c.telemetry.RecordMetric("resolver.cache_evictions", 1, nil)
}
