package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/core"
)

func transient() error {
	return fmt.Errorf("upstream 503: %w", core.ErrUpstreamUnavailable)
}

func newTestBreaker(t *testing.T, cfg BreakerConfig) *Breaker {
	t.Helper()
	set := NewSet(cfg)
	return set.For(core.VendorOpenAI, "gpt-5.1")
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(transient())
		assert.Equal(t, StateClosed, b.State(), "failure %d", i+1)
	}

	require.NoError(t, b.Allow())
	b.Record(transient())
	assert.Equal(t, StateOpen, b.State())

	// The sixth call fails fast without reaching the vendor.
	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
}

func TestSuccessResetsStreak(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 3})

	b.Record(transient())
	b.Record(transient())
	b.Record(nil)
	b.Record(transient())
	b.Record(transient())
	assert.Equal(t, StateClosed, b.State())

	b.Record(transient())
	assert.Equal(t, StateOpen, b.State())
}

func TestNonTransportErrorsDoNotCount(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		b.Record(fmt.Errorf("bad model: %w", core.ErrValidation))
		b.Record(fmt.Errorf("key rejected: %w", core.ErrAuth))
		b.Record(fmt.Errorf("gave up: %w", core.ErrContextCanceled))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestStaleStreakRestartsOutsideWindow(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 3, Window: 100 * time.Millisecond})
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Record(transient())
	b.Record(transient())

	// The streak aged out; these two start a new one.
	b.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	b.Record(transient())
	b.Record(transient())
	assert.Equal(t, StateClosed, b.State())

	b.Record(transient())
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Record(transient())
	require.Equal(t, StateOpen, b.State())

	// Before the cooldown: rejected.
	require.Error(t, b.Allow())

	// After the cooldown the first caller gets the probe, the second is
	// rejected while it is in flight.
	b.now = func() time.Time { return base.Add(60 * time.Millisecond) }
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)

	// Successful probe closes the circuit.
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestFailedProbeReopensWithExtendedCooldown(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Record(transient())
	b.now = func() time.Time { return base.Add(60 * time.Millisecond) }
	require.NoError(t, b.Allow())
	b.Record(transient())
	require.Equal(t, StateOpen, b.State())

	// The original cooldown no longer suffices.
	b.now = func() time.Time { return base.Add(120 * time.Millisecond) }
	require.Error(t, b.Allow())
	b.now = func() time.Time { return base.Add(170 * time.Millisecond) }
	require.NoError(t, b.Allow())
}

func TestExecuteRecordsOutcome(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 2})

	ctx := context.Background()
	err := b.Execute(ctx, func(context.Context) error { return transient() })
	require.Error(t, err)
	err = b.Execute(ctx, func(context.Context) error { return transient() })
	require.Error(t, err)

	err = b.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
}

func TestSetKeysByVendorAndModel(t *testing.T) {
	set := NewSet(BreakerConfig{FailureThreshold: 1})

	set.For(core.VendorOpenAI, "gpt-5.1").Record(transient())
	assert.Equal(t, StateOpen, set.For(core.VendorOpenAI, "gpt-5.1").State())

	// Other models and vendors are unaffected.
	assert.Equal(t, StateClosed, set.For(core.VendorOpenAI, "gpt-5.2").State())
	assert.Equal(t, StateClosed, set.For(core.VendorVertex, "gpt-5.1").State())

	snap := set.Snapshot()
	require.Contains(t, snap, "openai:gpt-5.1")
	state := snap["openai:gpt-5.1"].(map[string]interface{})
	assert.Equal(t, "open", state["state"])
}

func TestResetClosesAndClears(t *testing.T) {
	b := newTestBreaker(t, BreakerConfig{FailureThreshold: 1})
	b.Record(transient())
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestClassifierErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("call: %w", fmt.Errorf("inner: %w", core.ErrTimeout))
	assert.True(t, DefaultClassifier(wrapped))
	assert.False(t, DefaultClassifier(errors.New("plain")))
	assert.False(t, DefaultClassifier(nil))
}
