package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := New(Config{MaxCallsPerMinute: 10, BurstSize: 10})
	defer l.Stop()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("t1:s1"))
	}
}

func TestAllowRejectsBeyondBurst(t *testing.T) {
	l := New(Config{MaxCallsPerMinute: 5, BurstSize: 5})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("t1:s1"))
	}
	assert.False(t, l.Allow("t1:s1"))
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	l := New(Config{MaxCallsPerMinute: 1, BurstSize: 1})
	defer l.Stop()

	assert.True(t, l.Allow("t1:s1"))
	assert.False(t, l.Allow("t1:s1"))
	assert.True(t, l.Allow("t1:s2"))
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "acme:sess1", Key("acme", "sess1"))
}

func TestDefaultsAppliedForZeroConfig(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	stats := l.Stats()
	assert.Equal(t, 600, stats["max_calls_per_min"])
	assert.Equal(t, 1200, stats["burst_size"])
}
