package reconnect

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Default(t *testing.T) {
	p := Default()

	d1, ok := p.Next(1)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d1)

	d2, ok := p.Next(2)
	require.True(t, ok)
	assert.Equal(t, time.Second, d2)

	d3, ok := p.Next(3)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d3)

	_, ok = p.Next(4)
	assert.False(t, ok, "fourth attempt gives up")
}

func TestPolicy_StrictlyIncreasing(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxAttempts: 2}
	delays := p.Delays()
	require.Len(t, delays, 2)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestPolicy_AttemptsClampedToCap(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"many attempts", Policy{BaseDelay: 500 * time.Millisecond, MaxAttempts: 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delays := tt.p.Delays()
			require.Len(t, delays, DefaultMaxAttempts)
			assert.Equal(t, tt.p.BaseDelay, delays[0])
			for i := 1; i < len(delays); i++ {
				assert.Positive(t, delays[i])
				assert.GreaterOrEqual(t, delays[i], delays[i-1])
			}
			_, ok := tt.p.Next(DefaultMaxAttempts + 1)
			assert.False(t, ok)
		})
	}

	delays := Policy{BaseDelay: 500 * time.Millisecond, MaxAttempts: 40}.Delays()
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
}

func TestPolicy_Pure(t *testing.T) {
	p := Default()
	for n := 1; n <= 3; n++ {
		a, okA := p.Next(n)
		b, okB := p.Next(n)
		assert.Equal(t, a, b)
		assert.Equal(t, okA, okB)
	}
}

func TestPolicy_MaxIntervalSaturates(t *testing.T) {
	p := Policy{BaseDelay: time.Duration(math.MaxInt64 / 3), MaxAttempts: 3}
	assert.Equal(t, maxDelay, p.maxInterval())
	assert.Equal(t, 2*time.Second, Default().maxInterval())
}

func TestPolicy_InvalidAttempt(t *testing.T) {
	_, ok := Default().Next(0)
	assert.False(t, ok)
	_, ok = Default().Next(-1)
	assert.False(t, ok)
}

func TestPolicy_ZeroValueUsesDefaults(t *testing.T) {
	assert.Equal(t, Default().Delays(), Policy{}.Delays())
}
