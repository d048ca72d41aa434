package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential_NextDelay(t *testing.T) {
	eb := Exponential{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{1000, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Write().NextDelay(0))
	assert.Equal(t, 30*time.Second, Write().NextDelay(20))
	assert.Equal(t, time.Second, Reconnect().NextDelay(0))
	assert.Equal(t, 4*time.Second, Reconnect().NextDelay(2))
}

func TestExponential_MultiplierBelowOne(t *testing.T) {
	eb := Exponential{InitialDelay: time.Second, Multiplier: 0}
	assert.Equal(t, time.Second, eb.NextDelay(5))
}
