// Package backoff computes retry delays for the write path and the connection
// monitor.
package backoff

import "time"

// Strategy defines how long to wait before the next attempt
type Strategy interface {
	// NextDelay returns the delay before attempt (0-based)
	NextDelay(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, capped at MaxDelay.
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

var _ Strategy = Exponential{}

// Write is the default retry schedule for failed batch writes.
func Write() Exponential {
	return Exponential{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2}
}

// Reconnect is the default retry schedule for transport reconnection.
func Reconnect() Exponential {
	return Exponential{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
}

func (eb Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := eb.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if eb.MaxDelay > 0 && delay >= float64(eb.MaxDelay) {
			return eb.MaxDelay
		}
	}

	result := time.Duration(delay)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}
