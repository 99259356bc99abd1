package model

import "time"

// RetryPolicy controls re-execution of failed stages. Only stages whose
// descriptor is marked idempotent are ever retried.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts"` // 1 means no retry
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// NoRetry is the default policy: every stage runs once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Delay returns the wait before the given retry attempt (attempt >= 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}
