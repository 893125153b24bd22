package llm

import "time"

// RetryConfig bounds the retry loop around a single endpoint call.
type RetryConfig struct {
	// MaxAttempts caps tries per endpoint, first call included.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the delay after each failed attempt.
	BackoffMultiplier float64

	// MaxBackoff is the ceiling the growing delay never exceeds.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the policy used when a client sets none.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
