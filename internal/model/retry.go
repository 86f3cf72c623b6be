package model

import "time"

// DefaultSubmitTimeout bounds a single commit attempt.
const DefaultSubmitTimeout = 60 * time.Second

// RetryConfig defines how transient commit failures are retried.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" validate:"min=0"`
	InitialDelay      time.Duration `json:"initial_delay" validate:"min=0"`
	MaxDelay          time.Duration `json:"max_delay" validate:"min=0"`
	BackoffMultiplier float64       `json:"backoff_multiplier" validate:"min=0"`

	// NoJitter turns off randomized delays. The zero value keeps jitter on
	// so that a zero RetryConfig gets the full default policy.
	NoJitter bool `json:"no_jitter"`
}

// DefaultRetryConfig is used for every field left at its zero value.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       5,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

// WithDefaults fills unset fields from DefaultRetryConfig.
func (c RetryConfig) WithDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = DefaultRetryConfig.BackoffMultiplier
	}
	return c
}
