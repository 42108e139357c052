package resilience

import (
	"time"
)

// FromInvokeConfig converts config values to an InvokeConfig. Non-positive
// durations and factors keep their defaults; maxRetries is taken as given so
// that zero disables retries.
func FromInvokeConfig(timeoutSecs, maxRetries, backoffBaseSecs int, backoffFactor float64, maxBackoffSecs int) InvokeConfig {
	cfg := DefaultInvokeConfig()
	if timeoutSecs > 0 {
		cfg.Timeout = time.Duration(timeoutSecs) * time.Second
	}
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if backoffBaseSecs > 0 {
		cfg.BackoffBase = time.Duration(backoffBaseSecs) * time.Second
	}
	if backoffFactor >= 1 {
		cfg.BackoffFactor = backoffFactor
	}
	if maxBackoffSecs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffSecs) * time.Second
	}
	return cfg
}
