package agent

import (
	"math"
	"math/rand"
	"time"

	"github.com/skeinlabs/skein/pkg/types"
)

// RetryDelay computes the backoff before retry attempt k (0-indexed) for the
// node's retry configuration. Delays are expressed in seconds in the config
// and returned as a duration.
func RetryDelay(cfg types.RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var seconds float64
	switch cfg.Strategy {
	case types.RetryFixed:
		seconds = cfg.InitialDelay

	case types.RetryLinear:
		seconds = cfg.InitialDelay * float64(attempt+1)

	case types.RetryExponential:
		seconds = cfg.InitialDelay * math.Pow(cfg.BackoffMultiplier, float64(attempt))
		seconds = math.Min(seconds, cfg.MaxDelay)
		if cfg.Jitter {
			seconds *= 0.5 + rand.Float64()
		}

	case types.RetryFibonacci:
		seconds = cfg.InitialDelay * float64(fibonacci(attempt))

	case types.RetryAdaptive:
		// Grows linearly, bounded by the configured ceiling.
		seconds = math.Min(cfg.MaxDelay, cfg.InitialDelay*float64(attempt+1))

	default:
		seconds = cfg.InitialDelay
	}

	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// fibonacci returns fib(n) with fib(0) = fib(1) = 1.
func fibonacci(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
