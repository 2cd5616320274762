package queue

import (
	"math"
	"time"

	"schoolcheckin/internal/config"
)

// Backoff spaces out retries of a failed action exponentially.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func BackoffFromConfig(cfg config.QueueConfig) Backoff {
	return Backoff{Base: cfg.RetryDelayBase, Multiplier: cfg.RetryDelayMultiplier, Max: cfg.RetryDelayMax}
}

// Delay returns the wait after the given failure count (1-based): base * multiplier^(n-1),
// capped at Max.
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(base) * math.Pow(mult, float64(failures-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
