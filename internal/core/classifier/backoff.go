package classifier

import (
	"math"
	"time"
)

// ExponentialDelay returns min(base * multiplier^(attempt-1), max).
//
// attempt is 1-based: the first failure waits exactly base. A zero max means
// no cap. The result saturates instead of overflowing.
func ExponentialDelay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}

	limit := float64(math.MaxInt64)
	if max > 0 {
		limit = float64(max)
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if delay >= limit || math.IsInf(delay, 1) || math.IsNaN(delay) {
		if max > 0 {
			return max
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
