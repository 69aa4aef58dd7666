package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy string

const (
	Fixed          Policy = "fixed"
	Linear         Policy = "linear"
	Exponential    Policy = "exponential"
	ExpEqualJitter Policy = "exp_equal_jitter"
	ExpFullJitter  Policy = "exp_full_jitter"
)

// Delay returns how long to wait before retry number attempt (>= 0).
// Unknown policies behave as exp_full_jitter.
func Delay(policy Policy, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Millisecond
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case Fixed:
		return minDur(base, max)
	case Linear:
		return minDur(base*time.Duration(maxInt(1, attempt)), max)
	case Exponential:
		return exp(base, max, attempt)
	case ExpEqualJitter:
		d := exp(base, max, attempt)
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default:
		d := exp(base, max, attempt)
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

func exp(base, max time.Duration, attempt int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempt))
	if f > float64(max) {
		return max
	}
	return time.Duration(f)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
