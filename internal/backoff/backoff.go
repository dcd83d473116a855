package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy names accepted by Delay.
const (
	Fixed          = "fixed"
	Linear         = "linear"
	Exponential    = "exponential"
	ExpEqualJitter = "exp_equal_jitter"
	ExpFullJitter  = "exp_full_jitter"
)

// Delay returns how long to wait before retry number attempt (1-based) of a
// callback delivery. A nil rng yields a deterministic sequence.
func Delay(policy string, base, ceiling time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	exp := func() time.Duration {
		f := float64(base) * math.Pow(2, float64(attempt-1))
		if f > float64(ceiling) {
			return ceiling
		}
		return time.Duration(f)
	}
	switch policy {
	case Fixed:
		return minDuration(base, ceiling)
	case Linear:
		return minDuration(base*time.Duration(attempt), ceiling)
	case Exponential:
		return exp()
	case ExpEqualJitter:
		d := exp()
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default:
		d := exp()
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
