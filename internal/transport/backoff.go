package transport

import (
	"math/rand/v2"
	"time"
)

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := time.Duration(float64(cur) * 1.6)
	if next > limit {
		return limit
	}
	return next
}
