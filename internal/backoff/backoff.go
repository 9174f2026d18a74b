// Package backoff computes the delay between the runner's claim-poll
// retries.
package backoff

import (
	"math/rand"
	"time"
)

// Delay returns the wait for retry attempt i (0-indexed): exponential
// base*2^i plus up to 50% random jitter.
func Delay(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
