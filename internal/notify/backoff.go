package notify

import "time"

// BackoffFunc maps the number of failed attempts so far to the delay before
// the next attempt. Decoupled from the delivery loop so tests can run without
// real time passing.
type BackoffFunc func(failedAttempts int) time.Duration

// ExponentialBackoff waits 2^n seconds after the n-th failed attempt:
// 2s after the first failure, 4s after the second.
func ExponentialBackoff(failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	if failedAttempts > 10 {
		failedAttempts = 10
	}
	return time.Duration(1<<uint(failedAttempts)) * time.Second
}
