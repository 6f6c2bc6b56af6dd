package streamclient

import "time"

// backoffDelay computes the reconnect sleep after failed attempt number
// attempt (0-based): min(max, base*2^attempt) scaled by a jitter factor in
// [0.5, 1.5).
func backoffDelay(base, max time.Duration, attempt int, jitter float64) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	return time.Duration(float64(delay) * jitter)
}
