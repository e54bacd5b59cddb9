package pricefeed

import "time"

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Backoff returns base * 2^retry, capped at max. A negative retry yields base.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = baseDelay
	}
	if max <= 0 {
		max = maxDelay
	}
	if retry < 0 {
		return base
	}
	// 2^30 seconds is far beyond any sane cap.
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max || d <= 0 {
		return max
	}
	return d
}
