package engine

import "time"

// Backoff computes retry delays: base doubled per attempt, capped.
// With the defaults the schedule is 5s, 10s, 20s, 40s, 80s, 160s, then
// 300s for every later attempt.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Cap: 300 * time.Second}
}

// Delay returns the wait before re-attempting after `attempt` completed
// attempts have failed (attempt starts at 1 for the first retry delay,
// giving base×2^(attempt-1)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}
