package worker

import "time"

// maxBackoff caps the retry delay growth.
const maxBackoff = 30 * time.Second

// Backoff returns the retry delay for a task that has just failed its
// attempts-th attempt: min(30s, 2^max(0, attempts-1) seconds). Owned by the
// Worker, not the Store — complete_task_failure just takes the duration.
func Backoff(attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 5 {
		// 2^5s already exceeds the 30s cap; anything larger would overflow
		// the shift below for pathological attempts counts.
		return maxBackoff
	}

	backoff := time.Duration(1) << uint(exp) * time.Second
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
