// Package resilience guards the two external calls a session makes:
// opening the recognizer stream and refining the finished transcript.
package resilience

import "time"

// RetryPolicy retries a call a fixed number of times with a flat
// backoff. MaxRetries counts retries, not attempts, so MaxRetries 2
// runs fn at most three times.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or the retries are spent, returning the
// last error.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
