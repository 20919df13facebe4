package app

import "time"

// Policy decides whether a failed connect attempt is retried.
type Policy interface {
	OnConnectFailure(attempt int, err error) (retry bool, wait time.Duration)
}

// NoRetry surfaces the first connect failure.
type NoRetry struct{}

func (NoRetry) OnConnectFailure(int, error) (bool, time.Duration) { return false, 0 }

// Backoff retries up to Retries times, doubling Base each attempt.
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

func (b Backoff) OnConnectFailure(attempt int, _ error) (bool, time.Duration) {
	if attempt > b.Retries {
		return false, 0
	}
	wait := b.Base << (attempt - 1)
	if b.Max > 0 && (wait > b.Max || wait <= 0) {
		wait = b.Max
	}
	return true, wait
}

// PolicyFor returns NoRetry unless retries are configured.
func PolicyFor(retries int, base time.Duration) Policy {
	if retries <= 0 {
		return NoRetry{}
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return Backoff{Retries: retries, Base: base, Max: 30 * time.Second}
}
