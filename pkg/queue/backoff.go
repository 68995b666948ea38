package queue

import "time"

// Backoff computes capped exponential retry delays:
//
//	delay = min(Cap, Base * 2^retryCount)
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is the production default: 5s base, 5m cap.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Cap: 5 * time.Minute}

// Delay returns the retry delay for the given retry count.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	ceiling := b.Cap
	if ceiling <= 0 {
		ceiling = DefaultBackoff.Cap
	}
	// Shifting far enough overflows; anything that large is over the cap anyway.
	if retryCount > 30 {
		return ceiling
	}
	d := base << uint(retryCount)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
