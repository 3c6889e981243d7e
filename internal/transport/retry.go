package transport

import "time"

// Default reconnection parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = 8 * time.Second
)

// RetryPolicy is the reconnect budget of a client. It is a value:
// [RetryPolicy.Next] returns the advanced policy instead of mutating the
// receiver.
type RetryPolicy struct {
	// Attempt is the number of reconnect attempts already made.
	Attempt int
	// MaxAttempts caps the attempts. Defaults to 3 if zero.
	MaxAttempts int
	// Backoff is the delay before the first attempt. Doubles each attempt
	// up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration
	// MaxBackoff is the upper limit on the delay. Defaults to 8s if zero.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff, MaxBackoff: DefaultMaxBackoff}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// Next returns the policy after one more attempt and the delay to wait
// before making it. ok is false when the attempts are exhausted; the
// returned policy is then unchanged.
func (p RetryPolicy) Next() (next RetryPolicy, delay time.Duration, ok bool) {
	p = p.withDefaults()
	if p.Attempt >= p.MaxAttempts {
		return p, 0, false
	}
	delay = p.Backoff
	for range p.Attempt {
		delay *= 2
		if delay >= p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}
	p.Attempt++
	return p, min(delay, p.MaxBackoff), true
}

// Reset returns the policy with the attempt counter cleared.
func (p RetryPolicy) Reset() RetryPolicy {
	p.Attempt = 0
	return p
}

// Exhausted reports whether no attempts remain.
func (p RetryPolicy) Exhausted() bool {
	return p.Attempt >= p.withDefaults().MaxAttempts
}
