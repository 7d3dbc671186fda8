package resilience

import "time"

// RetryPolicy bounds the attempts made inside one Execute call.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// BreakerPolicy configures the per-operation circuit breaker. A breaker
// trips once MinRequests calls have been seen in the current window and the
// failure ratio reaches FailureRatio.
type BreakerPolicy struct {
	Enabled       bool
	MinRequests   uint32
	FailureRatio  float64
	OpenTimeout   time.Duration
	HalfOpenCalls uint32
}

// Policy is the guard applied to calls against one upstream.
type Policy struct {
	Retry   RetryPolicy
	Breaker BreakerPolicy
}

// DefaultPolicy suits short idempotent calls such as embedding requests.
func DefaultPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{
			Attempts:       3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2.0,
		},
		Breaker: BreakerPolicy{
			Enabled:       true,
			MinRequests:   10,
			FailureRatio:  0.5,
			OpenTimeout:   30 * time.Second,
			HalfOpenCalls: 2,
		},
	}
}

// SingleAttempt keeps the breaker but leaves retrying to the caller.
func (p Policy) SingleAttempt() Policy {
	p.Retry.Attempts = 1
	return p
}

// WithoutBreaker disables the circuit breaker.
func (p Policy) WithoutBreaker() Policy {
	p.Breaker.Enabled = false
	return p
}

func (p Policy) normalize() Policy {
	def := DefaultPolicy()

	r := &p.Retry
	if r.Attempts <= 0 {
		r.Attempts = def.Retry.Attempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.Retry.InitialBackoff
	}
	r.MaxBackoff = max(r.MaxBackoff, r.InitialBackoff)
	if r.Multiplier < 1.0 {
		r.Multiplier = def.Retry.Multiplier
	}

	b := &p.Breaker
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = def.Breaker.OpenTimeout
	}
	if b.HalfOpenCalls == 0 {
		b.HalfOpenCalls = def.Breaker.HalfOpenCalls
	}
	return p
}
