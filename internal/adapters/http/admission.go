package httpadapter

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

type rejectRecorder interface {
	RecordRejected(service, reason string)
}

const (
	rejectRateLimited = "rate_limited"
	rejectOverloaded  = "overloaded"
)

// admission decides whether a request may enter the handlers: first a token
// bucket on the request rate, then a bounded pool of in-flight slots. A
// streaming query holds its slot until the stream ends.
type admission struct {
	limiter *rate.Limiter
	slots   chan struct{}
	wait    time.Duration
	service string
	rec     rejectRecorder
}

func newAdmission(cfg RouterConfig, rec rejectRecorder) *admission {
	a := &admission{wait: cfg.BackpressureWait, service: cfg.Service, rec: rec}
	if cfg.RateLimitRPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(cfg.RateLimitBurst, 1))
	}
	if cfg.MaxInFlight > 0 {
		a.slots = make(chan struct{}, cfg.MaxInFlight)
	}
	return a
}

func (a *admission) middleware(next http.Handler) http.Handler {
	if a.limiter == nil && a.slots == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if retryAfter, ok := a.allow(); !ok {
			a.reject(w, rejectRateLimited, retryAfter)
			return
		}
		release, ok := a.acquire(r.Context())
		if !ok {
			if r.Context().Err() == nil {
				a.reject(w, rejectOverloaded, time.Second)
			}
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// allow takes a token without waiting. When none is available it reports how
// long until one would be.
func (a *admission) allow() (time.Duration, bool) {
	if a.limiter == nil {
		return 0, true
	}
	res := a.limiter.Reserve()
	if !res.OK() {
		return time.Second, false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

// acquire waits up to a.wait for an in-flight slot.
func (a *admission) acquire(ctx context.Context) (func(), bool) {
	if a.slots == nil {
		return func() {}, true
	}
	release := func() { <-a.slots }

	select {
	case a.slots <- struct{}{}:
		return release, true
	default:
	}
	if a.wait <= 0 {
		return nil, false
	}

	timer := time.NewTimer(a.wait)
	defer timer.Stop()
	select {
	case a.slots <- struct{}{}:
		return release, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (a *admission) reject(w http.ResponseWriter, reason string, retryAfter time.Duration) {
	if a.rec != nil {
		a.rec.RecordRejected(a.service, reason)
	}
	seconds := max(int(math.Ceil(retryAfter.Seconds())), 1)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	if reason == rejectRateLimited {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}
	writeError(w, http.StatusServiceUnavailable, "server is overloaded, retry later", "")
}
