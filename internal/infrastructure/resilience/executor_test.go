package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func fastRetry(attempts int) Policy {
	p := DefaultPolicy().WithoutBreaker()
	p.Retry = RetryPolicy{
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	return p
}

func retryable(target error) ErrorClassifier {
	return func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, target), RecordFailure: true}
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	exec := NewExecutor(fastRetry(3))

	calls := 0
	errFlaky := errors.New("connection reset")
	err := exec.Execute(context.Background(), "ollama.embed", func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, retryable(errFlaky))
	if err != nil {
		t.Fatalf("expected success on the third call, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	exec := NewExecutor(fastRetry(3))

	calls := 0
	errBadRequest := errors.New("model not found")
	err := exec.Execute(context.Background(), "ollama.generate_stream", func(context.Context) error {
		calls++
		return errBadRequest
	}, nil)
	if !errors.Is(err, errBadRequest) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecuteReturnsLastErrorWhenContextEnds(t *testing.T) {
	p := fastRetry(5)
	p.Retry.InitialBackoff = time.Hour
	p.Retry.MaxBackoff = time.Hour
	exec := NewExecutor(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errFlaky := errors.New("timeout")
	calls := 0
	err := exec.Execute(ctx, "reranker.score", func(context.Context) error {
		calls++
		return errFlaky
	}, retryable(errFlaky))
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected last call error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected backoff to be interrupted after 1 call, got %d", calls)
	}
}

func TestDoReturnsValueAfterRetry(t *testing.T) {
	exec := NewExecutor(fastRetry(2))

	calls := 0
	got, err := Do(context.Background(), exec, "reranker.score", func(context.Context) ([]float64, error) {
		calls++
		if calls == 1 {
			return nil, &HTTPStatusError{Service: "reranker", Operation: "score", StatusCode: 503, Status: "503 Service Unavailable"}
		}
		return []float64{0.9, 0.1}, nil
	}, ClassifyHTTPError)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(got) != 2 || got[0] != 0.9 {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestSingleAttemptDisablesRetry(t *testing.T) {
	exec := NewExecutor(DefaultPolicy().SingleAttempt())

	calls := 0
	_ = exec.Execute(context.Background(), "reranker.score", func(context.Context) error {
		calls++
		return errors.New("temporary")
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestBackoffGrowsToCap(t *testing.T) {
	b := newBackoff(RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond, Multiplier: 2})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("delay %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestBreakerOpensAndNotifiesListeners(t *testing.T) {
	exec := NewExecutor(Policy{
		Retry: RetryPolicy{Attempts: 1},
		Breaker: BreakerPolicy{
			Enabled:       true,
			MinRequests:   2,
			FailureRatio:  0.5,
			OpenTimeout:   time.Minute,
			HalfOpenCalls: 1,
		},
	})
	var transitions []gobreaker.State
	exec.OnStateChange(func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	errDown := errors.New("upstream down")
	for i := 0; i < 2; i++ {
		if err := exec.Execute(context.Background(), "nats.publish", func(context.Context) error {
			return errDown
		}, nil); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "nats.publish", func(context.Context) error {
		t.Fatalf("open breaker must short-circuit the call")
		return nil
	}, nil)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected open circuit error, got %v", err)
	}
	if exec.State("nats.publish") != gobreaker.StateOpen {
		t.Fatalf("expected open state, got %s", exec.State("nats.publish"))
	}
	if exec.State("nats.other") != gobreaker.StateClosed {
		t.Fatalf("breakers must be per operation")
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("expected one transition to open, got %v", transitions)
	}
}

func TestUnclassifiedFailuresDoNotTrip(t *testing.T) {
	exec := NewExecutor(Policy{
		Retry:   RetryPolicy{Attempts: 1},
		Breaker: BreakerPolicy{Enabled: true, MinRequests: 1, FailureRatio: 0.5, OpenTimeout: time.Minute, HalfOpenCalls: 1},
	})
	ignore := func(error) ErrorClassification { return ErrorClassification{} }

	for i := 0; i < 3; i++ {
		_ = exec.Execute(context.Background(), "ollama.embed", func(context.Context) error {
			return errors.New("bad input")
		}, ignore)
	}
	if exec.State("ollama.embed") != gobreaker.StateClosed {
		t.Fatalf("client errors must not open the breaker")
	}
}
