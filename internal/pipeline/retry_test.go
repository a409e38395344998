package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paritoshk/LLM-document-judge/internal/common"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := fastRetry(4).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return common.Transient("ocr", "flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryFatalEscalatesImmediately(t *testing.T) {
	calls := 0
	fatal := common.Fatal("ocr", "bad request", nil)
	err := fastRetry(4).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, common.ErrUpstreamFatal) {
		t.Fatalf("expected fatal classification, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fatal error was retried %d times", calls)
	}
}

func TestRetryMalformedNotRetried(t *testing.T) {
	calls := 0
	err := fastRetry(4).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return common.Malformed("stage1_candidates", "bad json", nil)
	})
	if !errors.Is(err, common.ErrMalformedOutput) {
		t.Fatalf("classification lost: %v", err)
	}
	if calls != 1 {
		t.Fatalf("malformed output was retried %d times", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return common.Transient("ocr", "still down", nil)
	})
	if !errors.Is(err, common.ErrUpstreamTransient) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestBackoffSaturatesOnLargeAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 200, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	for _, attempt := range []int{1, 5, 63, 64, 100, 200} {
		d := p.backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d produced non-positive delay %v", attempt, d)
		}
		if d > p.MaxDelay+p.MaxDelay/2 {
			t.Fatalf("attempt %d exceeded cap with jitter: %v", attempt, d)
		}
	}

	// Without a cap the delay still must stay positive.
	uncapped := RetryPolicy{MaxAttempts: 200, BaseDelay: time.Second}
	for _, attempt := range []int{63, 64, 200} {
		if d := uncapped.backoff(attempt); d <= 0 {
			t.Fatalf("uncapped attempt %d produced non-positive delay %v", attempt, d)
		}
	}
}

func TestRetryHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}.Do(ctx, nil, "op", func(context.Context) error {
		calls++
		cancel()
		return common.Transient("ocr", "down", nil)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if err == nil {
		t.Fatal("expected an error after cancel")
	}
}
