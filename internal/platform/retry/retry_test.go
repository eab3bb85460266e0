package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// recordingSleeper captures requested waits without sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func testPolicy(s *recordingSleeper) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0,
		Sleep:       s.sleep,
	}
}

var errTransient = errors.New("transient")

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	s := &recordingSleeper{}
	got, err := Do(context.Background(), testPolicy(s), func(_ context.Context, attempt int) (int, error) {
		return attempt, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("expected attempt 1, got %d", got)
	}
	if len(s.waits) != 0 {
		t.Errorf("expected no waits, got %v", s.waits)
	}
}

func TestDo_RetriesWithExponentialBackoff(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0
	_, err := Do(context.Background(), testPolicy(s), func(_ context.Context, _ int) (struct{}, error) {
		calls++
		return struct{}{}, Retryable(errTransient)
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected errTransient, got %v", err)
	}
	var marked *retryableError
	if errors.As(err, &marked) {
		t.Error("returned error should be unwrapped from the retry marker")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(s.waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, s.waits)
	}
	for i := range want {
		if s.waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, s.waits[i], want[i])
		}
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	s := &recordingSleeper{}
	permanent := errors.New("permanent")
	calls := 0
	_, err := Do(context.Background(), testPolicy(s), func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

func TestDo_RetryAfterHintOverridesBackoff(t *testing.T) {
	s := &recordingSleeper{}
	p := testPolicy(s)
	p.MaxDelay = 5 * time.Second
	_, _ = Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, RetryableAfter(errTransient, 2*time.Second)
		}
		return attempt, nil
	})
	if len(s.waits) != 1 || s.waits[0] != 2*time.Second {
		t.Fatalf("expected a single 2s wait, got %v", s.waits)
	}
}

func TestDo_RetryAfterClampedToMaxDelay(t *testing.T) {
	s := &recordingSleeper{}
	_, _ = Do(context.Background(), testPolicy(s), func(_ context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, RetryableAfter(errTransient, time.Hour)
		}
		return attempt, nil
	})
	if len(s.waits) != 1 || s.waits[0] != time.Second {
		t.Fatalf("expected wait clamped to 1s, got %v", s.waits)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	_, err := Do(ctx, p, func(_ context.Context, _ int) (int, error) {
		calls++
		cancel()
		return 0, Retryable(errTransient)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt before cancel, got %d", calls)
	}
}

func TestDo_OnRetryHook(t *testing.T) {
	s := &recordingSleeper{}
	p := testPolicy(s)
	var attempts []int
	p.OnRetry = func(attempt int, err error, _ time.Duration) {
		if !errors.Is(err, errTransient) {
			t.Errorf("hook got unexpected error %v", err)
		}
		attempts = append(attempts, attempt)
	}
	_, _ = Do(context.Background(), p, func(_ context.Context, _ int) (int, error) {
		return 0, Retryable(errTransient)
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected hook for attempts [1 2], got %v", attempts)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, _ = Do(context.Background(), Policy{}, func(_ context.Context, _ int) (int, error) {
		calls++
		return 0, Retryable(errTransient)
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"2", 2 * time.Second, true},
		{" 10 ", 10 * time.Second, true},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.value, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}
