package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDoValueAttemptCount(t *testing.T) {
	t.Parallel()

	pol := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	cases := []struct {
		name      string
		failUntil int // attempts that fail before success
		wantCalls int
		wantErr   bool
	}{
		{name: "first try succeeds", failUntil: 0, wantCalls: 1},
		{name: "second try succeeds", failUntil: 1, wantCalls: 2},
		{name: "last try succeeds", failUntil: 2, wantCalls: 3},
		{name: "all attempts fail", failUntil: 3, wantCalls: 3, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			got, err := DoValue(context.Background(), pol, func(ctx context.Context) (string, error) {
				calls++
				if calls <= tc.failUntil {
					return "", errors.New("flaky")
				}
				return "ok", nil
			})
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if tc.wantErr {
				if err == nil {
					t.Fatalf("err = nil, want failure after %d attempts", tc.wantCalls)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if got != "ok" {
				t.Fatalf("value = %q, want %q", got, "ok")
			}
		})
	}
}

func TestDelaySchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		pol     Policy
		attempt int
		want    time.Duration
	}{
		{name: "first retry waits base", pol: Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2}, attempt: 2, want: 100 * time.Millisecond},
		{name: "second retry doubled", pol: Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2}, attempt: 3, want: 200 * time.Millisecond},
		{name: "third retry quadrupled", pol: Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2}, attempt: 4, want: 400 * time.Millisecond},
		{name: "triple multiplier", pol: Policy{BaseDelay: 10 * time.Millisecond, Multiplier: 3}, attempt: 4, want: 90 * time.Millisecond},
		{name: "cap applies", pol: Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 150 * time.Millisecond}, attempt: 4, want: 150 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := tc.pol.withDefaults()
			if got := p.delay(tc.attempt, nil); got != tc.want {
				t.Fatalf("delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad request")
	calls := 0
	_, err := DoValue(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(fmt.Errorf("reject: %w", sentinel))
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if err == nil || !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel without marker", err)
	}
	if IsPermanent(err) {
		t.Fatalf("returned error still carries the permanent marker")
	}
}

func TestRetryIfPredicate(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (predicate rejected retry)", calls)
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want %v", err, fatal)
	}
}

func TestContextCancelDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Second}, func(ctx context.Context) error {
		calls++
		return errors.New("flaky")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancel should interrupt the wait)", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDoValueFallback(t *testing.T) {
	t.Parallel()

	primaryErr := errors.New("primary down")
	pol := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	t.Run("fallback value wins after exhaustion", func(t *testing.T) {
		t.Parallel()
		primaryCalls, fallbackCalls := 0, 0
		got, err := DoValueFallback(context.Background(), pol,
			func(ctx context.Context) (string, error) { primaryCalls++; return "", primaryErr },
			func(ctx context.Context) (string, error) { fallbackCalls++; return "cached", nil },
		)
		if err != nil {
			t.Fatalf("err = %v, want nil", err)
		}
		if got != "cached" {
			t.Fatalf("value = %q, want %q", got, "cached")
		}
		if primaryCalls != 2 || fallbackCalls != 1 {
			t.Fatalf("calls = (%d, %d), want (2, 1)", primaryCalls, fallbackCalls)
		}
	})

	t.Run("fallback failure propagates primary error", func(t *testing.T) {
		t.Parallel()
		_, err := DoValueFallback(context.Background(), pol,
			func(ctx context.Context) (string, error) { return "", primaryErr },
			func(ctx context.Context) (string, error) { return "", errors.New("fallback down") },
		)
		if !errors.Is(err, primaryErr) {
			t.Fatalf("err = %v, want the primary error", err)
		}
		if !strings.Contains(err.Error(), "fallback down") {
			t.Fatalf("err = %v, want the fallback failure attached", err)
		}
	})

	t.Run("no fallback call on success", func(t *testing.T) {
		t.Parallel()
		fallbackCalls := 0
		got, err := DoValueFallback(context.Background(), pol,
			func(ctx context.Context) (string, error) { return "fresh", nil },
			func(ctx context.Context) (string, error) { fallbackCalls++; return "cached", nil },
		)
		if err != nil || got != "fresh" {
			t.Fatalf("got (%q, %v), want (fresh, nil)", got, err)
		}
		if fallbackCalls != 0 {
			t.Fatalf("fallback ran %d times, want 0", fallbackCalls)
		}
	})
}
