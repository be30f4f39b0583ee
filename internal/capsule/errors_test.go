package capsule

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "validation", err: Validationf("bad input"), want: KindValidation},
		{name: "transient", err: Transientf("busy"), want: KindTransient},
		{name: "fatal", err: Fatalf("corrupt"), want: KindFatal},
		{name: "marked", err: MarkTransient(base), want: KindTransient},
		{name: "wrapped keeps kind", err: fmt.Errorf("store: %w", MarkFatal(base)), want: KindFatal},
		{name: "remark overrides", err: MarkValidation(MarkTransient(base)), want: KindValidation},
		{name: "plain error unclassified", err: base, want: 0},
		{name: "not found is validation", err: fmt.Errorf("capsule abc: %w", ErrNotFound), want: KindValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "validation", err: Validationf("bad"), want: false},
		{name: "fatal", err: Fatalf("broken"), want: false},
		{name: "transient", err: Transientf("busy"), want: true},
		{name: "unclassified counts as transient", err: errors.New("timeout"), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "wrapped deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestMarkNilStaysNil(t *testing.T) {
	t.Parallel()

	if MarkValidation(nil) != nil || MarkTransient(nil) != nil || MarkFatal(nil) != nil {
		t.Fatalf("Mark* must pass nil through")
	}
}

func TestErrNotFoundIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("profile %s: %w", "p1", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}
}
