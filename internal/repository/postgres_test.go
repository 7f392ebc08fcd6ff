package repository

import (
	"context"
	"errors"
	"testing"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "followers",
			want: "followers",
		},
		{
			name: "percent escaped",
			in:   "50%",
			want: `50\%`,
		},
		{
			name: "underscore escaped",
			in:   "demo_1",
			want: `demo\_1`,
		},
		{
			name: "backslash escaped first",
			in:   `\%`,
			want: `\\\%`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := escapeLike(tt.in); got != tt.want {
				t.Fatalf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithRetry_NonRetryableFailsOnce(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	wantErr := errors.New("constraint violation")

	err := r.withRetry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1 for a non-retryable error", calls)
	}
}

func TestWithRetry_StopsOnContextError(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1 when the context is cancelled", calls)
	}
}

func TestWithRetry_SucceedsWithoutRetry(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	if err := r.withRetry(context.Background(), func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("withRetry error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn calls = %d, want 1", calls)
	}
}
