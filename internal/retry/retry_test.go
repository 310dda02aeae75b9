package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries: retries,
		Base:       time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestWithRetry(t *testing.T) {
	errFail := errors.New("fail")
	tests := []struct {
		name      string
		failures  int
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{"first try", 0, 3, false, 1},
		{"succeeds after failures", 2, 3, false, 3},
		{"exhausted", 5, 2, true, 3},
		{"no retries", 1, 0, true, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			got, err := WithRetry(context.Background(), fastPolicy(tc.retries), "op", func() (int, error) {
				calls++
				if calls <= tc.failures {
					return 0, errFail
				}
				return 42, nil
			})
			if tc.wantErr {
				if !errors.Is(err, errFail) {
					t.Errorf("expected errFail, got %v", err)
				}
			} else if err != nil || got != 42 {
				t.Errorf("expected 42, got %d, %v", got, err)
			}
			if calls != tc.wantCalls {
				t.Errorf("expected %d calls, got %d", tc.wantCalls, calls)
			}
		})
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(5)
	p.Base = time.Hour

	calls := 0
	_, err := WithRetry(ctx, p, "op", func() (string, error) {
		calls++
		cancel()
		return "", errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
