package health

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestBreakers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  map[string]string
		wantErr string
	}{
		{"none", nil, "no providers configured"},
		{"all closed", map[string]string{"gemini-live": "closed"}, ""},
		{"one half-open", map[string]string{"gemini-live": "open", "gemini-genai": "half-open"}, ""},
		{"all open", map[string]string{"gemini-live": "open", "gemini-genai": "open"}, "all circuit breakers open: gemini-genai, gemini-live"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Breakers(func() map[string]string { return tt.states })
			if c.Name != "providers" {
				t.Errorf("Name = %q, want providers", c.Name)
			}
			err := c.Check(context.Background())
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Check() = %v, want nil", err)
			case tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr):
				t.Errorf("Check() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSession(t *testing.T) {
	t.Parallel()
	var closed atomic.Bool
	c := Session(closed.Load)

	if err := c.Check(context.Background()); err != nil {
		t.Errorf("open manager: Check() = %v", err)
	}
	closed.Store(true)
	if err := c.Check(context.Background()); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("closed manager: Check() = %v", err)
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	t.Parallel()
	// Each checker waits for the other; sequential evaluation would only
	// finish through the timeout.
	a, b := make(chan struct{}), make(chan struct{})
	h := New(
		Checker{Name: "a", Check: func(ctx context.Context) error {
			close(a)
			select {
			case <-b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		Checker{Name: "b", Check: func(ctx context.Context) error {
			close(b)
			select {
			case <-a:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if code := serveReadyz(ctx, h); code != 200 {
		t.Errorf("status = %d, want 200", code)
	}
}
