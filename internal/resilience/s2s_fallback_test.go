package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/agrivoice/pkg/provider/s2s/mock"
)

func TestS2SFallback_Connect_PrimarySuccess(t *testing.T) {
	primary := &s2smock.Provider{}
	secondary := &s2smock.Provider{}

	fb := NewS2SFallback(primary, "gemini-live", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("gemini-genai", secondary)

	cfg := s2s.SessionConfig{Voice: "Zephyr"}
	sess, err := fb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("Connect returned nil session")
	}
	if len(primary.Calls()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls()))
	}
	if got := primary.Calls()[0].Cfg.Voice; got != "Zephyr" {
		t.Errorf("forwarded voice = %q, want Zephyr", got)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestS2SFallback_Connect_Failover(t *testing.T) {
	primary := &s2smock.Provider{ConnectErr: errors.New("setup rejected")}
	secondary := &s2smock.Provider{}

	fb := NewS2SFallback(primary, "gemini-live", FallbackConfig{})
	fb.AddFallback("gemini-genai", secondary)

	if _, err := fb.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secondary.Sessions()) != 1 {
		t.Fatalf("secondary sessions = %d, want 1", len(secondary.Sessions()))
	}
}

func TestS2SFallback_Connect_AllFail(t *testing.T) {
	errDown := errors.New("dial refused")
	fb := NewS2SFallback(&s2smock.Provider{ConnectErr: errDown}, "gemini-live", FallbackConfig{})

	_, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the dial error", err)
	}
}

func TestS2SFallback_Connect_Cancelled(t *testing.T) {
	primary := &s2smock.Provider{Gate: make(chan struct{})}
	secondary := &s2smock.Provider{}
	fb := NewS2SFallback(primary, "gemini-live", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("gemini-genai", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fb.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatal("cancelled connect must not fail over")
	}
	if got := fb.States()["gemini-live"]; got != StateClosed {
		t.Fatalf("primary breaker = %v, want closed after cancellation", got)
	}
}

func TestS2SFallback_Capabilities(t *testing.T) {
	primary := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Zephyr"}}}
	fb := NewS2SFallback(primary, "gemini-live", FallbackConfig{})
	fb.AddFallback("gemini-genai", &s2smock.Provider{})

	if got := fb.Capabilities().Voices; len(got) != 1 || got[0] != "Zephyr" {
		t.Errorf("Voices = %v, want [Zephyr]", got)
	}
}
