package resilience

import (
	"context"

	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with automatic failover across several
// speech-to-speech backends. Only the session open is covered: once a session
// is established its runtime failures belong to the caller.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional provider as a fallback.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a session on the first healthy provider.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(name string, p s2s.Provider) (s2s.SessionHandle, error) {
		h, err := p.Connect(ctx, cfg)
		if err != nil && ctx.Err() != nil {
			// Report the caller's cancellation rather than the transport error it caused.
			return nil, ctx.Err()
		}
		return h, err
	})
}

// Capabilities returns the capabilities of the primary. It does not
// participate in failover because capabilities are static metadata.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// States reports the breaker state of every backend by name.
func (f *S2SFallback) States() map[string]State {
	return f.group.States()
}
