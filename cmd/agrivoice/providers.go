package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/agrivoice/internal/app"
	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/resilience"
	"github.com/MrWong99/agrivoice/pkg/audio"
	"github.com/MrWong99/agrivoice/pkg/audio/malgo"
	"github.com/MrWong99/agrivoice/pkg/audio/oto"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/agrivoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s/genai"
)

// registerBuiltins wires the backends that ship with agrivoice into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterProvider("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		return geminilive.New(e.APIKey,
			geminilive.WithModel(e.Model),
			geminilive.WithBaseURL(e.BaseURL),
		), nil
	})
	reg.RegisterProvider("gemini-genai", func(e config.ProviderEntry) (s2s.Provider, error) {
		return genai.New(e.APIKey,
			genai.WithModel(e.Model),
			genai.WithBaseURL(e.BaseURL),
		), nil
	})
	reg.RegisterMicrophone("malgo", func(config.CaptureConfig) (audio.Microphone, error) {
		return malgo.NewMicrophone(), nil
	})
	reg.RegisterSpeaker("oto", func(c config.PlaybackConfig) (audio.Speaker, error) {
		return oto.NewSpeaker(oto.WithBuffer(c.Buffer)), nil
	})
	slog.Debug("registered backends", "providers", reg.ProviderNames())
}

// buildProviders instantiates the configured backends. With fallbacks
// configured, the S2S provider is wrapped in a circuit-breaking
// [resilience.S2SFallback]; otherwise it is used directly.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("s2s %q: %w", cfg.Provider.Name, err)
	}

	var provider s2s.Provider = primary
	if len(cfg.Provider.Fallbacks) > 0 {
		fb := resilience.NewS2SFallback(primary, cfg.Provider.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
				},
			},
		})
		for i, e := range cfg.Provider.Fallbacks {
			p, err := reg.CreateProvider(e)
			if err != nil {
				return nil, fmt.Errorf("s2s fallback %d %q: %w", i, e.Name, err)
			}
			fb.AddFallback(fmt.Sprintf("%s#%d", e.Name, i+1), p)
		}
		provider = fb
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Provider.Name, "fallbacks", len(cfg.Provider.Fallbacks))

	mic, err := reg.CreateMicrophone(cfg.Audio.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	spk, err := reg.CreateSpeaker(cfg.Audio.Playback)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}

	return &app.Providers{S2S: provider, Microphone: mic, Speaker: spk}, nil
}
