// Package config provides the configuration schema, loader, and backend
// registry for the agrivoice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr     = ":9464"
	DefaultProvider       = "gemini-live"
	DefaultVoice          = "Zephyr"
	DefaultCaptureBackend = "malgo"
	DefaultOutputBackend  = "oto"
	DefaultFrameSize      = 4096
	DefaultQueueSize      = 32
	DefaultOutputBuffer   = 100 * time.Millisecond
	DefaultVolumeInterval = 50 * time.Millisecond
	DefaultFFTSize        = 256
	DefaultSmoothing      = 0.8
)

// APIKeyEnvVars lists the environment variables consulted, in order, when
// provider.api_key is empty.
var APIKeyEnvVars = []string{"GEMINI_API_KEY", "API_KEY"}

// Config is the root configuration structure for agrivoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Assistant AssistantConfig `yaml:"assistant"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz.
	// Set to "off" to disable the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ListenerEnabled reports whether the admin HTTP listener should run.
func (s ServerConfig) ListenerEnabled() bool {
	return s.ListenAddr != "off"
}

// ProviderEntry selects the remote speech model. The Name field is used to
// look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live" or
	// "gemini-genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty it is read from
	// the first non-empty variable in [APIKeyEnvVars].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Fallbacks lists further providers tried in order when the primary
	// cannot open a session.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// AssistantConfig shapes the persona of the remote model. Changes are picked
// up by the next session.
type AssistantConfig struct {
	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent at session setup.
	Instructions string `yaml:"instructions"`

	// InstructionsFile, when set, is read at load time and replaces
	// Instructions.
	InstructionsFile string `yaml:"instructions_file"`

	// Transcripts asks the remote side for input and output transcriptions.
	Transcripts *bool `yaml:"transcripts"`
}

// TranscriptsEnabled reports whether transcriptions are requested. Defaults
// to true.
func (a AssistantConfig) TranscriptsEnabled() bool {
	return a.Transcripts == nil || *a.Transcripts
}

// AudioConfig groups the local device settings.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Volume   VolumeConfig   `yaml:"volume"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	// Backend names the registered microphone implementation.
	Backend string `yaml:"backend"`

	// FrameSize is the number of samples per outbound frame.
	FrameSize int `yaml:"frame_size"`

	// QueueSize is the capacity of the frame queue between the device
	// callback and the network sender.
	QueueSize int `yaml:"queue_size"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// Backend names the registered speaker implementation.
	Backend string `yaml:"backend"`

	// Buffer is the amount of audio the backend buffers ahead of the device.
	Buffer time.Duration `yaml:"buffer"`

	// Lead delays a reply that arrives after playback ran dry, so its first
	// samples are not cut by a device that is already pulling. Zero starts it
	// immediately.
	Lead time.Duration `yaml:"lead"`
}

// VolumeConfig configures the input level meter.
type VolumeConfig struct {
	// Interval is the sampling period of the published level.
	Interval time.Duration `yaml:"interval"`

	// FFTSize is the analysis window length; must be a power of two.
	FFTSize int `yaml:"fft_size"`

	// Smoothing is the spectral averaging constant in [0, 1).
	Smoothing float64 `yaml:"smoothing"`
}
