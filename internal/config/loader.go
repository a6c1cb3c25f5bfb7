package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "gemini-genai"},
	"capture":  {"malgo"},
	"playback": {"oto"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A relative assistant.instructions_file is resolved against the directory of
// path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, "")
}

func load(r io.Reader, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := readInstructions(&cfg.Assistant, baseDir); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readInstructions(a *AssistantConfig, baseDir string) error {
	if a.InstructionsFile == "" {
		return nil
	}
	path := a.InstructionsFile
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: assistant.instructions_file: %w", err)
	}
	a.Instructions = strings.TrimSpace(string(data))
	return nil
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults and
// resolves empty API keys from the environment.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	applyProviderDefaults(&cfg.Provider)
	for i := range cfg.Provider.Fallbacks {
		applyProviderDefaults(&cfg.Provider.Fallbacks[i])
	}

	if cfg.Assistant.Voice == "" {
		cfg.Assistant.Voice = DefaultVoice
	}
	if cfg.Assistant.Instructions == "" {
		cfg.Assistant.Instructions = DefaultInstructions
	}

	c := &cfg.Audio.Capture
	if c.Backend == "" {
		c.Backend = DefaultCaptureBackend
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}

	p := &cfg.Audio.Playback
	if p.Backend == "" {
		p.Backend = DefaultOutputBackend
	}
	if p.Buffer == 0 {
		p.Buffer = DefaultOutputBuffer
	}

	v := &cfg.Audio.Volume
	if v.Interval == 0 {
		v.Interval = DefaultVolumeInterval
	}
	if v.FFTSize == 0 {
		v.FFTSize = DefaultFFTSize
	}
	if v.Smoothing == 0 {
		v.Smoothing = DefaultSmoothing
	}
}

func applyProviderDefaults(p *ProviderEntry) {
	if p.APIKey != "" {
		return
	}
	for _, name := range APIKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			p.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must be empty; fallbacks do not nest", prefix))
		}
		errs = append(errs, validateProvider(prefix, fb)...)
	}

	// Audio
	validateProviderName("capture", cfg.Audio.Capture.Backend)
	validateProviderName("playback", cfg.Audio.Playback.Backend)
	if cfg.Audio.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must be positive", cfg.Audio.Capture.FrameSize))
	}
	if cfg.Audio.Capture.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.queue_size %d must be positive", cfg.Audio.Capture.QueueSize))
	}
	if cfg.Audio.Playback.Buffer < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.buffer %s must not be negative", cfg.Audio.Playback.Buffer))
	}
	if cfg.Audio.Playback.Lead < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.lead %s must not be negative", cfg.Audio.Playback.Lead))
	}
	if cfg.Audio.Volume.Interval < 0 {
		errs = append(errs, fmt.Errorf("audio.volume.interval %s must not be negative", cfg.Audio.Volume.Interval))
	}
	if n := cfg.Audio.Volume.FFTSize; n != 0 && (n < 32 || n > 32768 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("audio.volume.fft_size %d must be a power of two in [32, 32768]", n))
	}
	if s := cfg.Audio.Volume.Smoothing; s < 0 || s >= 1 {
		errs = append(errs, fmt.Errorf("audio.volume.smoothing %.2f is out of range [0, 1)", s))
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderEntry) []error {
	var errs []error
	validateProviderName("provider", p.Name)
	if p.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required; set it in the file or via %s",
			prefix, strings.Join(APIKeyEnvVars, " or ")))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or an externally registered backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
