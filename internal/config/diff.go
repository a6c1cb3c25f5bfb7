package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is true if the voice, instructions or transcription
	// setting changed. The new values take effect on the next session.
	AssistantChanged    bool
	VoiceChanged        bool
	InstructionsChanged bool
	TranscriptsChanged  bool

	// RestartRequired lists config sections that changed but are only read
	// at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Assistant
	oa, na := old.Assistant, new.Assistant
	d.VoiceChanged = oa.Voice != na.Voice
	d.InstructionsChanged = oa.Instructions != na.Instructions
	d.TranscriptsChanged = oa.TranscriptsEnabled() != na.TranscriptsEnabled()
	d.AssistantChanged = d.VoiceChanged || d.InstructionsChanged || d.TranscriptsChanged

	// Startup-only sections
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		slices.EqualFunc(a.Fallbacks, b.Fallbacks, providerEqual)
}
