package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceIsolationChanged bool
	NewVoiceIsolation     bool

	NoiseReductionChanged bool
	NewNoiseReduction     float64

	// RestartRequired lists settings that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceIsolationChanged && !d.NoiseReductionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed. Both configs
// must have defaults applied.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if v := deref(new.Processing.VoiceIsolation); deref(old.Processing.VoiceIsolation) != v {
		d.VoiceIsolationChanged = true
		d.NewVoiceIsolation = v
	}
	if v := deref(new.Processing.NoiseReduction); deref(old.Processing.NoiseReduction) != v {
		d.NoiseReductionChanged = true
		d.NewNoiseReduction = v
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Recording.Directory != new.Recording.Directory {
		d.RestartRequired = append(d.RestartRequired, "recording.directory")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	return d
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
