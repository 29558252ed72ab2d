package config

import "reflect"

// ConfigDiff describes what changed between two configs. The log level can
// be applied to a running server; changes to the provider, session, and
// audio blocks are tracked so the server can tell the operator a restart is
// needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProviderChanged is true when any field of the provider block differs.
	ProviderChanged bool

	// SessionChanged is true when any field of the session block differs.
	SessionChanged bool

	// AudioChanged is true when any field of the audio block differs.
	AudioChanged bool
}

// Changed reports whether the diff contains any tracked change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ProviderChanged || d.SessionChanged || d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The provider block holds an options map, so it needs a deep comparison.
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.ProviderChanged = true
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
	}

	return d
}
