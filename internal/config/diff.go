package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and caller preferences are applied live; everything
// else is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PreferencesChanged is true when any caller's stored keys changed.
	PreferencesChanged bool

	// DefaultKeysChanged is true when a provider's api_key changed.
	DefaultKeysChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether the diff carries anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PreferencesChanged || d.DefaultKeysChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.CallerPreferences, new.CallerPreferences) {
		d.PreferencesChanged = true
	}

	if !reflect.DeepEqual(old.Providers.Keys(), new.Providers.Keys()) {
		d.DefaultKeysChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(withoutKeys(old.Providers), withoutKeys(new.Providers)) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"gateway", old.Gateway, new.Gateway},
		{"cache", old.Cache, new.Cache},
		{"batch", old.Batch, new.Batch},
		{"textgen", old.TextGen, new.TextGen},
		{"audio", old.Audio, new.Audio},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}

// withoutKeys clears the API keys, which are hot-reloadable.
func withoutKeys(p ProvidersConfig) ProvidersConfig {
	p.Gemini.APIKey = ""
	p.CloudTTS.APIKey = ""
	p.ElevenLabs.APIKey = ""
	p.Local.APIKey = ""
	return p
}
