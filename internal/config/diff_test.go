package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{Gemini: config.ProviderEntry{APIKey: "k1"}},
		CallerPreferences: map[string]map[string]string{
			"alice": {"elevenlabs": "el-alice"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_PreferencesChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.CallerPreferences["bob"] = map[string]string{"gemini": "gm-bob"}

	d := config.Diff(old, new)
	if !d.PreferencesChanged {
		t.Error("expected PreferencesChanged=true")
	}
	if d.LogLevelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_DefaultKeyIsHotReloadable(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.Gemini.APIKey = "k2"

	d := config.Diff(old, new)
	if !d.DefaultKeysChanged {
		t.Error("expected DefaultKeysChanged=true")
	}
	if slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("api key change should not require restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Providers.Gemini.Model = "other"
	new.Gateway.ProviderTimeout = time.Second
	new.Cache.MemoryMaxEntries = 10

	d := config.Diff(old, new)
	want := []string{"server", "providers", "gateway", "cache"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
