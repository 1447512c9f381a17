package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/pkg/provider/llm"
	llmmock "github.com/MrWong99/narrator/pkg/provider/llm/mock"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	ttsmock "github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  metrics_addr: ":9090"
  log_level: info
  log_format: json

providers:
  gemini:
    api_key: gm-test
    model: gemini-2.5-flash-preview-tts
    timeout: 20s
  cloudtts:
    api_key: ct-test
    options:
      speaking_rate: 1.1
  elevenlabs:
    streaming: true
    options:
      output_format: mp3_44100_128
  local:
    binary: /usr/bin/espeak-ng

gateway:
  primary: gemini
  secondary: cloudtts
  provider_timeout: 30s
  failover_delay: 250ms
  circuit_breaker:
    enabled: true
    max_failures: 4

cache:
  memory_max_entries: 512
  durable: disk
  dir: /var/cache/narrator
  compression: better

batch:
  registry: file
  path: /var/lib/narrator/units.jsonl
  attempts: 5
  provider: elevenlabs
  voice: Kore

textgen:
  name: openai
  model: gpt-4o-mini
  temperature: 0.7

caller_preferences:
  alice:
    elevenlabs: el-alice
`

// ── Loading ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("server addrs: got %q / %q", cfg.Server.ListenAddr, cfg.Server.MetricsAddr)
	}
	if cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server.log_format: got %q", cfg.Server.LogFormat)
	}
	if cfg.Providers.Gemini.Timeout != 20*time.Second {
		t.Errorf("providers.gemini.timeout: got %v", cfg.Providers.Gemini.Timeout)
	}
	if !cfg.Providers.ElevenLabs.Streaming {
		t.Error("providers.elevenlabs.streaming should be true")
	}
	if cfg.Gateway.PrimaryKind() != tts.KindGemini || cfg.Gateway.SecondaryKind() != tts.KindCloudTTS {
		t.Errorf("gateway kinds: %v / %v", cfg.Gateway.PrimaryKind(), cfg.Gateway.SecondaryKind())
	}
	if cfg.Gateway.FailoverDelay != 250*time.Millisecond {
		t.Errorf("gateway.failover_delay: got %v", cfg.Gateway.FailoverDelay)
	}
	if cfg.Cache.Durable != config.DurableDisk || cfg.Cache.MemoryMaxEntries != 512 {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if cfg.Batch.Attempts != 5 || cfg.Batch.Voice != "Kore" {
		t.Errorf("batch: got %+v", cfg.Batch)
	}

	keys := cfg.Providers.Keys()
	if keys[tts.KindGemini] != "gm-test" || keys[tts.KindCloudTTS] != "ct-test" {
		t.Errorf("Keys() = %v", keys)
	}
	if _, ok := keys[tts.KindElevenLabs]; ok {
		t.Error("blank api_key should be omitted from Keys()")
	}

	prefs := cfg.Preferences()
	if prefs["alice"][tts.KindElevenLabs] != "el-alice" {
		t.Errorf("Preferences() = %v", prefs)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("default log_level: got %q", cfg.Server.LogLevel)
		}
		if cfg.Gateway.PrimaryKind() != tts.KindGemini || cfg.Gateway.SecondaryKind() != tts.KindCloudTTS {
			t.Errorf("default gateway: %+v", cfg.Gateway)
		}
		if cfg.Gateway.ProviderTimeout != 45*time.Second {
			t.Errorf("default provider_timeout: got %v", cfg.Gateway.ProviderTimeout)
		}
		if cfg.Batch.Attempts != 3 || cfg.Batch.CourtesyDelay != 1500*time.Millisecond {
			t.Errorf("default batch: %+v", cfg.Batch)
		}
		if cfg.Audio.SampleRate != 24000 || cfg.Audio.Channels != 1 {
			t.Errorf("default audio: %+v", cfg.Audio)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/narrator.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSecondaryNoneDisablesFailover(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("gateway:\n  secondary: none\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Gateway.SecondaryKind(); got != tts.KindUnknown {
		t.Errorf("SecondaryKind() = %v, want unknown", got)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.in.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(tts.KindGemini, config.ProviderEntry{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownTextGen(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTextGen(config.TextGenConfig{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterTTS(tts.KindElevenLabs, func(e config.ProviderEntry) (tts.Provider, error) {
		got = e
		return &ttsmock.Provider{KindValue: tts.KindElevenLabs}, nil
	})

	p, err := reg.CreateTTS(tts.KindElevenLabs, config.ProviderEntry{Model: "eleven_flash_v2_5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind() != tts.KindElevenLabs {
		t.Errorf("Kind() = %v", p.Kind())
	}
	if got.Model != "eleven_flash_v2_5" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_CreateTTSAll(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, k := range []tts.Kind{tts.KindGemini, tts.KindCloudTTS, tts.KindLocal} {
		reg.RegisterTTS(k, func(config.ProviderEntry) (tts.Provider, error) {
			return &ttsmock.Provider{KindValue: k}, nil
		})
	}

	got, err := reg.CreateTTSAll(config.ProvidersConfig{Local: config.ProviderEntry{Disabled: true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[tts.KindGemini] == nil || got[tts.KindCloudTTS] == nil {
		t.Errorf("CreateTTSAll() = %v, want gemini and cloudtts", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	sentinel := errors.New("factory failed")
	reg.RegisterTTS(tts.KindGemini, func(config.ProviderEntry) (tts.Provider, error) {
		return nil, sentinel
	})
	reg.RegisterTextGen("openai", func(config.TextGenConfig) (llm.Provider, error) {
		return nil, sentinel
	})

	if _, err := reg.CreateTTS(tts.KindGemini, config.ProviderEntry{}); !errors.Is(err, sentinel) {
		t.Errorf("CreateTTS error = %v, want sentinel", err)
	}
	if _, err := reg.CreateTTSAll(config.ProvidersConfig{}); !errors.Is(err, sentinel) {
		t.Errorf("CreateTTSAll error = %v, want sentinel", err)
	}
	if _, err := reg.CreateTextGen(config.TextGenConfig{Name: "openai"}); !errors.Is(err, sentinel) {
		t.Errorf("CreateTextGen error = %v, want sentinel", err)
	}
}

func TestRegistry_RegisteredTextGen(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	reg.RegisterTextGen("ollama", func(c config.TextGenConfig) (llm.Provider, error) {
		if c.Model != "llama3" {
			t.Errorf("factory received %+v", c)
		}
		return want, nil
	})
	got, err := reg.CreateTextGen(config.TextGenConfig{Name: "ollama", Model: "llama3"})
	if err != nil || got != want {
		t.Fatalf("CreateTextGen() = (%v, %v)", got, err)
	}
}
