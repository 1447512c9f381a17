// Package config defines the narrator configuration schema, loads it from
// YAML, validates it, and watches the file for hot-reloadable changes.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// LogLevel controls log verbosity for the narrator server.
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

// Level converts l to a [slog.Level]. Unknown values map to info.
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

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// DurableBackend names the durable cache tier implementation.
type DurableBackend string

const (
	DurableMemory   DurableBackend = "memory"
	DurableDisk     DurableBackend = "disk"
	DurablePostgres DurableBackend = "postgres"
	DurableNATS     DurableBackend = "nats"
)

// IsValid reports whether b is a recognised durable backend.
func (b DurableBackend) IsValid() bool {
	switch b {
	case DurableMemory, DurableDisk, DurablePostgres, DurableNATS:
		return true
	}
	return false
}

// RegistryBackend names the batch registry implementation.
type RegistryBackend string

const (
	RegistryMemory   RegistryBackend = "memory"
	RegistryFile     RegistryBackend = "file"
	RegistryPostgres RegistryBackend = "postgres"
)

// IsValid reports whether b is a recognised registry backend.
func (b RegistryBackend) IsValid() bool {
	switch b {
	case RegistryMemory, RegistryFile, RegistryPostgres:
		return true
	}
	return false
}

// NoSecondary disables failover when used as gateway.secondary.
const NoSecondary = "none"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
	TextGen   TextGenConfig   `yaml:"textgen"`
	Audio     AudioConfig     `yaml:"audio"`

	// CallerPreferences maps a caller ID to its own API keys, keyed by
	// provider name. This is the middle credential tier.
	CallerPreferences map[string]map[string]string `yaml:"caller_preferences"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the API listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS enables HTTPS on ListenAddr when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig holds one entry per synthesis backend. The set of backends
// is fixed, so each has its own field.
type ProvidersConfig struct {
	Gemini     ProviderEntry `yaml:"gemini"`
	CloudTTS   ProviderEntry `yaml:"cloudtts"`
	ElevenLabs ProviderEntry `yaml:"elevenlabs"`
	Local      ProviderEntry `yaml:"local"`
}

// Entry returns the entry configured for kind.
func (p ProvidersConfig) Entry(kind tts.Kind) ProviderEntry {
	switch kind {
	case tts.KindGemini:
		return p.Gemini
	case tts.KindCloudTTS:
		return p.CloudTTS
	case tts.KindElevenLabs:
		return p.ElevenLabs
	case tts.KindLocal:
		return p.Local
	}
	return ProviderEntry{}
}

// Keys returns the API keys set in the file, keyed by provider. Keys left
// blank are omitted so the environment tier can fill them.
func (p ProvidersConfig) Keys() map[tts.Kind]string {
	out := make(map[tts.Kind]string)
	for _, k := range tts.Kinds() {
		if key := p.Entry(k).APIKey; key != "" {
			out[k] = key
		}
	}
	return out
}

// ProviderEntry is the configuration for a single synthesis backend.
type ProviderEntry struct {
	// Disabled removes the backend from the gateway.
	Disabled bool `yaml:"disabled"`

	// APIKey is the process-wide default credential. When empty the
	// NARRATOR_<PROVIDER>_API_KEY environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a provider model, e.g. "gemini-2.5-flash-preview-tts".
	Model string `yaml:"model"`

	// Timeout bounds a single HTTP call. Zero means the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Streaming switches ElevenLabs to the websocket stream-input endpoint.
	Streaming bool `yaml:"streaming"`

	// Binary is the local engine executable. Only used by "local".
	Binary string `yaml:"binary"`

	// Options holds provider-specific settings such as "output_format" or
	// "speaking_rate".
	Options map[string]any `yaml:"options"`
}

// GatewayConfig tunes the synthesis gateway.
type GatewayConfig struct {
	// Primary is the provider used when a request names none. Default: gemini.
	Primary string `yaml:"primary"`

	// Secondary receives the single failover hop. "none" disables failover.
	// Default: cloudtts.
	Secondary string `yaml:"secondary"`

	// ProviderTimeout bounds each provider attempt. Default: 45s.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// FailoverDelay is waited before the failover hop.
	FailoverDelay time.Duration `yaml:"failover_delay"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PrimaryKind parses Primary. Call after [Config.Validate].
func (g GatewayConfig) PrimaryKind() tts.Kind {
	k, _ := tts.ParseKind(g.Primary)
	return k
}

// SecondaryKind parses Secondary. [tts.KindUnknown] means no failover.
func (g GatewayConfig) SecondaryKind() tts.Kind {
	if g.Secondary == NoSecondary {
		return tts.KindUnknown
	}
	k, _ := tts.ParseKind(g.Secondary)
	return k
}

// CircuitBreakerConfig enables per-provider circuit breakers.
type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CacheConfig selects and tunes the two cache tiers.
type CacheConfig struct {
	// MemoryMaxEntries caps the memory tier with LRU eviction. Zero means
	// unbounded.
	MemoryMaxEntries int `yaml:"memory_max_entries"`

	// Durable picks the durable tier. Default: memory.
	Durable DurableBackend `yaml:"durable"`

	// Dir is the root directory of the disk backend.
	Dir string `yaml:"dir"`

	// Compression is the zstd level name of the disk backend: fastest,
	// default, better or best.
	Compression string `yaml:"compression"`

	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// NATSURL is the server URL of the nats backend.
	NATSURL string `yaml:"nats_url"`

	// Bucket is the JetStream object store bucket. Default: narrator-audio.
	Bucket string `yaml:"bucket"`
}

// BatchConfig tunes the batch pipeline and picks its registry.
type BatchConfig struct {
	// Registry picks where unit progress is stored. Default: memory.
	Registry RegistryBackend `yaml:"registry"`

	// Path is the JSON lines file of the file registry.
	Path string `yaml:"path"`

	// PostgresDSN is used by the postgres registry. When empty,
	// cache.postgres_dsn is reused.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Attempts per sub-unit. Default: 3.
	Attempts int `yaml:"attempts"`

	// RetryDelay separates attempts. Default: 2s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// CourtesyDelay separates processed units. Default: 1.5s.
	CourtesyDelay time.Duration `yaml:"courtesy_delay"`

	// Provider and Voice are used for units that name neither.
	Provider string `yaml:"provider"`
	Voice    string `yaml:"voice"`
}

// TextGenConfig configures the language model that writes unit texts.
// An empty Name disables text generation.
type TextGenConfig struct {
	// Name is the backend: openai, anthropic, gemini, ollama, deepseek,
	// mistral, groq, llamacpp or llamafile.
	Name         string  `yaml:"name"`
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// AudioConfig is the device output format.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Preferences converts [Config.CallerPreferences] to provider kinds.
// Unknown provider names are skipped; [Config.Validate] reports them.
func (c *Config) Preferences() map[string]map[tts.Kind]string {
	out := make(map[string]map[tts.Kind]string, len(c.CallerPreferences))
	for caller, keys := range c.CallerPreferences {
		m := make(map[tts.Kind]string, len(keys))
		for name, key := range keys {
			k, err := tts.ParseKind(name)
			if err != nil {
				continue
			}
			m[k] = key
		}
		out[caller] = m
	}
	return out
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Gateway.Primary == "" {
		c.Gateway.Primary = tts.KindGemini.String()
	}
	if c.Gateway.Secondary == "" {
		c.Gateway.Secondary = tts.KindCloudTTS.String()
	}
	c.Gateway.Primary = strings.ToLower(c.Gateway.Primary)
	c.Gateway.Secondary = strings.ToLower(c.Gateway.Secondary)
	if c.Gateway.ProviderTimeout == 0 {
		c.Gateway.ProviderTimeout = 45 * time.Second
	}
	if c.Cache.Durable == "" {
		c.Cache.Durable = DurableMemory
	}
	if c.Cache.Bucket == "" {
		c.Cache.Bucket = "narrator-audio"
	}
	if c.Batch.Registry == "" {
		c.Batch.Registry = RegistryMemory
	}
	if c.Batch.PostgresDSN == "" {
		c.Batch.PostgresDSN = c.Cache.PostgresDSN
	}
	if c.Batch.Attempts == 0 {
		c.Batch.Attempts = 3
	}
	if c.Batch.RetryDelay == 0 {
		c.Batch.RetryDelay = 2 * time.Second
	}
	if c.Batch.CourtesyDelay == 0 {
		c.Batch.CourtesyDelay = 1500 * time.Millisecond
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 24000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
}

// String renders a one-line summary for startup logs. Secrets are omitted.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s primary=%s secondary=%s durable=%s registry=%s textgen=%q",
		c.Server.ListenAddr, c.Gateway.Primary, c.Gateway.Secondary,
		c.Cache.Durable, c.Batch.Registry, c.TextGen.Name)
}
