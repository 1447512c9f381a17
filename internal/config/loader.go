package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// TextGenNames lists the text-generation backends known to the builtin
// registry. Used by [Config.Validate] to warn about unrecognised names.
var TextGenNames = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that c contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func (c *Config) Validate() error {
	var errs []error

	// Server
	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", c.Server.LogLevel))
	}
	if c.Server.LogFormat != "" && !c.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", c.Server.LogFormat))
	}
	if tls := c.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Gateway
	primary, err := tts.ParseKind(c.Gateway.Primary)
	if err != nil {
		errs = append(errs, fmt.Errorf("gateway.primary: %w", err))
	} else if c.Providers.Entry(primary).Disabled {
		errs = append(errs, fmt.Errorf("gateway.primary %q is disabled in providers", c.Gateway.Primary))
	}
	if c.Gateway.Secondary != NoSecondary {
		secondary, err := tts.ParseKind(c.Gateway.Secondary)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("gateway.secondary: %w", err))
		case secondary == primary:
			errs = append(errs, fmt.Errorf("gateway.secondary %q must differ from gateway.primary", c.Gateway.Secondary))
		case c.Providers.Entry(secondary).Disabled:
			errs = append(errs, fmt.Errorf("gateway.secondary %q is disabled in providers", c.Gateway.Secondary))
		}
	}
	if c.Gateway.ProviderTimeout < 0 || c.Gateway.FailoverDelay < 0 {
		errs = append(errs, errors.New("gateway durations must not be negative"))
	}
	if cb := c.Gateway.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("gateway.circuit_breaker values must not be negative"))
	}

	// Cache
	if c.Cache.MemoryMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.memory_max_entries %d must not be negative", c.Cache.MemoryMaxEntries))
	}
	switch c.Cache.Durable {
	case DurableDisk:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required when cache.durable is disk"))
		}
	case DurablePostgres:
		if c.Cache.PostgresDSN == "" {
			errs = append(errs, errors.New("cache.postgres_dsn is required when cache.durable is postgres"))
		}
	case DurableNATS:
		if c.Cache.NATSURL == "" {
			errs = append(errs, errors.New("cache.nats_url is required when cache.durable is nats"))
		}
	case DurableMemory, "":
	default:
		errs = append(errs, fmt.Errorf("cache.durable %q is invalid; valid values: memory, disk, postgres, nats", c.Cache.Durable))
	}
	if c.Cache.Compression != "" {
		if ok, _ := zstd.EncoderLevelFromString(c.Cache.Compression); !ok {
			errs = append(errs, fmt.Errorf("cache.compression %q is invalid; valid values: fastest, default, better, best", c.Cache.Compression))
		}
	}

	// Batch
	switch c.Batch.Registry {
	case RegistryFile:
		if c.Batch.Path == "" {
			errs = append(errs, errors.New("batch.path is required when batch.registry is file"))
		}
	case RegistryPostgres:
		if c.Batch.PostgresDSN == "" {
			errs = append(errs, errors.New("batch.postgres_dsn (or cache.postgres_dsn) is required when batch.registry is postgres"))
		}
	case RegistryMemory, "":
	default:
		errs = append(errs, fmt.Errorf("batch.registry %q is invalid; valid values: memory, file, postgres", c.Batch.Registry))
	}
	if c.Batch.Attempts < 0 {
		errs = append(errs, fmt.Errorf("batch.attempts %d must not be negative", c.Batch.Attempts))
	}
	if c.Batch.Provider != "" {
		if _, err := tts.ParseKind(c.Batch.Provider); err != nil {
			errs = append(errs, fmt.Errorf("batch.provider: %w", err))
		}
	}

	// Text generation
	if name := c.TextGen.Name; name != "" && !slices.Contains(TextGenNames, name) {
		slog.Warn("unknown textgen backend; it must be registered before startup",
			"name", name,
			"known", TextGenNames,
		)
	}
	if c.TextGen.Temperature < 0 || c.TextGen.Temperature > 2 {
		errs = append(errs, fmt.Errorf("textgen.temperature %.2f is out of range [0, 2]", c.TextGen.Temperature))
	}

	// Audio
	if c.Audio.SampleRate < 0 || c.Audio.Channels < 0 || c.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio: sample_rate %d / channels %d is not a supported output format", c.Audio.SampleRate, c.Audio.Channels))
	}

	// Caller preferences
	for caller, keys := range c.CallerPreferences {
		if caller == "" {
			errs = append(errs, errors.New("caller_preferences: caller id must not be empty"))
		}
		for name := range keys {
			k, err := tts.ParseKind(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("caller_preferences[%s]: %w", caller, err))
				continue
			}
			if !k.Remote() {
				errs = append(errs, fmt.Errorf("caller_preferences[%s]: provider %q takes no credential", caller, name))
			}
		}
	}

	return errors.Join(errs...)
}
