package app

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/pkg/provider/llm"
	"github.com/MrWong99/narrator/pkg/provider/llm/anyllm"
	"github.com/MrWong99/narrator/pkg/provider/llm/openai"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/cloudtts"
	"github.com/MrWong99/narrator/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/narrator/pkg/provider/tts/gemini"
	"github.com/MrWong99/narrator/pkg/provider/tts/local"
)

// RegisterBuiltins wires every synthesis backend and text-generation backend
// that ships with narrator into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Synthesis ────────────────────────────────────────────────────────────

	reg.RegisterTTS(tts.KindGemini, func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.Timeout > 0 {
			opts = append(opts, gemini.WithTimeout(e.Timeout))
		}
		return gemini.New(opts...), nil
	})

	reg.RegisterTTS(tts.KindCloudTTS, func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []cloudtts.Option
		if e.BaseURL != "" {
			opts = append(opts, cloudtts.WithBaseURL(e.BaseURL))
		}
		if e.Timeout > 0 {
			opts = append(opts, cloudtts.WithTimeout(e.Timeout))
		}
		if rate, ok := optFloat(e.Options, "speaking_rate"); ok {
			opts = append(opts, cloudtts.WithSpeakingRate(rate))
		}
		if hz, ok := optFloat(e.Options, "sample_rate"); ok {
			opts = append(opts, cloudtts.WithSampleRate(int(hz)))
		}
		return cloudtts.New(opts...), nil
	})

	reg.RegisterTTS(tts.KindElevenLabs, func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithStreaming(e.Streaming)}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.Timeout > 0 {
			opts = append(opts, elevenlabs.WithTimeout(e.Timeout))
		}
		if f := optString(e.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(opts...), nil
	})

	reg.RegisterTTS(tts.KindLocal, func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []local.Option
		if e.Binary != "" {
			opts = append(opts, local.WithBinary(e.Binary))
		}
		if wpm, ok := optFloat(e.Options, "words_per_minute"); ok {
			opts = append(opts, local.WithWordsPerMinute(int(wpm)))
		}
		return local.New(opts...), nil
	})

	// ── Text generation ──────────────────────────────────────────────────────

	reg.RegisterTextGen("openai", func(c config.TextGenConfig) (llm.Provider, error) {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(c.APIKey, c.Model, opts...)
	})

	textgen := []string{"openai"}
	for _, name := range anyllm.Backends() {
		// The native client serves "openai".
		if name == "openai" {
			continue
		}
		textgen = append(textgen, name)
		reg.RegisterTextGen(name, func(c config.TextGenConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			p, err := anyllm.New(name, c.Model, opts...)
			if err != nil {
				return nil, fmt.Errorf("textgen %s: %w", name, err)
			}
			return p, nil
		})
	}

	slog.Debug("registered builtin providers", "tts", tts.Kinds(), "textgen", textgen)
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML
// decodes whole numbers as int and fractions as float64.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
