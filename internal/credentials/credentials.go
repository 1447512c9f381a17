// Package credentials resolves the API key used for a synthesis call.
//
// Three tiers are tried in order and the first non-empty value wins:
//
//  1. an explicit per-call override,
//  2. the calling principal's stored preference ([PreferenceStore]),
//  3. the process-wide default for the provider.
//
// Process-wide defaults come from the config file and, where the file leaves
// a provider's key blank, from NARRATOR_*_API_KEY environment variables
// (see [Env]).
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ErrNoCredential is returned when no tier yields a key.
var ErrNoCredential = errors.New("credentials: no api key configured")

// Source identifies the tier a credential came from.
type Source int

const (
	// SourceNone means nothing resolved.
	SourceNone Source = iota
	// SourceOverride is the per-call key.
	SourceOverride
	// SourcePreference is the caller's stored key.
	SourcePreference
	// SourceDefault is the process-wide key.
	SourceDefault
)

// String returns the lowercase tier name.
func (s Source) String() string {
	switch s {
	case SourceOverride:
		return "override"
	case SourcePreference:
		return "preference"
	case SourceDefault:
		return "default"
	default:
		return "none"
	}
}

// PreferenceStore looks up a caller's own key for a provider. An empty string
// with a nil error means the caller has no preference.
type PreferenceStore interface {
	Credential(ctx context.Context, callerID string, kind tts.Kind) (string, error)
}

// Env holds the process-default keys read from the environment.
type Env struct {
	Gemini     string `env:"NARRATOR_GEMINI_API_KEY"`
	CloudTTS   string `env:"NARRATOR_CLOUDTTS_API_KEY"`
	ElevenLabs string `env:"NARRATOR_ELEVENLABS_API_KEY"`
	TextGen    string `env:"NARRATOR_TEXTGEN_API_KEY"`
}

// LoadEnv parses [Env] from the process environment.
func LoadEnv() (Env, error) {
	return env.ParseAs[Env]()
}

// Defaults returns the per-provider default keys. Non-empty entries in
// configured take precedence over the environment.
func (e Env) Defaults(configured map[tts.Kind]string) map[tts.Kind]string {
	out := map[tts.Kind]string{
		tts.KindGemini:     e.Gemini,
		tts.KindCloudTTS:   e.CloudTTS,
		tts.KindElevenLabs: e.ElevenLabs,
	}
	for k, v := range configured {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	return out
}

// Resolver applies the three-tier lookup. It is safe for concurrent use.
type Resolver struct {
	prefs PreferenceStore

	mu       sync.RWMutex
	defaults map[tts.Kind]string
}

// NewResolver creates a Resolver. prefs may be nil.
func NewResolver(defaults map[tts.Kind]string, prefs PreferenceStore) *Resolver {
	r := &Resolver{prefs: prefs}
	r.SetDefaults(defaults)
	return r
}

// SetDefaults replaces the process-wide tier.
func (r *Resolver) SetDefaults(defaults map[tts.Kind]string) {
	cp := make(map[tts.Kind]string, len(defaults))
	for k, v := range defaults {
		cp[k] = v
	}
	r.mu.Lock()
	r.defaults = cp
	r.mu.Unlock()
}

// Resolve returns the first non-empty key for kind. A preference store
// failure is logged and treated as "no preference" so a flaky store never
// blocks callers that have a default.
func (r *Resolver) Resolve(ctx context.Context, kind tts.Kind, override, callerID string) (string, Source, error) {
	if override != "" {
		return override, SourceOverride, nil
	}
	if r.prefs != nil && callerID != "" {
		key, err := r.prefs.Credential(ctx, callerID, kind)
		if err != nil {
			slog.Warn("credentials: preference lookup failed", "caller", callerID, "provider", kind, "err", err)
		} else if key != "" {
			return key, SourcePreference, nil
		}
	}
	r.mu.RLock()
	key := r.defaults[kind]
	r.mu.RUnlock()
	if key != "" {
		return key, SourceDefault, nil
	}
	return "", SourceNone, ErrNoCredential
}

// MapPreferences is an in-memory [PreferenceStore] keyed by caller and
// provider. The config file's caller_preferences section is loaded into one.
type MapPreferences struct {
	mu sync.RWMutex
	m  map[string]map[tts.Kind]string
}

// NewMapPreferences returns a store seeded with m.
func NewMapPreferences(m map[string]map[tts.Kind]string) *MapPreferences {
	p := &MapPreferences{}
	p.Replace(m)
	return p
}

// Credential implements [PreferenceStore].
func (p *MapPreferences) Credential(_ context.Context, callerID string, kind tts.Kind) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.m[callerID][kind], nil
}

// Set stores one caller's key. An empty key removes it.
func (p *MapPreferences) Set(callerID string, kind tts.Kind, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "" {
		delete(p.m[callerID], kind)
		return
	}
	if p.m[callerID] == nil {
		p.m[callerID] = make(map[tts.Kind]string)
	}
	p.m[callerID][kind] = key
}

// Replace swaps the whole table, as done on config reload.
func (p *MapPreferences) Replace(m map[string]map[tts.Kind]string) {
	cp := make(map[string]map[tts.Kind]string, len(m))
	for caller, keys := range m {
		inner := make(map[tts.Kind]string, len(keys))
		for k, v := range keys {
			inner[k] = v
		}
		cp[caller] = inner
	}
	p.mu.Lock()
	p.m = cp
	p.mu.Unlock()
}
