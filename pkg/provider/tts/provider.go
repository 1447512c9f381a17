// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Gemini, Google Cloud
// TTS, ElevenLabs, or the local espeak-ng engine) and presents a uniform
// request/response interface. The set of backends is closed: every provider
// is identified by a [Kind], and callers dispatch on the Provider value rather
// than on provider names.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
)

// Kind identifies one of the supported synthesis backends.
type Kind int

const (
	// KindUnknown is the zero value and never names a usable backend.
	KindUnknown Kind = iota

	// KindGemini is the low-latency primary engine (Gemini native TTS).
	KindGemini

	// KindCloudTTS is Google Cloud Text-to-Speech, the usual secondary engine.
	KindCloudTTS

	// KindElevenLabs is the ElevenLabs REST / stream-input API.
	KindElevenLabs

	// KindLocal is the on-host espeak-ng engine. It needs no credential and
	// never reports errors.
	KindLocal
)

var kindNames = map[Kind]string{
	KindGemini:     "gemini",
	KindCloudTTS:   "cloudtts",
	KindElevenLabs: "elevenlabs",
	KindLocal:      "local",
}

// Kinds returns every usable provider kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindGemini, KindCloudTTS, KindElevenLabs, KindLocal}
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Remote reports whether the backend is reached over the network and
// therefore needs a credential.
func (k Kind) Remote() bool {
	return k == KindGemini || k == KindCloudTTS || k == KindElevenLabs
}

// Valid reports whether k names a supported backend.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind converts a configuration name to a Kind. Matching is
// case-insensitive. Unknown names yield [ErrUnsupportedProvider].
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProvider, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Request is a single synthesis call as seen by a backend.
type Request struct {
	// Text is the normalised text to speak. Never empty.
	Text string

	// Voice is the concrete, provider-specific voice identifier produced by
	// [VoiceFor].
	Voice string

	// Language is a BCP-47 tag or bare language code (e.g., "en", "de-DE").
	Language string

	// Credential is the resolved API key. Empty for [KindLocal].
	Credential string
}

// Audio is the payload returned by a backend.
type Audio struct {
	// Data holds the bytes exactly as the backend produced them. A nil Data
	// with a nil error means "no audio produced".
	Data []byte

	// Encoding tells the decoder how to interpret Data.
	Encoding pcm.Encoding

	// Format is the sample layout for PCM payloads. A zero value means the
	// decoder default.
	Format audio.Format

	// MIME is the payload content type, e.g. "audio/mpeg" or "audio/L16".
	MIME string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., a batch job and a live narration at once).
type Provider interface {
	// Kind reports which backend this is.
	Kind() Kind

	// Synthesize converts req.Text into audio. HTTP-level failures are
	// reported as *[StatusError] so callers can classify them; transport
	// failures are returned wrapped. Implementations must honour ctx.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
