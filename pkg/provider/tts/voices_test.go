package tts_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

func TestVoiceFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		kind     tts.Kind
		persona  string
		language string
		want     string
	}{
		{"gemini persona", tts.KindGemini, "zephyr", "en", "Zephyr"},
		{"gemini default", tts.KindGemini, "", "de", "Zephyr"},
		{"gemini passthrough", tts.KindGemini, "Custom", "en", "Custom"},
		{"cloudtts bare language", tts.KindCloudTTS, "Kore", "de", "de-DE-Chirp3-HD-Kore"},
		{"cloudtts regional tag", tts.KindCloudTTS, "Puck", "en_gb", "en-GB-Chirp3-HD-Puck"},
		{"cloudtts unknown language", tts.KindCloudTTS, "Puck", "xx", "en-US-Chirp3-HD-Puck"},
		{"cloudtts passthrough", tts.KindCloudTTS, "en-US-Neural2-A", "en", "en-US-Neural2-A"},
		{"elevenlabs persona", tts.KindElevenLabs, "Charon", "fr", "pNInz6obpgDQGcFmaJgB"},
		{"elevenlabs passthrough", tts.KindElevenLabs, "abc123", "fr", "abc123"},
		{"local female", tts.KindLocal, "Aoede", "de-DE", "de+f3"},
		{"local male", tts.KindLocal, "Orus", "fr", "fr+m3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tts.VoiceFor(tt.kind, tt.persona, tt.language); got != tt.want {
				t.Errorf("VoiceFor(%s, %q, %q) = %q, want %q", tt.kind, tt.persona, tt.language, got, tt.want)
			}
		})
	}
}

func TestVoiceFor_Deterministic(t *testing.T) {
	t.Parallel()
	for _, k := range tts.Kinds() {
		a := tts.VoiceFor(k, "Leda", "it")
		b := tts.VoiceFor(k, "Leda", "it")
		if a != b {
			t.Errorf("%s: lookup not deterministic: %q vs %q", k, a, b)
		}
	}
}

func TestBaseLanguage(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":      "en",
		"de":    "de",
		"DE-at": "de",
		"pt_BR": "pt",
	}
	for in, want := range tests {
		if got := tts.BaseLanguage(in); got != want {
			t.Errorf("BaseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for _, k := range tts.Kinds() {
		got, err := tts.ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if got, err := tts.ParseKind(" Gemini "); err != nil || got != tts.KindGemini {
		t.Errorf("ParseKind should be case-insensitive, got %v, %v", got, err)
	}
	if _, err := tts.ParseKind("polly"); !errors.Is(err, tts.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestKind_TextRoundTrip(t *testing.T) {
	t.Parallel()
	var k tts.Kind
	if err := k.UnmarshalText([]byte("elevenlabs")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if k != tts.KindElevenLabs {
		t.Fatalf("got %v, want elevenlabs", k)
	}
	if _, err := tts.KindUnknown.MarshalText(); err == nil {
		t.Error("expected error marshalling KindUnknown")
	}
}

func TestKind_Remote(t *testing.T) {
	t.Parallel()
	if tts.KindLocal.Remote() {
		t.Error("local engine must not require a credential")
	}
	for _, k := range []tts.Kind{tts.KindGemini, tts.KindCloudTTS, tts.KindElevenLabs} {
		if !k.Remote() {
			t.Errorf("%s should be remote", k)
		}
	}
}
