package tts

import "strings"

// DefaultPersona is used when a request names no voice.
const DefaultPersona = "Zephyr"

// persona describes a logical narrator voice independent of any backend.
type persona struct {
	female bool
	// elevenLabsID is the premade ElevenLabs voice with the closest timbre.
	elevenLabsID string
}

// personas maps logical voice names to their per-backend traits. The names
// are the Gemini prebuilt voices, which double as Cloud TTS Chirp3-HD names.
var personas = map[string]persona{
	"zephyr": {female: true, elevenLabsID: "21m00Tcm4TlvDq8ikWAM"},
	"puck":   {female: false, elevenLabsID: "ErXwobaYiN019PkySvjV"},
	"kore":   {female: true, elevenLabsID: "EXAVITQu4vr4xnSDxMaL"},
	"charon": {female: false, elevenLabsID: "pNInz6obpgDQGcFmaJgB"},
	"fenrir": {female: false, elevenLabsID: "VR6AewLTigWG4xSOukaG"},
	"aoede":  {female: true, elevenLabsID: "MF3mGyEYCl7XYWbV9V6O"},
	"leda":   {female: true, elevenLabsID: "AZnzlk1XvdvUeBnXmlld"},
	"orus":   {female: false, elevenLabsID: "TxGEqnHWrfWFTfGW9XjX"},
}

// regionalLocales maps ISO-639-1 codes to the locale used by backends that
// require a region.
var regionalLocales = map[string]string{
	"en": "en-US",
	"de": "de-DE",
	"fr": "fr-FR",
	"es": "es-ES",
	"it": "it-IT",
	"pt": "pt-BR",
	"nl": "nl-NL",
	"pl": "pl-PL",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"hi": "hi-IN",
}

// BaseLanguage reduces a tag such as "de-DE" or "EN_us" to its lowercase
// primary subtag. An empty tag yields "en".
func BaseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return "en"
	}
	return tag
}

// Locale returns a region-qualified locale for tag. Tags that already carry
// a region are normalised to the "ll-RR" form; bare codes use the table above,
// falling back to en-US.
func Locale(tag string) string {
	tag = strings.TrimSpace(strings.ReplaceAll(tag, "_", "-"))
	if i := strings.IndexByte(tag, '-'); i > 0 && i < len(tag)-1 {
		return strings.ToLower(tag[:i]) + "-" + strings.ToUpper(tag[i+1:])
	}
	if l, ok := regionalLocales[BaseLanguage(tag)]; ok {
		return l
	}
	return "en-US"
}

// VoiceFor maps a logical persona to the concrete voice identifier that kind
// expects for language. It is a pure function: no I/O, no state.
//
// Unknown personas are passed through unchanged so callers can address a
// backend voice directly (e.g., a cloned ElevenLabs voice ID).
func VoiceFor(kind Kind, name, language string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultPersona
	}
	p, known := personas[strings.ToLower(name)]
	canonical := canonicalName(name)

	switch kind {
	case KindGemini:
		if known {
			return canonical
		}
		return name
	case KindCloudTTS:
		if !known {
			return name
		}
		return Locale(language) + "-Chirp3-HD-" + canonical
	case KindElevenLabs:
		if known {
			return p.elevenLabsID
		}
		return name
	case KindLocal:
		variant := "+m3"
		if !known || p.female {
			variant = "+f3"
		}
		return BaseLanguage(language) + variant
	default:
		return name
	}
}

// canonicalName capitalises a persona name ("zephyr" → "Zephyr").
func canonicalName(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
