package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// NormalizeText trims text and collapses every run of whitespace to a single
// space, so requests differing only in spacing share a fingerprint.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint returns the content address of a synthesis request: the hex
// SHA-256 of the provider, voice, language and normalized text. It is used
// both as the cache key and as the coalescing key for in-flight requests.
func Fingerprint(kind tts.Kind, voice, language, text string) string {
	h := sha256.New()
	for _, field := range []string{kind.String(), voice, language, NormalizeText(text)} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
