// Package googleapi decodes the error envelope shared by Google's REST APIs
// (Gemini and Cloud Text-to-Speech).
package googleapi

import (
	"encoding/json"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// envelope mirrors {"error": {...}} returned by Google APIs.
type envelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// authReasons are ErrorInfo reasons that mean the key itself is unusable.
var authReasons = map[string]bool{
	"API_KEY_INVALID":               true,
	"API_KEY_SERVICE_BLOCKED":       true,
	"API_KEY_HTTP_REFERRER_BLOCKED": true,
	"SERVICE_DISABLED":              true,
}

// ParseError implements [tts.ErrorParser] for Google error envelopes. The
// most specific ErrorInfo reason wins over the canonical status.
func ParseError(body []byte) (string, tts.Signal, string) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", tts.SignalNone, ""
	}
	e := env.Error
	for _, d := range e.Details {
		if authReasons[d.Reason] {
			return d.Reason, tts.SignalAuth, e.Message
		}
		if d.Reason == "RATE_LIMIT_EXCEEDED" {
			return d.Reason, tts.SignalQuota, e.Message
		}
	}
	switch e.Status {
	case "RESOURCE_EXHAUSTED":
		return e.Status, tts.SignalQuota, e.Message
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return e.Status, tts.SignalAuth, e.Message
	}
	return e.Status, tts.SignalNone, e.Message
}
