package googleapi

import (
	"testing"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

func TestParseError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantSig  tts.Signal
	}{
		{
			name:     "invalid key reason beats INVALID_ARGUMENT",
			body:     `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_INVALID"}]}}`,
			wantCode: "API_KEY_INVALID",
			wantSig:  tts.SignalAuth,
		},
		{
			name:     "quota",
			body:     `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
			wantCode: "RESOURCE_EXHAUSTED",
			wantSig:  tts.SignalQuota,
		},
		{
			name:     "permission denied",
			body:     `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`,
			wantCode: "PERMISSION_DENIED",
			wantSig:  tts.SignalAuth,
		},
		{
			name:     "internal",
			body:     `{"error":{"code":500,"status":"INTERNAL"}}`,
			wantCode: "INTERNAL",
			wantSig:  tts.SignalNone,
		},
		{
			name:    "not json",
			body:    `<html>bad gateway</html>`,
			wantSig: tts.SignalNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, sig, _ := ParseError([]byte(tt.body))
			if code != tt.wantCode || sig != tt.wantSig {
				t.Errorf("ParseError = (%q, %s), want (%q, %s)", code, sig, tt.wantCode, tt.wantSig)
			}
		})
	}
}
