package tts

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnsupportedProvider is returned for provider kinds that are unknown or
// not configured.
var ErrUnsupportedProvider = errors.New("tts: unsupported provider")

// maxErrorBody caps how much of an error response body is read.
const maxErrorBody = 64 << 10

// Signal is a provider-independent interpretation of a machine-readable
// error code.
type Signal int

const (
	// SignalNone means the error body carried no recognised code.
	SignalNone Signal = iota

	// SignalAuth means the backend rejected the credential.
	SignalAuth

	// SignalQuota means the backend refused for rate or quota reasons.
	SignalQuota
)

// String returns a short label for the signal.
func (s Signal) String() string {
	switch s {
	case SignalAuth:
		return "auth"
	case SignalQuota:
		return "quota"
	default:
		return "none"
	}
}

// StatusError is returned by providers when the backend answered with an
// error status.
type StatusError struct {
	Provider   Kind
	StatusCode int

	// Code is the backend's raw machine-readable error code, if any.
	Code string

	// Signal is Code mapped to a provider-independent meaning.
	Signal Signal

	Message string
}

// Error implements error.
func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: status %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ErrorParser extracts (code, signal, message) from an error response body.
type ErrorParser func(body []byte) (code string, sig Signal, msg string)

// ReadStatusError drains resp.Body and builds a *StatusError for a non-2xx
// response, using parse to interpret provider-specific error payloads.
func ReadStatusError(kind Kind, resp *http.Response, parse ErrorParser) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Provider: kind, StatusCode: resp.StatusCode}
	if parse != nil {
		se.Code, se.Signal, se.Message = parse(body)
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(body))
		if len(se.Message) > 200 {
			se.Message = se.Message[:200]
		}
	}
	return se
}
