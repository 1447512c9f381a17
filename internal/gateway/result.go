package gateway

import (
	"errors"

	"github.com/MrWong99/narrator/internal/credentials"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ErrorKind classifies the outcome of a synthesis request.
type ErrorKind int

const (
	// KindNone means success (or, for the local engine, silent no-audio).
	KindNone ErrorKind = iota

	// KindAuth means the credential was missing or rejected. Terminal:
	// never retried, never failed over.
	KindAuth

	// KindRateLimited means the backend refused for rate or quota reasons.
	// On the primary provider it triggers exactly one failover hop.
	KindRateLimited

	// KindUnknown covers network failures, undecodable payloads and any
	// other error. Terminal for the call.
	KindUnknown

	// KindUnsupported means the requested provider is unknown or not
	// configured.
	KindUnsupported
)

// String returns the snake_case name used in logs, metrics and the HTTP API.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindUnsupported:
		return "unsupported_provider"
	default:
		return "unknown"
	}
}

// Source says where a successful result came from.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDurable
	SourceProvider
	SourceCoalesced
)

// String returns the lowercase source name.
func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDurable:
		return "durable"
	case SourceProvider:
		return "provider"
	case SourceCoalesced:
		return "coalesced"
	default:
		return "none"
	}
}

// Request is a synthesis request. Text is normalized before use.
type Request struct {
	Text     string
	Voice    string
	Language string
	Provider tts.Kind

	// KeyOverride is an explicit per-call credential for Provider.
	KeyOverride string

	// CallerID selects the caller's stored credential preference.
	CallerID string
}

// Result is the outcome of [Gateway.Synthesize]. It is always returned as a
// value; Kind and Err describe failures.
type Result struct {
	// Audio is the decoded buffer, nil on failure or when the local engine
	// produced nothing.
	Audio *audio.Buffer

	// Raw is the provider payload exactly as received (or as cached).
	Raw      []byte
	Encoding pcm.Encoding

	// Format is the sample layout of Raw when it is headerless PCM.
	Format audio.Format
	MIME   string

	Kind ErrorKind

	// Provider is the backend that produced the audio, or the one that
	// failed last.
	Provider tts.Kind

	Source      Source
	Fingerprint string

	// Err is the underlying error for logging. Nil when Kind is KindNone.
	Err error
}

// OK reports whether the result carries playable audio.
func (r Result) OK() bool {
	return r.Kind == KindNone && r.Audio != nil
}

// Classify maps an error from a provider or a collaborator to an ErrorKind.
// An explicit machine-readable signal takes precedence over the HTTP status,
// because some backends report quota exhaustion with a 401.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, tts.ErrUnsupportedProvider) {
		return KindUnsupported
	}
	if errors.Is(err, credentials.ErrNoCredential) {
		return KindAuth
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	var se *tts.StatusError
	if errors.As(err, &se) {
		switch se.Signal {
		case tts.SignalQuota:
			return KindRateLimited
		case tts.SignalAuth:
			return KindAuth
		}
		switch se.StatusCode {
		case 400, 401, 403:
			return KindAuth
		case 429:
			return KindRateLimited
		}
	}
	return KindUnknown
}

// kindError carries an already classified failure through the retry
// combinator.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return e.kind.String()
	}
	return e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }
