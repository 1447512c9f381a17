// Package elevenlabs provides an ElevenLabs-backed TTS provider. It implements
// the tts.Provider interface using either the REST endpoint, which returns a
// raw binary MP3 body, or the streaming WebSocket API, which delivers
// base64-encoded audio chunks.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
	defaultTimeout   = 30 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API root. The WebSocket endpoint is derived from
// it by swapping the scheme.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithStreaming switches synthesis to the stream-input WebSocket API.
func WithStreaming(enabled bool) Option {
	return func(p *Provider) {
		p.streaming = enabled
	}
}

// WithTimeout sets the HTTP client timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	baseURL      string
	model        string
	outputFormat string
	streaming    bool
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. Credentials are supplied per request.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Kind { return tts.KindElevenLabs }

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Credential == "" {
		return tts.Audio{}, errors.New("elevenlabs: credential must not be empty")
	}
	if req.Voice == "" {
		return tts.Audio{}, errors.New("elevenlabs: voice must not be empty")
	}

	var (
		data []byte
		err  error
	)
	if p.streaming {
		data, err = p.synthesizeStream(ctx, req)
	} else {
		data, err = p.synthesizeREST(ctx, req)
	}
	if err != nil {
		return tts.Audio{}, err
	}

	enc, format, mimeType := describeFormat(p.outputFormat)
	return tts.Audio{Data: data, Encoding: enc, Format: format, MIME: mimeType}, nil
}

// ---- REST ----

// restRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type restRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

func (p *Provider) synthesizeREST(ctx context.Context, req tts.Request) ([]byte, error) {
	body, err := json.Marshal(restRequest{
		Text:          req.Text,
		ModelID:       p.model,
		LanguageCode:  languageCode(req.Language),
		VoiceSettings: defaultVoiceSettings(),
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.baseURL, url.PathEscape(req.Voice), url.QueryEscape(p.outputFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", req.Credential)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tts.ReadStatusError(tts.KindElevenLabs, resp, parseError)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if buf.Len() == 0 {
		return nil, errors.New("elevenlabs: response contained no audio")
	}
	return buf.Bytes(), nil
}

// errorBody mirrors {"detail": {"status": "...", "message": "..."}}.
// Validation errors use a list for detail; those carry no signal.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// parseError implements tts.ErrorParser for ElevenLabs error bodies.
func parseError(body []byte) (string, tts.Signal, string) {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return "", tts.SignalNone, ""
	}
	var d errorDetail
	if err := json.Unmarshal(eb.Detail, &d); err != nil {
		return "", tts.SignalNone, ""
	}
	return d.Status, signalFor(d.Status), d.Message
}

// signalFor maps ElevenLabs status codes to provider-independent signals.
func signalFor(status string) tts.Signal {
	switch status {
	case "quota_exceeded", "too_many_concurrent_requests", "system_busy", "rate_limit_exceeded":
		return tts.SignalQuota
	case "invalid_api_key", "missing_api_key", "unauthorized", "voice_not_permitted":
		return tts.SignalAuth
	default:
		return tts.SignalNone
	}
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func defaultVoiceSettings() *voiceSettings {
	return &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// synthesizeStream opens a stream-input WebSocket, sends the whole text
// followed by the end-of-stream marker, and concatenates the audio chunks
// until the server reports isFinal.
func (p *Provider) synthesizeStream(ctx context.Context, req tts.Request) ([]byte, error) {
	wsURL := p.buildURLForVoice(req.Voice, req.Language)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The BOI message authenticates and configures the stream. ElevenLabs
	// requires a non-empty first text value.
	msgs := []any{
		boiMessage{Text: " ", VoiceSettings: defaultVoiceSettings(), XiAPIKey: req.Credential},
		textMessage{Text: req.Text + " ", Flush: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var out bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && out.Len() > 0 {
				return out.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, &tts.StatusError{
				Provider: tts.KindElevenLabs,
				Code:     resp.Error,
				Signal:   signalFor(resp.Error),
				Message:  resp.Message,
			}
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			out.Write(chunk)
		}
		if resp.IsFinal {
			if out.Len() == 0 {
				return nil, errors.New("elevenlabs: stream ended without audio")
			}
			return out.Bytes(), nil
		}
	}
}

// ---- helpers ----

// buildURLForVoice constructs the WebSocket URL for a given voice.
func (p *Provider) buildURLForVoice(voiceID, language string) string {
	base := p.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lc := languageCode(language); lc != "" {
		q.Set("language_code", lc)
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", base, url.PathEscape(voiceID), q.Encode())
}

// languageCode returns the ISO-639-1 code ElevenLabs expects, or "" to let
// the model detect the language.
func languageCode(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return ""
	}
	return tts.BaseLanguage(lang)
}

// describeFormat derives the decoder hint from an output_format value such
// as "pcm_24000" or "mp3_44100_128".
func describeFormat(outputFormat string) (pcm.Encoding, audio.Format, string) {
	if rest, ok := strings.CutPrefix(outputFormat, "pcm_"); ok {
		rate, err := strconv.Atoi(rest)
		if err != nil || rate <= 0 {
			rate = pcm.DefaultSampleRate
		}
		return pcm.EncodingPCM, audio.Format{SampleRate: rate, Channels: 1}, "audio/L16"
	}
	return pcm.EncodingContainer, audio.Format{}, "audio/mpeg"
}

var _ tts.Provider = (*Provider)(nil)
