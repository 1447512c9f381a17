// Package gemini provides the low-latency TTS provider backed by Gemini's
// native speech generation (generateContent with the AUDIO modality).
//
// Gemini answers with a JSON envelope whose inlineData part carries base64
// headerless 16-bit PCM; the sample rate is taken from the part's MIME type.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/internal/googleapi"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultModel      = "gemini-2.5-flash-preview-tts"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Gemini Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root (useful for tests and proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the speech model (e.g., "gemini-2.5-pro-preview-tts").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
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

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements tts.Provider for Gemini.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Gemini Provider. Credentials are supplied per request.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Kind { return tts.KindGemini }

// ---- wire types ----

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Parts []part `json:"parts"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
	LanguageCode string `json:"languageCode,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Credential == "" {
		return tts.Audio{}, errors.New("gemini: credential must not be empty")
	}

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Text}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = req.Voice
	if req.Language != "" {
		body.GenerationConfig.SpeechConfig.LanguageCode = tts.Locale(req.Language)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.Credential)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("gemini: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, tts.ReadStatusError(tts.KindGemini, resp, googleapi.ParseError)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return tts.Audio{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	return extractAudio(gr)
}

// extractAudio returns the first inline audio part of the response.
func extractAudio(gr generateResponse) (tts.Audio, error) {
	for _, c := range gr.Candidates {
		for _, pt := range c.Content.Parts {
			if pt.InlineData == nil || pt.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
			if err != nil {
				return tts.Audio{}, fmt.Errorf("gemini: decode audio: %w", err)
			}
			return tts.Audio{
				Data:     raw,
				Encoding: pcm.EncodingPCM,
				Format:   audio.Format{SampleRate: sampleRate(pt.InlineData.MimeType), Channels: 1},
				MIME:     pt.InlineData.MimeType,
			}, nil
		}
	}
	return tts.Audio{}, errors.New("gemini: response contained no audio")
}

// sampleRate parses the rate parameter of an "audio/L16;rate=24000" MIME type.
func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return defaultSampleRate
	}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		return r
	}
	return defaultSampleRate
}

var _ tts.Provider = (*Provider)(nil)
