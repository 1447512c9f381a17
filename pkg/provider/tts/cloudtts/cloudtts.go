// Package cloudtts provides a TTS provider backed by the Google Cloud
// Text-to-Speech REST API (v1 text:synthesize).
//
// Audio is requested as LINEAR16, which Cloud TTS returns as a base64 WAV
// file: a 44-byte RIFF header followed by 16-bit mono PCM.
package cloudtts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/internal/googleapi"
)

const (
	defaultBaseURL    = "https://texttospeech.googleapis.com"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Cloud TTS Provider.
type Option func(*Provider)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithSampleRate sets the requested LINEAR16 sample rate. Default is 24000 Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithSpeakingRate sets the speaking rate in [0.25, 4.0]. Zero keeps the
// service default.
func WithSpeakingRate(r float64) Option {
	return func(p *Provider) {
		p.speakingRate = r
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

// Provider implements tts.Provider for Google Cloud Text-to-Speech.
type Provider struct {
	baseURL      string
	sampleRate   int
	speakingRate float64
	httpClient   *http.Client
}

// New creates a Cloud TTS Provider. Credentials are supplied per request.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Kind { return tts.KindCloudTTS }

// ---- wire types ----

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name,omitempty"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding   string  `json:"audioEncoding"`
		SampleRateHertz int     `json:"sampleRateHertz"`
		SpeakingRate    float64 `json:"speakingRate,omitempty"`
	} `json:"audioConfig"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Credential == "" {
		return tts.Audio{}, errors.New("cloudtts: credential must not be empty")
	}

	var body synthesizeRequest
	body.Input.Text = req.Text
	body.Voice.LanguageCode = tts.Locale(req.Language)
	body.Voice.Name = req.Voice
	body.AudioConfig.AudioEncoding = "LINEAR16"
	body.AudioConfig.SampleRateHertz = p.sampleRate
	body.AudioConfig.SpeakingRate = p.speakingRate

	data, err := json.Marshal(body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("cloudtts: marshal request: %w", err)
	}

	endpoint := p.baseURL + "/v1/text:synthesize"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("cloudtts: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", req.Credential)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("cloudtts: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, tts.ReadStatusError(tts.KindCloudTTS, resp, googleapi.ParseError)
	}

	var sr synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return tts.Audio{}, fmt.Errorf("cloudtts: decode response: %w", err)
	}
	if sr.AudioContent == "" {
		return tts.Audio{}, errors.New("cloudtts: response contained no audio")
	}
	raw, err := base64.StdEncoding.DecodeString(sr.AudioContent)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("cloudtts: decode audio: %w", err)
	}

	return tts.Audio{
		Data:     raw,
		Encoding: pcm.EncodingPCM,
		Format:   audio.Format{SampleRate: p.sampleRate, Channels: 1},
		MIME:     "audio/wav",
	}, nil
}

var _ tts.Provider = (*Provider)(nil)
