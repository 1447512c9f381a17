// Package api exposes the synthesis gateway, the playback arbiter and the
// batch pipeline over HTTP.
//
// Routes:
//
//	POST /v1/synthesize             JSON request, raw audio response
//	GET  /v1/playback               current owner and generation
//	POST /v1/playback/stop          stop whatever is playing
//	POST /v1/batches/{collection}   run a batch, NDJSON progress stream
//	GET  /v1/batches/{collection}   stored units of a collection
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/playback"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 8 << 20

// Response headers set on successful synthesis.
const (
	HeaderProvider    = "X-Narrator-Provider"
	HeaderSource      = "X-Narrator-Source"
	HeaderFingerprint = "X-Narrator-Fingerprint"
)

// Synthesizer is the subset of [gateway.Gateway] the API needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, req gateway.Request) gateway.Result
}

// BatchRunner is the subset of [batch.Pipeline] the API needs.
type BatchRunner interface {
	Run(ctx context.Context, collectionID string, units []*batch.Unit, opts batch.Options) <-chan batch.Event
}

// Server holds the HTTP handlers. Build it with [New] and mount it with
// [Server.Register].
type Server struct {
	synth    Synthesizer
	arbiter  *playback.Arbiter
	batches  BatchRunner
	lister   batch.Lister
	primary  tts.Kind
	batchOpt batch.Options
	maxBody  int64
}

// Option configures a [Server].
type Option func(*Server)

// WithDefaultProvider sets the provider used when a request names none.
// Default: gemini.
func WithDefaultProvider(k tts.Kind) Option {
	return func(s *Server) {
		if k.Valid() {
			s.primary = k
		}
	}
}

// WithLister enables GET /v1/batches/{collection}.
func WithLister(l batch.Lister) Option {
	return func(s *Server) { s.lister = l }
}

// WithBatchOptions sets the pipeline options used for HTTP batches. The
// request's "audio" field overrides Audio.
func WithBatchOptions(o batch.Options) Option {
	return func(s *Server) { s.batchOpt = o }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a Server. batches may be nil to disable the batch routes.
func New(synth Synthesizer, arbiter *playback.Arbiter, batches BatchRunner, opts ...Option) *Server {
	s := &Server{
		synth:    synth,
		arbiter:  arbiter,
		batches:  batches,
		primary:  tts.KindGemini,
		batchOpt: batch.DefaultOptions(),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /v1/playback", s.handlePlayback)
	mux.HandleFunc("POST /v1/playback/stop", s.handleStop)
	mux.HandleFunc("POST /v1/batches/{collection}", s.handleRunBatch)
	mux.HandleFunc("GET /v1/batches/{collection}", s.handleListBatch)
}

// synthesizeRequest is the body of POST /v1/synthesize.
type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Provider string `json:"provider"`
	CallerID string `json:"caller_id"`
	Key      string `json:"key"`
}

// errorResponse is the JSON body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body synthesizeRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", err)
		return
	}

	kind := s.primary
	if body.Provider != "" {
		k, err := tts.ParseKind(body.Provider)
		if err != nil {
			writeError(w, http.StatusBadRequest, gateway.KindUnsupported.String(), err)
			return
		}
		kind = k
	}
	if body.Language == "" {
		body.Language = "en"
	}
	ctx := r.Context()
	if body.CallerID != "" {
		ctx = observe.WithLogAttrs(ctx, slog.String("caller", body.CallerID))
	}

	res := s.synth.Synthesize(ctx, gateway.Request{
		Text:        body.Text,
		Voice:       body.Voice,
		Language:    body.Language,
		Provider:    kind,
		KeyOverride: body.Key,
		CallerID:    body.CallerID,
	})

	if res.Kind != gateway.KindNone {
		status := statusFor(res)
		if status >= 500 {
			observe.Logger(ctx).Warn("api: synthesis failed",
				"provider", res.Provider.String(), "kind", res.Kind.String(), "err", res.Err)
		}
		writeError(w, status, res.Kind.String(), res.Err)
		return
	}

	w.Header().Set(HeaderProvider, res.Provider.String())
	w.Header().Set(HeaderSource, res.Source.String())
	if res.Fingerprint != "" {
		w.Header().Set(HeaderFingerprint, res.Fingerprint)
	}
	if len(res.Raw) == 0 {
		// The local engine produced nothing.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	mime := res.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", fmt.Sprint(len(res.Raw)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Raw)
}

// statusFor maps a failed result to an HTTP status.
func statusFor(res gateway.Result) int {
	switch res.Kind {
	case gateway.KindAuth:
		return http.StatusUnauthorized
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindUnsupported:
		return http.StatusBadRequest
	}
	if errors.Is(res.Err, gateway.ErrEmptyText) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

type playbackResponse struct {
	Owner      string `json:"owner"`
	Generation uint64 `json:"generation"`
}

func (s *Server) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, playbackResponse{Owner: s.arbiter.Owner(), Generation: s.arbiter.Generation()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.arbiter.StopAll()
	observe.Logger(r.Context()).Info("api: playback stopped", "generation", s.arbiter.Generation())
	writeJSON(w, http.StatusOK, playbackResponse{Owner: s.arbiter.Owner(), Generation: s.arbiter.Generation()})
}

// batchRequest is the body of POST /v1/batches/{collection}.
type batchRequest struct {
	Units []*batch.Unit `json:"units"`
	Audio *bool         `json:"audio"`
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusNotImplemented, "", errors.New("batch processing is not configured"))
		return
	}
	collection := r.PathValue("collection")

	var body batchRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", err)
		return
	}
	if len(body.Units) == 0 {
		writeError(w, http.StatusBadRequest, "", errors.New("units must not be empty"))
		return
	}
	for i, u := range body.Units {
		if u == nil || strings.TrimSpace(u.ID) == "" {
			writeError(w, http.StatusBadRequest, "", fmt.Errorf("units[%d].id is required", i))
			return
		}
	}

	opts := s.batchOpt
	if body.Audio != nil {
		opts.Audio = *body.Audio
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	// The request context cancels the run when the client goes away.
	for ev := range s.batches.Run(r.Context(), collection, body.Units, opts) {
		if err := enc.Encode(ev); err != nil {
			slog.Debug("api: batch stream write failed", "collection", collection, "err", err)
			continue
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleListBatch(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		writeError(w, http.StatusNotImplemented, "", errors.New("the batch registry cannot list units"))
		return
	}
	units, err := s.lister.List(r.Context(), r.PathValue("collection"))
	if err != nil {
		observe.Logger(r.Context()).Error("api: list batch units", "err", err)
		writeError(w, http.StatusInternalServerError, "", errors.New("listing units failed"))
		return
	}
	if units == nil {
		units = []*batch.Unit{}
	}
	writeJSON(w, http.StatusOK, units)
}

// decode reads a JSON body of at most maxBody bytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
