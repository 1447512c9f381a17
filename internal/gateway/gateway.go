// Package gateway turns text into audio across the configured synthesis
// backends.
//
// A [Gateway] resolves the caller's credential, consults the fingerprint
// cache, coalesces concurrent identical requests into one provider call,
// classifies failures, fails over once from the primary to the secondary
// engine on rate limiting, and writes successful results back to the cache.
// [Gateway.Synthesize] never returns an error: every outcome is a tagged
// [Result].
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/narrator/internal/cache"
	"github.com/MrWong99/narrator/internal/credentials"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// DefaultProviderTimeout bounds a single provider attempt.
const DefaultProviderTimeout = 45 * time.Second

// ErrEmptyText is reported (as [KindUnknown]) for requests whose text is blank
// after normalization.
var ErrEmptyText = errors.New("gateway: text is empty")

// Gateway is the synthesis entry point. It is safe for concurrent use.
type Gateway struct {
	providers map[tts.Kind]tts.Provider
	cache     *cache.Cache
	creds     *credentials.Resolver
	decoder   *pcm.Decoder

	primary       tts.Kind
	secondary     tts.Kind
	timeout       time.Duration
	failoverDelay time.Duration
	breakers      *resilience.Breakers[tts.Kind]
	metrics       *observe.Metrics

	flights singleflight.Group
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithPrimary sets the low-latency engine that may fail over. Default:
// [tts.KindGemini].
func WithPrimary(k tts.Kind) Option {
	return func(g *Gateway) { g.primary = k }
}

// WithSecondary sets the failover target. Default: [tts.KindCloudTTS].
// [tts.KindUnknown] disables failover.
func WithSecondary(k tts.Kind) Option {
	return func(g *Gateway) { g.secondary = k }
}

// WithProviderTimeout bounds each provider attempt. Default:
// [DefaultProviderTimeout].
func WithProviderTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithFailoverDelay sets the pause before the failover attempt. Default: 0.
func WithFailoverDelay(d time.Duration) Option {
	return func(g *Gateway) { g.failoverDelay = d }
}

// WithCircuitBreakers guards every provider with its own breaker. While a
// provider's breaker is open its requests fail fast with [KindUnknown].
// Credential rejections do not count towards tripping.
func WithCircuitBreakers(cfg resilience.CircuitBreakerConfig) Option {
	return func(g *Gateway) {
		cfg.Counts = func(err error) bool {
			switch Classify(err) {
			case KindNone, KindAuth, KindUnsupported:
				return false
			}
			return true
		}
		g.breakers = resilience.NewBreakers(cfg, func(k tts.Kind) string { return "tts:" + k.String() })
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a Gateway over providers. c, creds and decoder may be nil, in
// which case a memory-only cache, an empty resolver and a default decoder are
// used.
func New(providers map[tts.Kind]tts.Provider, c *cache.Cache, creds *credentials.Resolver, decoder *pcm.Decoder, opts ...Option) *Gateway {
	if decoder == nil {
		decoder = pcm.New()
	}
	if c == nil {
		c = cache.New(nil, decoder)
	}
	if creds == nil {
		creds = credentials.NewResolver(nil, nil)
	}
	g := &Gateway{
		providers: make(map[tts.Kind]tts.Provider, len(providers)),
		cache:     c,
		creds:     creds,
		decoder:   decoder,
		primary:   tts.KindGemini,
		secondary: tts.KindCloudTTS,
		timeout:   DefaultProviderTimeout,
	}
	for k, p := range providers {
		if p != nil {
			g.providers[k] = p
		}
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Providers returns the configured provider kinds in declaration order.
func (g *Gateway) Providers() []tts.Kind {
	var out []tts.Kind
	for _, k := range tts.Kinds() {
		if _, ok := g.providers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Cache returns the fingerprint cache.
func (g *Gateway) Cache() *cache.Cache { return g.cache }

// Primary returns the provider used for requests that name none.
func (g *Gateway) Primary() tts.Kind { return g.primary }

// Synthesize turns req into audio. It never panics across the boundary and
// never returns an error; see [Result].
//
// Concurrent calls with the same fingerprint share one provider call. The
// shared call runs detached from any single caller's context, so a caller
// that gives up does not cancel the synthesis for the others; each caller
// stops waiting when its own ctx is done.
func (g *Gateway) Synthesize(ctx context.Context, req Request) Result {
	ctx, span := observe.StartSpan(ctx, "gateway.synthesize")
	defer span.End()

	res := g.synthesize(ctx, req)

	span.SetAttributes(
		attribute.String("provider", res.Provider.String()),
		attribute.String("result.kind", res.Kind.String()),
		attribute.String("result.source", res.Source.String()),
	)
	if res.Kind != KindNone {
		observe.FailSpan(span, res.Kind.String(), res.Err)
	}
	return res
}

func (g *Gateway) synthesize(ctx context.Context, req Request) Result {
	log := observe.Logger(ctx)
	req.Text = cache.NormalizeText(req.Text)

	if _, ok := g.providers[req.Provider]; !ok || !req.Provider.Valid() {
		return Result{Kind: KindUnsupported, Provider: req.Provider,
			Err: fmt.Errorf("%w: %s", tts.ErrUnsupportedProvider, req.Provider)}
	}
	if req.Text == "" {
		return Result{Kind: KindUnknown, Provider: req.Provider, Err: ErrEmptyText}
	}

	var cred string
	if req.Provider.Remote() {
		var err error
		cred, _, err = g.creds.Resolve(ctx, req.Provider, req.KeyOverride, req.CallerID)
		if err != nil {
			g.metrics.RecordProviderError(ctx, req.Provider.String(), KindAuth.String())
			return Result{Kind: KindAuth, Provider: req.Provider, Err: err}
		}
	}

	fp := cache.Fingerprint(req.Provider, req.Voice, req.Language, req.Text)

	item, tier, err := g.cache.Get(ctx, fp)
	if err != nil {
		log.Warn("gateway: durable cache unavailable", "fingerprint", fp, "err", err)
	}
	g.metrics.RecordCacheLookup(ctx, tier.String())
	switch tier {
	case cache.TierMemory:
		return cachedResult(item, req.Provider, fp, SourceMemory)
	case cache.TierDurable:
		log.Debug("gateway: durable cache hit", "fingerprint", fp)
		return cachedResult(item, req.Provider, fp, SourceDurable)
	}

	leader := false
	ch := g.flights.DoChan(fp, func() (any, error) {
		leader = true
		// Keep trace and log values but not the caller's cancellation.
		flightCtx := context.WithoutCancel(ctx)
		// A flight for fp may have finished between our lookup and DoChan.
		if item, tier, err := g.cache.Get(flightCtx, fp); err == nil && tier != cache.TierMiss {
			src := SourceMemory
			if tier == cache.TierDurable {
				src = SourceDurable
			}
			return cachedResult(item, req.Provider, fp, src), nil
		}
		return g.fetch(flightCtx, req, cred, fp), nil
	})

	select {
	case r := <-ch:
		res := r.Val.(Result)
		if !leader {
			g.metrics.CoalescedRequests.Add(ctx, 1)
			if res.Kind == KindNone {
				res.Source = SourceCoalesced
			}
		}
		return res
	case <-ctx.Done():
		return Result{Kind: KindUnknown, Provider: req.Provider, Fingerprint: fp, Err: ctx.Err()}
	}
}

// fetch performs the provider call with one-hop failover and writes a
// successful result to the cache.
func (g *Gateway) fetch(ctx context.Context, req Request, cred, fp string) Result {
	log := observe.Logger(ctx)

	// Set by retryIf before the failover attempt runs.
	var secondaryKey string

	op := func(ctx context.Context, attempt int) (Result, error) {
		kind, key := req.Provider, cred
		if attempt > 1 {
			kind, key = g.secondary, secondaryKey
			log.Warn("gateway: primary rate limited, failing over",
				"from", req.Provider, "to", kind, "fingerprint", fp)
			g.metrics.RecordFailover(ctx, req.Provider.String(), kind.String())
		}
		res := g.call(ctx, kind, req, key)
		if res.Kind != KindNone {
			return res, &kindError{res.Kind, res.Err}
		}
		return res, nil
	}

	retryIf := func(err error) bool {
		if !g.canFailover(req.Provider) || Classify(err) != KindRateLimited {
			return false
		}
		// Without a key for the secondary the primary's rate limit is the
		// more useful answer.
		if !g.secondary.Remote() {
			return true
		}
		key, _, kerr := g.creds.Resolve(ctx, g.secondary, "", req.CallerID)
		if kerr != nil {
			log.Warn("gateway: no credential for failover provider, keeping rate limit",
				"from", req.Provider, "to", g.secondary, "fingerprint", fp, "err", kerr)
			return false
		}
		secondaryKey = key
		return true
	}

	res, attempts, err := resilience.Do(ctx, resilience.Policy{MaxAttempts: 2, Delay: g.failoverDelay}, op, retryIf)
	res.Fingerprint = fp
	if err != nil {
		if res.Kind == KindNone {
			res.Kind, res.Err = Classify(err), err
		}
		log.Warn("gateway: synthesis failed",
			"provider", res.Provider, "kind", res.Kind, "attempts", attempts, "fingerprint", fp, "err", res.Err)
		return res
	}

	if res.Audio == nil {
		// Local engine produced nothing; never cache an empty result.
		return res
	}
	entry := cache.Entry{
		Provider: res.Provider,
		Encoding: res.Encoding,
		Format:   res.Format,
		MIME:     res.MIME,
		Data:     res.Raw,
	}
	if err := g.cache.Put(ctx, fp, entry, res.Audio); err != nil {
		log.Warn("gateway: cache write failed", "fingerprint", fp, "err", err)
	}
	return res
}

// call performs one attempt against a single provider.
func (g *Gateway) call(ctx context.Context, kind tts.Kind, req Request, key string) Result {
	p, ok := g.providers[kind]
	if !ok {
		return Result{Kind: KindUnsupported, Provider: kind,
			Err: fmt.Errorf("%w: %s", tts.ErrUnsupportedProvider, kind)}
	}

	treq := tts.Request{
		Text:       req.Text,
		Voice:      tts.VoiceFor(kind, req.Voice, req.Language),
		Language:   req.Language,
		Credential: key,
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var out tts.Audio
	invoke := func() error {
		var err error
		out, err = p.Synthesize(ctx, treq)
		return err
	}

	start := time.Now()
	var err error
	if g.breakers != nil {
		err = g.breakers.For(kind).Execute(invoke)
	} else {
		err = invoke()
	}
	g.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", kind.String())))

	if err != nil {
		ek := Classify(err)
		g.metrics.RecordProviderRequest(ctx, kind.String(), "error")
		g.metrics.RecordProviderError(ctx, kind.String(), ek.String())
		return Result{Kind: ek, Provider: kind, Err: err}
	}
	g.metrics.RecordProviderRequest(ctx, kind.String(), "ok")

	if len(out.Data) == 0 {
		if kind == tts.KindLocal {
			return Result{Kind: KindNone, Provider: kind, Source: SourceProvider}
		}
		return Result{Kind: KindUnknown, Provider: kind, Err: fmt.Errorf("gateway: %s returned no audio", kind)}
	}

	buf, err := g.decoder.DecodeAs(out.Data, out.Encoding, out.Format)
	if err != nil {
		g.metrics.RecordProviderError(ctx, kind.String(), "decode")
		return Result{Kind: KindUnknown, Provider: kind, Err: fmt.Errorf("gateway: decode %s audio: %w", kind, err)}
	}
	return Result{
		Audio:    buf,
		Raw:      out.Data,
		Encoding: out.Encoding,
		Format:   rawFormat(out, g.decoder),
		MIME:     out.MIME,
		Kind:     KindNone,
		Provider: kind,
		Source:   SourceProvider,
	}
}

func (g *Gateway) canFailover(requested tts.Kind) bool {
	if requested != g.primary || g.secondary == requested || !g.secondary.Valid() {
		return false
	}
	_, ok := g.providers[g.secondary]
	return ok
}

func cachedResult(item cache.Item, requested tts.Kind, fp string, src Source) Result {
	provider := item.Entry.Provider
	if !provider.Valid() {
		provider = requested
	}
	return Result{
		Audio:       item.Audio,
		Raw:         item.Entry.Data,
		Encoding:    item.Entry.Encoding,
		Format:      item.Entry.Format,
		MIME:        item.Entry.MIME,
		Kind:        KindNone,
		Provider:    provider,
		Source:      src,
		Fingerprint: fp,
	}
}

// rawFormat is the layout to store alongside a raw payload. Headerless PCM
// records the format it was decoded with so a later durable hit decodes the
// same way even if the decoder default changes.
func rawFormat(out tts.Audio, d *pcm.Decoder) audio.Format {
	f := out.Format
	if out.Encoding != pcm.EncodingPCM {
		return f
	}
	def := d.Format()
	if f.SampleRate <= 0 {
		f.SampleRate = def.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = def.Channels
	}
	return f
}
