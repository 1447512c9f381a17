// Package app wires all narrator subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the cache tiers, the
// credential resolver, the gateway, the arbiter and the batch pipeline from
// the config; Run serves the HTTP API and the metrics endpoint; Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithProviders,
// WithStore, WithBatchRegistry, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/narrator/internal/api"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/batch/fileregistry"
	"github.com/MrWong99/narrator/internal/batch/pgregistry"
	"github.com/MrWong99/narrator/internal/cache"
	"github.com/MrWong99/narrator/internal/cache/diskstore"
	"github.com/MrWong99/narrator/internal/cache/natsstore"
	"github.com/MrWong99/narrator/internal/cache/pgstore"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/credentials"
	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/internal/health"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/playback"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/llm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// shutdownTimeout bounds graceful HTTP server shutdown inside Run.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	env    credentials.Env
	envSet bool

	// Injected or built in New.
	registry   *config.Registry
	providers  map[tts.Kind]tts.Provider
	store      cache.Store
	batchReg   batch.Registry
	textgen    llm.Provider
	metrics    *observe.Metrics
	levelVar   *slog.LevelVar
	watcher    *config.Watcher
	pgPool     *pgxpool.Pool
	checkers   []health.Checker
	health     *health.Handler
	decoder    *pcm.Decoder
	cache      *cache.Cache
	prefs      *credentials.MapPreferences
	creds      *credentials.Resolver
	gateway    *gateway.Gateway
	arbiter    *playback.Arbiter
	pipeline   *batch.Pipeline
	apiServer  *api.Server
	listenAddr string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the provider factory registry. Default: a registry with
// [RegisterBuiltins] applied.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProviders injects synthesis backends instead of building them from
// the registry.
func WithProviders(p map[tts.Kind]tts.Provider) Option {
	return func(a *App) { a.providers = p }
}

// WithStore injects the durable cache tier.
func WithStore(s cache.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBatchRegistry injects the batch unit registry.
func WithBatchRegistry(r batch.Registry) Option {
	return func(a *App) { a.batchReg = r }
}

// WithTextGen injects the text-generation backend.
func WithTextGen(p llm.Provider) Option {
	return func(a *App) { a.textgen = p }
}

// WithEnv sets the environment credential tier. Default: [credentials.LoadEnv].
func WithEnv(e credentials.Env) Option {
	return func(a *App) {
		a.env = e
		a.envSet = true
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithWatcher makes Run poll the config file and apply live changes.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, listenAddr: cfg.Server.ListenAddr}
	for _, o := range opts {
		o(a)
	}
	if !a.envSet {
		e, err := credentials.LoadEnv()
		if err != nil {
			return nil, fmt.Errorf("app: read environment: %w", err)
		}
		a.env = e
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry)
	}
	a.decoder = pcm.New(pcm.WithFormat(cfg.Audio.SampleRate, cfg.Audio.Channels))

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Cache tiers ───────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Credentials ───────────────────────────────────────────────────
	a.prefs = credentials.NewMapPreferences(cfg.Preferences())
	a.creds = credentials.NewResolver(a.env.Defaults(cfg.Providers.Keys()), a.prefs)

	// ── 4. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 5. Arbiter ───────────────────────────────────────────────────────
	a.arbiter = playback.NewArbiter(playback.WithArbiterMetrics(a.metrics))

	// ── 6. Batch pipeline ────────────────────────────────────────────────
	if err := a.initBatch(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init batch: %w", err)
	}

	// ── 7. HTTP API ──────────────────────────────────────────────────────
	apiOpts := []api.Option{
		api.WithDefaultProvider(a.gateway.Primary()),
		api.WithBatchOptions(a.BatchOptions()),
	}
	if l, ok := a.batchReg.(batch.Lister); ok {
		apiOpts = append(apiOpts, api.WithLister(l))
	}
	a.apiServer = api.New(a.gateway, a.arbiter, a.pipeline, apiOpts...)
	a.health = health.New(a.checkers...)

	slog.Info("app initialised",
		"providers", len(a.providers),
		"primary", cfg.Gateway.Primary,
		"secondary", cfg.Gateway.Secondary,
		"durable", cfg.Cache.Durable,
		"registry", cfg.Batch.Registry,
		"textgen", a.textgen != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProviders() error {
	if a.providers != nil {
		return nil
	}
	ps, err := a.registry.CreateTTSAll(a.cfg.Providers)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		return errors.New("no synthesis provider is enabled")
	}
	for k := range ps {
		slog.Info("provider created", "kind", "tts", "name", k.String())
	}
	a.providers = ps
	return nil
}

// initCache builds the durable tier named by cache.durable (unless one was
// injected) and the memory tier on top of it.
func (a *App) initCache(ctx context.Context) error {
	cc := a.cfg.Cache
	if a.store == nil {
		switch cc.Durable {
		case config.DurableDisk:
			var opts []diskstore.Option
			if cc.Compression != "" {
				_, lvl := zstd.EncoderLevelFromString(cc.Compression)
				opts = append(opts, diskstore.WithLevel(lvl))
			}
			s, err := diskstore.New(cc.Dir, opts...)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
			a.checkers = append(a.checkers, health.PingCheck("cache", s))

		case config.DurablePostgres:
			pool, err := a.pool(ctx, cc.PostgresDSN)
			if err != nil {
				return err
			}
			s := pgstore.New(pool)
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			a.store = s

		case config.DurableNATS:
			s, closeFn, err := natsstore.Connect(ctx, cc.NATSURL, cc.Bucket)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, closeFn)
			a.checkers = append(a.checkers, health.PingCheck("cache", s))

		default:
			a.store = cache.NewMemStore()
		}
	}

	var opts []cache.Option
	if cc.MemoryMaxEntries > 0 {
		opts = append(opts, cache.WithMemoryLimit(cc.MemoryMaxEntries))
	}
	a.cache = cache.New(a.store, a.decoder, opts...)
	return nil
}

// pool returns the shared Postgres pool for dsn, connecting on first use.
func (a *App) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if a.pgPool != nil {
		return a.pgPool, nil
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.pgPool = p
	a.closers = append(a.closers, func() error {
		p.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.PingCheck("postgres", p))
	return p, nil
}

func (a *App) initGateway() {
	gc := a.cfg.Gateway
	opts := []gateway.Option{
		gateway.WithPrimary(gc.PrimaryKind()),
		gateway.WithSecondary(gc.SecondaryKind()),
		gateway.WithProviderTimeout(gc.ProviderTimeout),
		gateway.WithFailoverDelay(gc.FailoverDelay),
		gateway.WithMetrics(a.metrics),
	}
	if cb := gc.CircuitBreaker; cb.Enabled {
		opts = append(opts, gateway.WithCircuitBreakers(resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		}))
	}
	a.gateway = gateway.New(a.providers, a.cache, a.creds, a.decoder, opts...)
}

func (a *App) initBatch(ctx context.Context) error {
	bc := a.cfg.Batch
	if a.batchReg == nil {
		switch bc.Registry {
		case config.RegistryFile:
			r, err := fileregistry.Open(bc.Path)
			if err != nil {
				return err
			}
			a.batchReg = r
		case config.RegistryPostgres:
			pool, err := a.pool(ctx, bc.PostgresDSN)
			if err != nil {
				return err
			}
			r := pgregistry.New(pool)
			if err := r.Migrate(ctx); err != nil {
				return err
			}
			a.batchReg = r
		default:
			a.batchReg = batch.NewMemRegistry()
		}
	}

	if a.textgen == nil && a.cfg.TextGen.Name != "" {
		tc := a.cfg.TextGen
		if tc.APIKey == "" {
			tc.APIKey = a.env.TextGen
		}
		p, err := a.registry.CreateTextGen(tc)
		if err != nil {
			return fmt.Errorf("create textgen %q: %w", tc.Name, err)
		}
		a.textgen = p
	}
	var gen batch.TextGenerator
	if a.textgen != nil {
		gen = &batch.LLMGenerator{
			Provider:     a.textgen,
			SystemPrompt: a.cfg.TextGen.SystemPrompt,
			Temperature:  a.cfg.TextGen.Temperature,
			MaxTokens:    a.cfg.TextGen.MaxTokens,
		}
	}

	provider := a.gateway.Primary()
	if bc.Provider != "" {
		if k, err := tts.ParseKind(bc.Provider); err == nil {
			provider = k
		}
	}
	a.pipeline = batch.New(a.batchReg, a.gateway, gen,
		batch.WithDefaults(provider, bc.Voice),
		batch.WithMetrics(a.metrics),
	)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Gateway returns the synthesis gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Arbiter returns the process-wide playback arbiter.
func (a *App) Arbiter() *playback.Arbiter { return a.arbiter }

// Pipeline returns the batch pipeline.
func (a *App) Pipeline() *batch.Pipeline { return a.pipeline }

// Credentials returns the credential resolver.
func (a *App) Credentials() *credentials.Resolver { return a.creds }

// BatchOptions returns the pipeline options configured under batch.
func (a *App) BatchOptions() batch.Options {
	return batch.Options{
		Audio:         true,
		Attempts:      a.cfg.Batch.Attempts,
		RetryDelay:    a.cfg.Batch.RetryDelay,
		CourtesyDelay: a.cfg.Batch.CourtesyDelay,
	}
}

// Narrator returns a narration loop that plays through out. The local
// engine, when enabled, speaks units the gateway could not voice.
func (a *App) Narrator(out audio.Output) *playback.Narrator {
	opts := []playback.NarratorOption{
		playback.WithDecoder(a.decoder),
		playback.WithNarratorMetrics(a.metrics),
	}
	if p, ok := a.providers[tts.KindLocal]; ok {
		opts = append(opts, playback.WithLocalFallback(p))
	}
	return playback.NewNarrator(a.arbiter, a.gateway, out, opts...)
}

// Handler returns the full HTTP handler: API routes and health probes,
// wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.apiServer.Register(mux)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level, caller preferences and default keys. Other changes are logged as
// requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PreferencesChanged {
		a.prefs.Replace(new.Preferences())
		slog.Info("caller preferences reloaded", "callers", len(new.CallerPreferences))
	}
	if d.DefaultKeysChanged {
		a.creds.SetDefaults(a.env.Defaults(new.Providers.Keys()))
		slog.Info("default provider keys reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the API (and /metrics when configured) and polls the config
// watcher until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	apiSrv := &http.Server{
		Addr:              a.listenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return serve(gctx, apiSrv, a.cfg.Server.TLS) })
	slog.Info("api listening", "addr", a.listenAddr, "tls", a.cfg.Server.TLS != nil)

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serve(gctx, metricsSrv, nil) })
		slog.Info("metrics listening", "addr", addr)
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, tls *config.TLSConfig) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return <-errc
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops playback and tears down all subsystems in reverse-init
// order. If ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.health != nil {
			a.health.Drain()
		}

		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.arbiter != nil {
			a.arbiter.StopAll()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New built before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
