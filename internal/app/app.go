// Package app wires all Lumi subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject stores via functional options (WithRepository,
// WithMemoryStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/lumi/internal/auth"
	"github.com/MrWong99/lumi/internal/chat"
	"github.com/MrWong99/lumi/internal/config"
	"github.com/MrWong99/lumi/internal/eventbus"
	"github.com/MrWong99/lumi/internal/health"
	"github.com/MrWong99/lumi/internal/observe"
	"github.com/MrWong99/lumi/internal/pipeline"
	"github.com/MrWong99/lumi/internal/transport/httpapi"
	"github.com/MrWong99/lumi/pkg/completion"
	"github.com/MrWong99/lumi/pkg/memory"
	"github.com/MrWong99/lumi/pkg/memory/chromem"
	"github.com/MrWong99/lumi/pkg/memory/inmem"
	"github.com/MrWong99/lumi/pkg/memory/postgres"
	"github.com/MrWong99/lumi/pkg/types"
)

// probeUserID owns no collection; readiness probes query it.
const probeUserID = "__readiness__"

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	repo     memory.Repository
	memory   memory.MemoryStore
	metrics  *observe.Metrics
	level    *slog.LevelVar
	bus      *eventbus.Bus
	chat     *chat.Service
	limiter  *httpapi.Limiter
	health   *health.Handler
	checkers []health.Checker
	handler  http.Handler
	server   *http.Server

	metricsHandler http.Handler

	// baseCtx is the parent of every request context. Cancelling it ends
	// hijacked WebSocket connections, which http.Server.Shutdown does not track.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a history repository instead of creating one from config.
func WithRepository(r memory.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithMemoryStore injects a long-term memory store instead of creating one
// from config.
func WithMemoryStore(m memory.MemoryStore) Option {
	return func(a *App) { a.memory = m }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]; LLM and Embeddings are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Embeddings == nil {
		return nil, errors.New("app: llm and embeddings providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory ────────────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Conversation core ─────────────────────────────────────────────
	if err := a.initChat(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init chat: %w", err)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the configured backend or uses injected stores.
func (a *App) initMemory(ctx context.Context) error {
	if a.repo != nil && a.memory != nil {
		return nil // both injected
	}

	switch a.cfg.Memory.Backend {
	case config.BackendPostgres:
		store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Ping("database", store))
		if a.repo == nil {
			a.repo = store
		}
		if a.memory == nil {
			a.memory = store.Memory()
		}

	default:
		if a.repo == nil {
			a.repo = inmem.New()
		}
		if a.memory == nil {
			var opts []chromem.Option
			if dir := a.cfg.Memory.ChromemDir; dir != "" {
				opts = append(opts, chromem.WithPersistence(dir, true))
			}
			store, err := chromem.New(opts...)
			if err != nil {
				return err
			}
			a.memory = store
		}
	}

	a.checkers = append(a.checkers, health.Checker{
		Name: "memory",
		Check: func(ctx context.Context) error {
			_, err := a.memory.FindSimilar(ctx, probeUserID, []float32{1})
			return ignoreDimensionMismatch(err)
		},
	})
	return nil
}

// initChat builds the gateway, the event bus with its side-effect pipeline,
// the orchestrator and the chat service.
func (a *App) initChat() error {
	gw, err := completion.New(a.providers.LLM, a.providers.Embeddings)
	if err != nil {
		return err
	}

	a.bus = eventbus.New(eventbus.WithLogger(slog.Default()))
	events := pipeline.NewEvents(a.bus)
	pipe, err := pipeline.New(gw, a.repo, a.memory)
	if err != nil {
		return err
	}
	pipe.Attach(events)

	orch, err := chat.NewOrchestrator(gw, a.memory, events, events, events,
		chat.WithMaxTokens(a.cfg.Chat.MaxTokens),
		chat.WithSimilarityThreshold(a.cfg.Chat.SimilarityThreshold),
		chat.WithMaxSteps(a.cfg.Chat.MaxFunctionSteps),
		chat.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.chat, err = chat.NewService(orch, a.repo, events,
		chat.WithDefaultPersona(personaOf(a.cfg.Chat.Persona)),
		chat.WithGreeting(a.cfg.Chat.Greeting),
	)
	return err
}

// initHTTP builds the API server, health endpoints and the metrics route.
func (a *App) initHTTP() error {
	verifier, err := auth.NewJWTVerifier([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.AdminClaim)
	if err != nil {
		return err
	}

	a.limiter = httpapi.NewLimiter(a.cfg.RateLimit.PerUserRPS, a.cfg.RateLimit.Burst)
	api, err := httpapi.New(httpapi.Deps{
		Chat:     a.chat,
		History:  a.repo,
		Verifier: verifier,
		STT:      a.providers.STT,
		TTS:      a.providers.TTS,
		Metrics:  a.metrics,
	},
		httpapi.WithRateLimit(a.limiter),
		httpapi.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		return err
	}

	a.health = health.New(a.checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.Handle("/api/", api.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler (API, health and metrics).
func (a *App) Handler() http.Handler { return a.handler }

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// meant as the callback of a [config.Watcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		p := personaOf(d.NewPersona)
		a.chat.SetDefaultPersona(p)
		slog.Info("default persona changed", "name", p.Name)
	}
	if d.RateLimitChanged {
		a.limiter.SetLimit(d.NewRateLimit.PerUserRPS, d.NewRateLimit.Burst)
		slog.Info("rate limit changed", "per_user_rps", d.NewRateLimit.PerUserRPS, "burst", d.NewRateLimit.Burst)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires a restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for running turns and pending
// event handlers, and closes the stores. It respects the context deadline:
// if ctx expires, remaining steps are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.health.Drain()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		a.cancelBase()

		if err := a.chat.Close(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded waiting for running turns", "err", err)
			shutdownErr = err
			return
		}
		if err := a.bus.Drain(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded draining events", "err", err)
			shutdownErr = err
			return
		}

		a.runClosers()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// personaOf converts the configured persona. An unnamed persona selects
// [chat.DefaultPersona].
func personaOf(p config.PersonaConfig) types.Persona {
	if p.Name == "" {
		return chat.DefaultPersona
	}
	return types.Persona{Name: p.Name, Traits: p.Traits}
}

// ignoreDimensionMismatch treats a probe with the wrong embedding size as a
// healthy answer: the store responded.
func ignoreDimensionMismatch(err error) error {
	if errors.Is(err, chromem.ErrDimensionMismatch) || errors.Is(err, postgres.ErrDimensionMismatch) {
		return nil
	}
	return err
}
