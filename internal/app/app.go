// Package app wires all captionist subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens storage and assembles the
// translation chain and the [SessionManager], Run blocks until shutdown is
// requested, and Shutdown stops every session and tears everything down in
// order.
//
// For testing, inject implementations via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/health"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/resilience"
	"github.com/MrWong99/captionist/pkg/provider/translation"
	"github.com/MrWong99/captionist/pkg/store"
	storemock "github.com/MrWong99/captionist/pkg/store/mock"
	"github.com/MrWong99/captionist/pkg/store/postgres"
	"github.com/MrWong99/captionist/pkg/store/sqlite"
)

// Providers holds the provider instances built from the config registry by
// main.go. Nil means the provider is not configured.
type Providers struct {
	// Translation is the primary translation backend.
	Translation translation.Backend

	// TranslationFallbacks are tried in order when the primary fails.
	TranslationFallbacks []translation.Backend

	// Recognition opens the source of each session.
	Recognition SourceOpener
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    store.Store
	metrics  *observe.Metrics
	fallback *resilience.TranslationFallback
	sessions *SessionManager
	health   *health.Handler
	draining atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured driver. The
// App does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: storage connection and
// migration, translation failover assembly, session manager construction and
// translation memory warm-up.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
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

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Translation chain ─────────────────────────────────────────────
	backend := a.initTranslation()

	// ── 3. Sessions ──────────────────────────────────────────────────────
	sm, err := NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		OpenSource: providers.Recognition,
		Backend:    backend,
		Store:      a.store,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.sessions = sm

	if n, err := sm.Warm(ctx); err != nil {
		slog.Warn("failed to warm translation cache", "err", err)
	} else if n > 0 {
		slog.Info("translation cache warmed", "entries", n, "target_language", cfg.Translation.TargetLanguage)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.StorageChecker(a.store),
		health.DrainChecker(a.draining.Load),
	}
	if a.fallback != nil {
		checkers = append(checkers, health.TranslationChecker(a.fallback))
	}
	a.health = health.New(checkers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured storage driver unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN, postgres.WithMaxConns(a.cfg.Storage.PostgresMaxConns))
		if err != nil {
			return err
		}
		a.store = s
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.store = storemock.New()
	}
	slog.Info("storage ready", "driver", a.cfg.Storage.Driver)

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initTranslation puts the configured backends behind circuit breakers. It
// returns nil when no translation backend is configured.
func (a *App) initTranslation() translation.Backend {
	if a.providers.Translation == nil {
		if len(a.providers.TranslationFallbacks) > 0 {
			slog.Warn("translation fallbacks ignored without a primary backend")
		}
		slog.Info("translation disabled; units keep their original text")
		return nil
	}

	cb := a.cfg.Translation.CircuitBreaker
	fb := resilience.NewTranslationFallback(a.providers.Translation, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
		},
	})
	for _, b := range a.providers.TranslationFallbacks {
		fb.AddFallback(b)
	}
	a.fallback = fb
	return fb
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the /healthz and /readyz handler.
func (a *App) Health() *health.Handler { return a.health }

// Metrics returns the metric instruments.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// TranslationStatus reports the breaker state of every translation backend,
// or nil when translation is disabled.
func (a *App) TranslationStatus() []resilience.EntryStatus {
	if a.fallback == nil {
		return nil
	}
	return a.fallback.Status()
}

// ApplyConfig applies the hot-reloadable settings of a reloaded config.
// Settings listed in diff.RestartRequired are logged and ignored.
func (a *App) ApplyConfig(newCfg *config.Config, diff config.ConfigDiff) {
	if diff.SegmentChanged || diff.OverlapChanged || diff.BatchIntervalChanged {
		a.sessions.ApplyConfig(newCfg)
		slog.Info("session settings reloaded; applies to new sessions",
			"segment_mode", newCfg.Segment.Mode,
			"max_phrase_duration", newCfg.Segment.MaxPhraseDuration,
			"overlap_filter", newCfg.Overlap.Enabled,
			"batch_interval", newCfg.Translation.BatchInterval,
		)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", diff.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled and returns the context's error. Sessions
// run in the background and are started through [App.Sessions].
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"storage", a.cfg.Storage.Driver,
		"translation", a.fallback != nil,
		"recognition", a.providers.Recognition != nil,
	)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the instance as draining, stops every session (archiving
// their units) and runs the closers. It respects the context deadline: if
// ctx expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.draining.Store(true)
		slog.Info("shutting down", "running_sessions", a.sessions.Running(), "closers", len(a.closers))

		if err := a.sessions.StopAll(ctx); err != nil {
			slog.Warn("sessions did not stop in time", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
