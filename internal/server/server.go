// Package server exposes sessions to subtitle consumers over HTTP.
//
// Routes:
//
//	GET    /v1/sessions                        list sessions
//	POST   /v1/sessions                        start a session ({"id","input"})
//	GET    /v1/sessions/{id}                   session summary
//	DELETE /v1/sessions/{id}                   cancel a running session
//	GET    /v1/sessions/{id}/query?t=          units to display at time t
//	GET    /v1/sessions/{id}/units             every unit in timestamp order
//	GET    /v1/sessions/{id}/subtitles.vtt     WebVTT (?track=original|translated)
//	POST   /v1/sessions/{id}/retranslate       retry untranslated units
//	GET    /v1/sessions/{id}/events            websocket stream of store events
//
// plus /healthz, /readyz and /metrics. Units are encoded in the fixture JSON
// shape of [types.DisplayUnit].
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/health"
	"github.com/MrWong99/captionist/internal/observe"
)

// shutdownTimeout bounds the graceful HTTP shutdown in [Server.ListenAndServe].
const shutdownTimeout = 10 * time.Second

// SessionManager is the subset of [app.SessionManager] the API needs.
type SessionManager interface {
	Start(ctx context.Context, spec app.SessionSpec) (*app.Session, error)
	Get(ctx context.Context, id string) (*app.Session, error)
	Stop(ctx context.Context, id string) error
	List(ctx context.Context) ([]app.SessionInfo, error)
}

var _ SessionManager = (*app.SessionManager)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records request durations and traces every request.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Without it the route is not
// mounted.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithCORSOrigins allows browser calls from origins. Empty disables CORS.
// The origins also bound which pages may open the events websocket.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// Server routes API requests to a [SessionManager].
type Server struct {
	sessions       SessionManager
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	origins        []string
	wsOrigins      []string
	router         chi.Router
}

// New creates a Server. sessions must not be nil.
func New(sessions SessionManager, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("server: sessions must not be nil")
	}
	s := &Server{sessions: sessions}
	for _, o := range opts {
		o(s)
	}
	s.wsOrigins = originPatterns(s.origins)
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}
	if len(s.origins) > 0 {
		r.Use(cors.Handler(corsOptions(s.origins)))
	}

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.startSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.stopSession)
			r.Get("/query", s.query)
			r.Get("/units", s.units)
			r.Get("/subtitles.vtt", s.subtitles)
			r.Post("/retranslate", s.retranslate)
			r.Get("/events", s.events)
		})
	})
	return r
}

// corsOptions allows read access and session control from origins. A
// wildcard disables credentials.
func corsOptions(origins []string) cors.Options {
	allowCreds := true
	for _, o := range origins {
		if o == "*" {
			allowCreds = false
			break
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}

// originPatterns converts CORS origins ("https://host:port") into the host
// patterns the websocket handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// ListenAndServe serves the API on addr until ctx is done, then shuts down
// gracefully. TLS is used when tlsCfg is non-nil.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *config.TLSConfig) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return nil
}
