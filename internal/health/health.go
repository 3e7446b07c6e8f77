// Package health provides the liveness and readiness handlers.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz is the readiness probe. It returns 200 only when every
//     registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/captionist/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key of this check in the JSON response (e.g. "storage").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler]. Checkers run concurrently on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, 0, len(checkers))
	for _, ch := range checkers {
		if ch.Check != nil {
			c = append(c, ch)
		}
	}
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// ---- checkers ----

// Pinger is satisfied by every store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker checks that the storage backend answers a ping.
func StorageChecker(p Pinger) Checker {
	return Checker{Name: "storage", Check: p.Ping}
}

// BreakerReporter is satisfied by [resilience.TranslationFallback].
type BreakerReporter interface {
	Status() []resilience.EntryStatus
}

// TranslationChecker fails when the circuit of every translation backend is
// open, i.e. no translation request could currently be placed.
func TranslationChecker(b BreakerReporter) Checker {
	return Checker{Name: "translation", Check: func(context.Context) error {
		st := b.Status()
		if len(st) == 0 {
			return nil
		}
		open := make([]string, 0, len(st))
		for _, e := range st {
			if e.State != resilience.StateOpen {
				return nil
			}
			open = append(open, e.Name)
		}
		return fmt.Errorf("all backends open: %s", strings.Join(open, ", "))
	}}
}

// ErrShuttingDown is reported by [DrainChecker] once draining started.
var ErrShuttingDown = errors.New("shutting down")

// DrainChecker fails once draining reports true, so load balancers stop
// routing new sessions to an instance that is shutting down.
func DrainChecker(draining func() bool) Checker {
	return Checker{Name: "lifecycle", Check: func(context.Context) error {
		if draining() {
			return ErrShuttingDown
		}
		return nil
	}}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
