// Package health serves the liveness and readiness probes of the narrator
// server.
//
// GET /healthz answers 200 while the process serves HTTP. GET /readyz runs
// every registered [Checker] (durable cache, postgres pool, NATS connection)
// and answers 503 if one fails or the server is draining:
//
//	{"status":"fail","checks":{"cache":{"status":"ok","duration_ms":2},
//	 "postgres":{"status":"fail","error":"dial tcp: connection refused","duration_ms":5001}}}
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	checkTimeout        = 5 * time.Second
	maxConcurrentChecks = 4

	statusOK       = "ok"
	statusFail     = "fail"
	statusDraining = "draining"
)

// Checker is a named readiness probe. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool, the durable cache stores and the
// NATS store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a [Checker] that pings p.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes /readyz fail from now on so load balancers stop routing new
// work while in-flight requests finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Check runs every checker, at most maxConcurrentChecks at a time and each
// under its own timeout.
func (h *Handler) Check(ctx context.Context) Report {
	rep := Report{Status: statusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)

			res := CheckResult{Status: statusOK, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = statusFail, err.Error()
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
			}
			mu.Lock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = statusFail
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: statusOK})
}

// Readyz answers 200 with the [Report] when every check passes and 503
// otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: statusDraining})
		return
	}
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register adds both probes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
