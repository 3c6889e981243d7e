// Package health serves the peer's liveness and readiness endpoints.
//
// /healthz answers 200 whenever the process serves HTTP. /readyz answers 200
// only while the server is not draining and every [Checker] passes. Both
// reply with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker checks one dependency. Check returns nil while it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the response body of both endpoints. Checks maps each checker name to "ok"
// or "fail: <reason>".
type Report struct {
	Status   string            `json:"status"`
	Draining bool              `json:"draining,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints.
type Handler struct {
	checkers []Checker
	sessions func() int
	cacheTTL time.Duration
	now      func() time.Time
	draining atomic.Bool

	mu       sync.Mutex
	cached   map[string]string
	cachedOK bool
	cachedAt time.Time
}

// New returns a Handler that runs checkers concurrently on /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), now: time.Now}
}

// WithSessionCount adds the live session count to every report.
func (h *Handler) WithSessionCount(count func() int) *Handler {
	h.sessions = count
	return h
}

// WithCache reuses check results for ttl, so tight polling intervals do not
// turn into a request per provider per poll.
func (h *Handler) WithCache(ttl time.Duration) *Handler {
	h.cacheTTL = ttl
	return h
}

// SetDraining fails /readyz from now on, steering new sessions elsewhere
// while existing ones finish.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.write(w, true, nil)
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.run(r.Context())
	h.write(w, ok && !h.draining.Load(), checks)
}

// run evaluates all checkers, or returns the cached outcome while fresh.
func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil && h.now().Sub(h.cachedAt) < h.cacheTTL {
		return h.cached, h.cachedOK
	}

	outcomes := make([]string, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			if err := c.Check(cctx); err != nil {
				outcomes[i] = "fail: " + err.Error()
				return
			}
			outcomes[i] = "ok"
		})
	}
	wg.Wait()

	checks := make(map[string]string, len(outcomes))
	allOK := true
	for i, c := range h.checkers {
		checks[c.Name] = outcomes[i]
		allOK = allOK && outcomes[i] == "ok"
	}
	h.cached, h.cachedOK, h.cachedAt = checks, allOK, h.now()
	return checks, allOK
}

func (h *Handler) write(w http.ResponseWriter, ok bool, checks map[string]string) {
	rep := Report{Status: "ok", Draining: h.draining.Load(), Checks: checks}
	code := http.StatusOK
	if !ok {
		rep.Status, code = "fail", http.StatusServiceUnavailable
	}
	if h.sessions != nil {
		n := h.sessions()
		rep.Sessions = &n
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
