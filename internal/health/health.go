// Package health serves the admin endpoints of a running livevoice process:
// GET /healthz (liveness), GET /readyz (named readiness checks) and
// GET /status (a JSON snapshot of the voice session).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds every readiness check.
const checkTimeout = 2 * time.Second

// CheckFunc reports nil when the probed dependency is usable.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck adds a readiness check reported under name.
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) { h.checks = append(h.checks, check{name: name, fn: fn}) }
}

// WithStatus sets the source of the /status body. Without it /status
// answers 404.
func WithStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

// Handler serves the admin endpoints. It is immutable after New.
type Handler struct {
	checks []check
	status func() any
}

// New returns a Handler configured by opts.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Name     string  `json:"name"`
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_ms"`
}

// Report is the body of /healthz and /readyz.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// Healthz answers 200 while the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz runs every check concurrently and answers 200 only if all pass.
// Results keep registration order.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.fn(ctx)
			res := CheckResult{
				Name:     c.name,
				OK:       err == nil,
				Duration: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: results}
	code := http.StatusOK
	for _, res := range results {
		if !res.OK {
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, rep)
}

// Status serves the snapshot from [WithStatus].
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, h.status())
}

// Register mounts the handlers on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
