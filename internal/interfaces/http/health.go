package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// CheckFunc probes one dependency. It must honor the context deadline.
type CheckFunc func(ctx context.Context) error

// Health answers liveness and readiness probes. Liveness only proves the
// process is serving; readiness probes every registered dependency and
// reports each one by name.
type Health struct {
	timeout time.Duration
	names   []string
	checks  map[string]CheckFunc
	log     zerolog.Logger
}

// NewHealth builds a probe set with the given per-request budget shared by
// all checks.
func NewHealth(timeout time.Duration, log zerolog.Logger) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{
		timeout: timeout,
		checks:  make(map[string]CheckFunc),
		log:     log,
	}
}

// AddCheck registers a named dependency probe. The name appears verbatim in
// the readiness report. Re-registering a name replaces the check.
func (h *Health) AddCheck(name string, check CheckFunc) {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

type readinessReport struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Dependencies map[string]string `json:"dependencies"`
}

// Live reports 200 as long as the process can serve requests at all.
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
}

// Ready probes every dependency in registration order. Any failure turns the
// response into a 503 so orchestrators stop routing work to this process,
// but the body still reports each dependency individually so the broken one
// can be read off directly.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := readinessReport{
		Status:       "ready",
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]string, len(h.checks)),
	}

	var merr *multierror.Error
	for _, name := range h.names {
		if err := h.checks[name](ctx); err != nil {
			report.Dependencies[name] = err.Error()
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
			continue
		}
		report.Dependencies[name] = "ok"
	}

	status := http.StatusOK
	if err := merr.ErrorOrNil(); err != nil {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
		h.log.Warn().Err(err).Msg("readiness probe failed")
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
