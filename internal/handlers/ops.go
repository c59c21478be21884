package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"notifyhub/internal/breaker"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) bool

type HealthHandler struct {
	checks map[string]Check
	now    func() time.Time
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks, now: time.Now}
}

type healthReport struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  map[string]bool `json:"services"`
}

// ServeHTTP runs every check and answers 503 when any of them fails.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := healthReport{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Services:  make(map[string]bool, len(names)),
	}
	for _, name := range names {
		ok := h.checks[name](ctx)
		report.Services[name] = ok
		if !ok {
			report.Status = "unhealthy"
		}
	}

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Breakers lists the state of every circuit breaker.
func Breakers(reg *breaker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, reg.All(), "Circuit breaker stats retrieved successfully")
	}
}
