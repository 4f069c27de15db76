package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes. Healthz reports build
// metadata unconditionally; Readyz consults the system service and turns
// degraded dependencies into a 503.
type HealthHandlers struct {
	build  services.BuildInfo
	clock  func() time.Time
	system services.SystemService
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthSystemService attaches the dependency probe backing /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// NewHealthHandlers constructs health endpoints. Without a system service,
// /readyz degrades to the same static report as /healthz.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version,omitempty"`
	CommitSHA   string   `json:"commitSha,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Uptime      string   `json:"uptime,omitempty"`
	GeneratedAt string   `json:"generatedAt"`
	Details     []string `json:"details,omitempty"`
}

// Healthz reports process liveness with build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).String(),
		GeneratedAt: now.Format(time.RFC3339Nano),
	})
}

// Readyz reports whether dependencies are reachable. A degraded or failed
// dependency yields 503 with the failing checks listed.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, healthResponse{
			Status:      domain.HealthStatusOK,
			Version:     h.build.Version,
			CommitSHA:   h.build.CommitSHA,
			Environment: h.build.Environment,
			GeneratedAt: now.Format(time.RFC3339Nano),
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	resp := healthResponse{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		GeneratedAt: now.Format(time.RFC3339Nano),
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.String()
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
		resp.Details = failingChecks(report.Checks)
	}
	writeJSONResponse(w, status, resp)
}

func failingChecks(checks map[string]domain.SystemHealthCheck) []string {
	var details []string
	for name, check := range checks {
		if check.Status == domain.HealthStatusOK || check.Status == "" {
			continue
		}
		detail := name + ": " + check.Status
		if check.Error != "" {
			detail = name + ": " + check.Error
		}
		details = append(details, detail)
	}
	sort.Strings(details)
	return details
}
