package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/listing-auditor/api/internal/domain"
	"github.com/listing-auditor/api/internal/platform/httpx"
	"github.com/listing-auditor/api/internal/services"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service that collects dependency checks for /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock used for uptime.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers builds the probe handlers. Without a system service
// /readyz reports ok with no checks.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        domain.HealthStatusOK,
		"version":       h.build.Version,
		"commitSha":     h.build.CommitSHA,
		"environment":   h.build.Environment,
		"uptimeSeconds": int64(now.Sub(h.build.StartedAt).Seconds()),
		"timestamp":     now.Format(time.RFC3339),
	})
}

type readinessCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readinessResponse struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version,omitempty"`
	CommitSHA     string                    `json:"commitSha,omitempty"`
	Environment   string                    `json:"environment,omitempty"`
	UptimeSeconds int64                     `json:"uptimeSeconds"`
	GeneratedAt   string                    `json:"generatedAt"`
	Checks        map[string]readinessCheck `json:"checks"`
	Details       []string                  `json:"details,omitempty"`
}

// Readyz reports whether dependencies are usable. Anything other than "ok"
// answers 503 so the load balancer stops routing webhooks here.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.clock().UTC()

	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readinessResponse{
			Status:      domain.HealthStatusOK,
			GeneratedAt: now.Format(time.RFC3339),
			Checks:      map[string]readinessCheck{},
		})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, readinessResponse{
			Status:      domain.HealthStatusError,
			GeneratedAt: now.Format(time.RFC3339),
			Checks:      map[string]readinessCheck{},
			Details:     []string{fmt.Sprintf("health: %v", err)},
		})
		return
	}

	resp := readinessResponse{
		Status:        report.Status,
		Version:       report.Version,
		CommitSHA:     report.CommitSHA,
		Environment:   report.Environment,
		UptimeSeconds: int64(report.Uptime.Seconds()),
		GeneratedAt:   ensureTime(report.GeneratedAt, now).Format(time.RFC3339),
		Checks:        make(map[string]readinessCheck, len(report.Checks)),
	}
	if resp.Status == "" {
		resp.Status = domain.HealthStatusOK
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		entry := readinessCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			entry.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = entry
		if check.Status != domain.HealthStatusOK && check.Status != "" {
			reason := check.Error
			if reason == "" {
				reason = check.Detail
			}
			if reason == "" {
				reason = check.Status
			}
			resp.Details = append(resp.Details, name+": "+reason)
		}
	}

	status := http.StatusOK
	if resp.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}

func ensureTime(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}
