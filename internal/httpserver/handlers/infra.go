package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
)

const pingTimeout = 2 * time.Second

type componentStatus struct {
	OK             bool   `json:"ok"`
	ServicesLoaded *int   `json:"services_loaded,omitempty"`
	RoutesApplied  *int   `json:"routes_applied,omitempty"`
	LastReload     string `json:"last_reload,omitempty"`
	LastSync       string `json:"last_sync,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Impact         string `json:"impact,omitempty"`
	Error          string `json:"error,omitempty"`
}

type infraResponse struct {
	Status     string                     `json:"status"`
	States     map[domain.State]int       `json:"states"`
	Components map[string]componentStatus `json:"components"`
}

// Infra reports the status of every collaborator the engine depends on.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servicesCount := d.Registry.Count()
		components := map[string]componentStatus{
			"catalog": {
				OK:             !d.Registry.LastReload().IsZero(),
				ServicesLoaded: &servicesCount,
				LastReload:     formatTime(d.Registry.LastReload()),
			},
			"runtime": checkRuntime(r.Context(), d),
			"proxy":   checkProxy(r.Context(), d),
			"redis":   checkRedis(r.Context(), d),
		}

		states := make(map[domain.State]int)
		for _, svc := range d.Registry.List() {
			states[svc.State]++
		}

		writeJSON(w, http.StatusOK, infraResponse{
			Status:     overallStatus(components),
			States:     states,
			Components: components,
		})
	}
}

// overallStatus is critical when wakes cannot work, degraded when only optional parts are down.
func overallStatus(components map[string]componentStatus) string {
	for _, name := range []string{"catalog", "runtime", "proxy"} {
		if c, ok := components[name]; ok && !c.OK {
			return "critical"
		}
	}
	if c, ok := components["redis"]; ok && !c.OK && c.Mode != "disabled" {
		return "degraded"
	}
	return "ok"
}

func checkRuntime(ctx context.Context, d deps.Deps) componentStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := d.Runtime.Ping(ctx); err != nil {
		return componentStatus{OK: false, Impact: "wake-disabled", Error: err.Error()}
	}
	return componentStatus{OK: true}
}

func checkProxy(ctx context.Context, d deps.Deps) componentStatus {
	applied := len(d.Routes.Applied())
	status := componentStatus{
		Mode:          d.Routes.Backend(),
		RoutesApplied: &applied,
		LastSync:      formatTime(d.Routes.LastSync()),
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := d.Routes.Ping(ctx); err != nil {
		status.Impact = "route-updates-disabled"
		status.Error = err.Error()
		return status
	}
	status.OK = true
	return status
}

func checkRedis(ctx context.Context, d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{
			OK:     false,
			Mode:   "disabled",
			Impact: "event-history-disabled",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := d.RedisClient.Ping(ctx).Err(); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "event-history-disabled",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Mode: "optimal"}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
