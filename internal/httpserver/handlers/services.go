package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

const defaultWaitTimeout = 60 * time.Second

// serviceView is a service record as the dashboard renders it.
type serviceView struct {
	domain.Service
	IdleSeconds *float64   `json:"idleSeconds,omitempty"`
	Wake        *wake.Info `json:"wake,omitempty"`
}

type servicesResponse struct {
	Count    int           `json:"count"`
	Services []serviceView `json:"services"`
}

func viewOf(d deps.Deps, svc domain.Service) serviceView {
	v := serviceView{Service: svc}
	if svc.State == domain.StateRunning {
		idle := svc.IdleFor(d.Registry.Now()).Seconds()
		v.IdleSeconds = &idle
	}
	if info, ok := d.Lifecycle.InFlight(svc.ID); ok {
		v.Wake = &info
	}
	return v
}

// ListServices returns every service with its current state, optionally
// filtered with ?state=.
func ListServices(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter domain.State
		if raw := r.URL.Query().Get("state"); raw != "" {
			s, err := domain.ParseState(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
			filter = s
		}

		services := d.Registry.List()
		out := servicesResponse{Services: make([]serviceView, 0, len(services))}
		for _, svc := range services {
			if filter != "" && svc.State != filter {
				continue
			}
			out.Services = append(out.Services, viewOf(d, svc))
		}
		out.Count = len(out.Services)
		writeJSON(w, http.StatusOK, out)
	}
}

// GetService returns one service.
func GetService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := lookup(w, r, d)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(d, svc))
	}
}

// WakeService force-wakes a service. With ?wait=true the call blocks until the
// attempt resolves (bounded by the configured wait timeout); otherwise it
// returns 202 as soon as the attempt is started.
func WakeService(d deps.Deps) http.HandlerFunc {
	timeout := d.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := lookup(w, r, d)
		if !ok {
			return
		}

		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		d.Logger.Info("force wake requested",
			logger.Service(svc.ID),
			logger.Bool("wait", wait),
			logger.String("remote_ip", r.RemoteAddr))

		if !wait {
			if err := d.Lifecycle.Trigger(svc.ID, true, "forced"); err != nil {
				writeError(w, err)
				return
			}
			current, _ := d.Registry.Get(svc.ID)
			writeJSON(w, http.StatusAccepted, viewOf(d, current))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		err := d.Lifecycle.ForceWake(ctx, svc.ID)
		current, _ := d.Registry.Get(svc.ID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, viewOf(d, current))
		case errors.Is(err, wake.ErrStillWaking):
			writeJSON(w, http.StatusAccepted, viewOf(d, current))
		default:
			writeError(w, err)
		}
	}
}

// SleepService force-sleeps a Running or Error service.
func SleepService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := lookup(w, r, d)
		if !ok {
			return
		}

		d.Logger.Info("force sleep requested",
			logger.Service(svc.ID),
			logger.String("remote_ip", r.RemoteAddr))

		// The stop sequence bounds itself and must not be cut short by a client leaving.
		if err := d.Lifecycle.ForceSleep(context.WithoutCancel(r.Context()), svc.ID); err != nil && !errors.Is(err, domain.ErrAlreadyInState) {
			writeError(w, err)
			return
		}
		current, _ := d.Registry.Get(svc.ID)
		writeJSON(w, http.StatusOK, viewOf(d, current))
	}
}

// ReportActivity records traffic the proxy forwarded directly to a Running service.
func ReportActivity(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := lookup(w, r, d)
		if !ok {
			return
		}
		if !d.Registry.Touch(svc.ID) {
			writeError(w, fmt.Errorf("service %s is %s: %w", svc.ID, svc.State, domain.ErrConflict))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func lookup(w http.ResponseWriter, r *http.Request, d deps.Deps) (domain.Service, bool) {
	id := chi.URLParam(r, "id")
	svc, ok := d.Registry.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("service %q: %w", id, domain.ErrNotFound))
		return domain.Service{}, false
	}
	return svc, true
}
