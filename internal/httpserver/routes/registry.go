package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
)

type (
	Registrar  func(r chi.Router, d deps.Deps)
	Middleware = func(http.Handler) http.Handler
)

// apiTimeout bounds admin calls that only read state.
const apiTimeout = 5 * time.Second

type entry struct {
	reg Registrar
	mws []Middleware
}

var registrars []entry

// Register a registrar with optional per-route middlewares.
func Register(reg Registrar, mws ...Middleware) {
	registrars = append(registrars, entry{reg: reg, mws: mws})
}

// Called once from server.New()
func RegisterAll(r chi.Router, d deps.Deps) {
	for _, e := range registrars {
		if len(e.mws) == 0 {
			e.reg(r, d)
			continue
		}
		sub := r.With(e.mws...) // apply per-route middlewares
		e.reg(sub, d)
	}
}

// guarded restricts a route to allowed client IPs and Host headers.
func guarded(r chi.Router, d deps.Deps) chi.Router {
	return r.With(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger), mw.EnforceHost(d.AllowedHosts, d.Logger))
}

// triggers rate limits the calls that start or stop work. A nil limiter disables it.
func triggers(r chi.Router, d deps.Deps) chi.Router {
	if d.TriggerLimiter == nil {
		return r
	}
	return r.With(mw.Limit(d.TriggerLimiter))
}

// readOnly adds the request timeout of read-only admin calls.
func readOnly(r chi.Router) chi.Router {
	return r.With(middleware.Timeout(apiTimeout))
}
