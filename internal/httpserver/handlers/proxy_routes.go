package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/proxy"
)

type routeView struct {
	domain.RouteKey
	Route string `json:"route"`
	domain.RouteEntry
}

type routesResponse struct {
	Backend    string       `json:"backend"`
	LastSync   string       `json:"last_sync"`
	Desired    []routeView  `json:"desired"`
	Applied    []routeView  `json:"applied"`
	Drift      *proxy.Drift `json:"drift,omitempty"`
	DriftError string       `json:"drift_error,omitempty"`
}

// Routes shows the desired table, the applied table and the drift against
// what the proxy actually serves.
func Routes(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := routesResponse{
			Backend:  d.Routes.Backend(),
			LastSync: formatTime(d.Routes.LastSync()),
			Desired:  routeList(d.Registry.RouteTable()),
			Applied:  routeList(d.Routes.Applied()),
		}
		if drift, err := d.Routes.Drift(r.Context()); err != nil {
			resp.DriftError = err.Error()
		} else {
			resp.Drift = &drift
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func routeList(t domain.RouteTable) []routeView {
	out := make([]routeView, 0, len(t))
	for _, k := range t.Keys() {
		out = append(out, routeView{RouteKey: k, Route: k.String(), RouteEntry: t[k]})
	}
	return out
}
