package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/handlers"
)

func init() { Register(registerServices) }

func registerServices(r chi.Router, d deps.Deps) {
	g := guarded(r, d)
	readOnly(g).Get("/api/services", handlers.ListServices(d))
	readOnly(g).Get("/api/services/{id}", handlers.GetService(d))
	readOnly(g).Post("/api/services/{id}/activity", handlers.ReportActivity(d))

	// Wake and sleep carry their own budgets.
	triggers(g, d).Post("/api/services/{id}/wake", handlers.WakeService(d))
	triggers(g, d).Post("/api/services/{id}/sleep", handlers.SleepService(d))
}
