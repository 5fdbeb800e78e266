package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/handlers"
)

func init() { Register(registerProxy) }

func registerProxy(r chi.Router, d deps.Deps) {
	readOnly(guarded(r, d)).Get("/api/routes", handlers.Routes(d))
	triggers(guarded(r, d), d).Post("/api/reload", handlers.Reload(d))
}
