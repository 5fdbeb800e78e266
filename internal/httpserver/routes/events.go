package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/handlers"
)

func init() { Register(registerEvents) }

func registerEvents(r chi.Router, d deps.Deps) {
	// No request timeout on the websocket: it lives as long as the client.
	guarded(r, d).Get("/api/events", handlers.Events(d))
	readOnly(guarded(r, d)).Get("/api/events/recent", handlers.RecentEvents(d))
}
