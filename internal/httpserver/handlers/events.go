package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/logger"
)

const (
	eventsBuffer     = 64
	eventsWriteWait  = 5 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsPongWait   = 2 * eventsPingPeriod

	defaultRecentEvents = 50
	maxRecentEvents     = 1000
)

// Events streams every transition event over a websocket.
// The stream starts with one "snapshot" message holding the current services.
func Events(d deps.Deps) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 4096,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already answered the client.
			d.Logger.Debug("websocket upgrade failed", logger.Error(err))
			return
		}
		defer func() {
			_ = conn.Close()
		}()

		events, cancel := d.Events.Subscribe(eventsBuffer)
		defer cancel()

		d.Logger.Debug("events client connected", logger.String("remote_ip", r.RemoteAddr))

		// The read side only serves control frames; it ends when the client leaves.
		closed := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		if err := writeMessage(conn, streamMessage{Type: "snapshot", Services: d.Registry.List()}); err != nil {
			return
		}

		ping := time.NewTicker(eventsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(eventsWriteWait))
					return
				}
				if err := writeMessage(conn, streamMessage{Type: "transition", Event: &e}); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
			case <-closed:
				d.Logger.Debug("events client disconnected", logger.String("remote_ip", r.RemoteAddr))
				return
			}
		}
	}
}

type streamMessage struct {
	Type     string           `json:"type"`
	Event    *domain.Event    `json:"event,omitempty"`
	Services []domain.Service `json:"services,omitempty"`
}

func writeMessage(conn *websocket.Conn, m streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return conn.WriteJSON(m)
}

type recentEventsResponse struct {
	Count  int            `json:"count"`
	Events []domain.Event `json:"events"`
}

// RecentEvents returns the tail of the Redis event stream (?n=, default 50).
func RecentEvents(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.EventLog == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event history requires redis"})
			return
		}

		n := int64(defaultRecentEvents)
		if raw := r.URL.Query().Get("n"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 1 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "n must be a positive integer"})
				return
			}
			n = min(v, maxRecentEvents)
		}

		events, err := d.EventLog.Recent(r.Context(), n)
		if err != nil {
			d.Logger.Warn("failed to read event history", logger.Error(err))
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to read event history"})
			return
		}
		if events == nil {
			events = []domain.Event{}
		}
		writeJSON(w, http.StatusOK, recentEventsResponse{Count: len(events), Events: events})
	}
}
