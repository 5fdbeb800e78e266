package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is emitted once per state transition. The engine does not keep its own
// history; external consumers (logs, alerting, dashboards) subscribe to these.
type Event struct {
	ID         string    `json:"id"`
	ServiceID  string    `json:"serviceId"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent builds the transition event for svc, which must already be in its new state.
func NewEvent(svc Service, from State) Event {
	e := Event{
		ID:         uuid.NewString(),
		ServiceID:  svc.ID,
		From:       from,
		To:         svc.State,
		Generation: svc.Generation,
		At:         svc.StateSince,
		Reason:     svc.Reason,
	}
	if svc.State == StateError {
		e.Error = svc.LastError
	}
	return e
}
