// Package container drives the container runtime. Every call is a single
// attempt: retries belong to the caller that owns the budget.
package container

import (
	"context"
	"time"
)

// Status is the runtime view of a container.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Action is a container lifecycle event kind.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionDie   Action = "die"
)

// Event is a container lifecycle change observed on the runtime.
type Event struct {
	ContainerID string
	Name        string
	Action      Action
	At          time.Time
}

// Controller is the runtime control surface.
//
//   - Start returns domain.ErrAlreadyInState when the container already runs.
//   - Stop returns domain.ErrAlreadyInState when the container is already stopped.
//   - Both return domain.ErrNotFound for unknown containers, domain.ErrUnreachable
//     when the runtime API does not answer and domain.ErrRuntimeFailure otherwise.
type Controller interface {
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Status(ctx context.Context, ref string) (Status, error)

	// Address returns the container IP on network (any network when empty).
	Address(ctx context.Context, ref, network string) (string, error)

	// Watch streams lifecycle events until ctx ends or the stream breaks.
	Watch(ctx context.Context) (<-chan Event, <-chan error)

	Ping(ctx context.Context) error
}
