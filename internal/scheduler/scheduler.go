// Package scheduler runs the background loops of the engine: idle reaping,
// catalog reload, proxy resync, container event watching, startup adoption and
// event forwarding. Each loop follows the same Start/Stop contract.
package scheduler

import (
	"context"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// Lifecycle is the part of the wake coordinator the loops drive.
type Lifecycle interface {
	ForceWake(ctx context.Context, id string) error
	ForceSleep(ctx context.Context, id string) error
	ReapIfIdle(ctx context.Context, id string) (bool, error)
	ContainerExited(ctx context.Context, id string) error
	Trigger(id string, force bool, reason string) error
	Settle(ctx context.Context, id string) error
}

// RouteSyncer is the part of the proxy synchronizer the loops drive.
type RouteSyncer interface {
	Sync(ctx context.Context) error
	Resync(ctx context.Context) error
}

// EventSink receives every transition event (ex: a Redis stream).
type EventSink interface {
	Append(ctx context.Context, e domain.Event) error
}

// Snapshotter keeps an external copy of service records (ex: Redis).
type Snapshotter interface {
	SaveService(ctx context.Context, svc domain.Service) error
	SaveServicesMany(ctx context.Context, services []domain.Service) error
	Prune(ctx context.Context, keep []string) (int, error)
}

// DefaultConcurrency bounds how many services a loop acts on at once.
const DefaultConcurrency = 4
