package deps

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/proxy"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

// Lifecycle is the administrative trigger surface of the wake coordinator.
type Lifecycle interface {
	ForceWake(ctx context.Context, id string) error
	ForceSleep(ctx context.Context, id string) error
	Trigger(id string, force bool, reason string) error
	InFlight(id string) (wake.Info, bool)
}

// Routes is the read side of the proxy synchronizer.
type Routes interface {
	Backend() string
	Applied() domain.RouteTable
	LastSync() time.Time
	Drift(ctx context.Context) (proxy.Drift, error)
	Ping(ctx context.Context) error
}

// Pinger is anything with a liveness check (ex: the container runtime).
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventFeed streams live transition events.
type EventFeed interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// EventLog returns recent transition events, newest first.
type EventLog interface {
	Recent(ctx context.Context, n int64) ([]domain.Event, error)
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	AllowedHosts   []string           // Host headers allowed to access the admin API
	AllowedCIDRS   []string           // IPs allowed to access the admin API
	TrustProxy     bool               // true if running behind a trusted reverse proxy
	ServiceFile    string             // Path to the service catalog
	Registry       *registry.Registry // Authoritative service state
	Lifecycle      Lifecycle          // Force wake/sleep
	Routes         Routes             // Proxy synchronizer
	Runtime        Pinger             // Container runtime
	RedisClient    *redis.Client      // nil when Redis is not configured
	Events         EventFeed          // Live transition events
	EventLog       EventLog           // nil when Redis is not configured
	ReloadTrigger  chan struct{}      // Channel to trigger a manual catalog reload
	WaitTimeout    time.Duration      // Bound on ?wait=true force-wake calls
	TriggerLimiter *mw.Limiter        // Per-IP budget for wake, sleep and reload calls; nil disables it
}
