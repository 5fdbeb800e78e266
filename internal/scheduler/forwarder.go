package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
)

// Subscriber is the part of the event bus the forwarder reads from.
type Subscriber interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// Forwarder logs every transition event once and hands it to the optional
// sinks (Redis stream, snapshot store).
type Forwarder struct {
	bus     Subscriber
	reg     *registry.Registry
	sink    EventSink   // optional
	store   Snapshotter // optional
	logger  logger.Logger
	timeout time.Duration
	buffer  int

	cancel func()
	doneCh chan struct{}
}

// NewForwarder creates a new event forwarder
func NewForwarder(bus Subscriber, reg *registry.Registry, sink EventSink, store Snapshotter, log logger.Logger) *Forwarder {
	return &Forwarder{
		bus:     bus,
		reg:     reg,
		sink:    sink,
		store:   store,
		logger:  log,
		timeout: 2 * time.Second,
		buffer:  1024,
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to the bus and forwards until the subscription is closed.
func (f *Forwarder) Start(ctx context.Context) error {
	events, cancel := f.bus.Subscribe(f.buffer)
	f.cancel = cancel

	go func() {
		defer close(f.doneCh)
		for e := range events {
			f.Forward(ctx, e)
		}
	}()
	return nil
}

// Stop unsubscribes and waits for queued events to be forwarded.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.doneCh
}

// Forward handles a single event.
func (f *Forwarder) Forward(ctx context.Context, e domain.Event) {
	fields := []logger.Field{
		logger.Service(e.ServiceID),
		logger.String("from", e.From.String()),
		logger.String("to", e.To.String()),
		logger.Uint64("generation", e.Generation),
		logger.String("reason", e.Reason),
	}
	if e.To == domain.StateError {
		f.logger.Error("service state changed", append(fields, logger.String("error", e.Error))...)
	} else {
		f.logger.Info("service state changed", fields...)
	}

	// Sinks must not hold up shutdown once ctx is gone.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if f.sink != nil {
		if err := f.sink.Append(sctx, e); err != nil {
			f.logger.Warn("failed to publish event", logger.Service(e.ServiceID), logger.Error(err))
		}
	}
	if f.store != nil {
		if svc, ok := f.reg.Get(e.ServiceID); ok {
			if err := f.store.SaveService(sctx, svc); err != nil {
				f.logger.Warn("failed to save service snapshot", logger.Service(e.ServiceID), logger.Error(err))
			}
		}
	}
}
