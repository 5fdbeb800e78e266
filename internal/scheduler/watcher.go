package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
)

// Watcher follows container lifecycle events so that containers started or
// stopped outside the engine are reflected in the registry and the proxy.
type Watcher struct {
	reg       *registry.Registry
	runtime   container.Controller
	lifecycle Lifecycle
	logger    logger.Logger

	// InitialBackoff and MaxBackoff bound the reconnect delay after the event stream drops.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	cancel   context.CancelFunc
	doneCh   chan struct{}
	handlers sync.WaitGroup
}

// NewWatcher creates a new container event watcher
func NewWatcher(reg *registry.Registry, runtime container.Controller, lifecycle Lifecycle, log logger.Logger) *Watcher {
	return &Watcher{
		reg:            reg,
		runtime:        runtime,
		lifecycle:      lifecycle,
		logger:         log,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		doneCh:         make(chan struct{}),
	}
}

// Start subscribes to the runtime event stream, reconnecting with backoff until stopped.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.InitialBackoff
	b.MaxInterval = w.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	go func() {
		defer close(w.doneCh)
		for {
			received, err := w.consume(ctx)
			if ctx.Err() != nil {
				return
			}
			if received {
				b.Reset()
			}

			wait := b.NextBackOff()
			w.logger.Warn("container event stream lost, reconnecting",
				logger.Duration("next_retry_in", wait),
				logger.Error(err))

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
	return nil
}

// Stop closes the event stream and waits for in-progress handlers.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.doneCh
	w.handlers.Wait()
}

// consume reads one event stream until it ends. It reports whether any event
// was received and the error that ended the stream, if any.
func (w *Watcher) consume(ctx context.Context) (bool, error) {
	events, errs := w.runtime.Watch(ctx)
	w.logger.Debug("watching container events")

	received := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					return received, err
				default:
					return received, nil
				}
			}
			received = true
			w.Handle(ctx, ev)
		case err := <-errs:
			return received, err
		}
	}
}

// Handle applies one runtime event. Events for services in Waking or Stopping
// are the engine's own actions and are ignored.
func (w *Watcher) Handle(ctx context.Context, ev container.Event) {
	svc, ok := w.reg.ByContainer(ev.Name, ev.ContainerID)
	if !ok {
		return
	}

	switch ev.Action {
	case container.ActionDie, container.ActionStop:
		if svc.State != domain.StateRunning {
			return
		}
		w.logger.Warn("container stopped outside the engine",
			logger.Service(svc.ID),
			logger.String("action", string(ev.Action)))

		// The sleep sequence can take up to its stop timeout; keep reading events meanwhile.
		w.handlers.Add(1)
		go func() {
			defer w.handlers.Done()
			if err := w.lifecycle.ContainerExited(ctx, svc.ID); err != nil && !domain.IsBenign(err) {
				w.logger.Error("failed to reconcile exited container",
					logger.Service(svc.ID),
					logger.Error(err))
			}
		}()

	case container.ActionStart:
		if svc.State != domain.StateSleeping {
			return
		}
		w.logger.Info("container started outside the engine, adopting",
			logger.Service(svc.ID))
		if err := w.lifecycle.Trigger(svc.ID, false, "container started"); err != nil {
			w.logger.Error("failed to adopt started container",
				logger.Service(svc.ID),
				logger.Error(err))
		}
	}
}
