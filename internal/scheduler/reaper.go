package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
)

// Reaper puts Running services to sleep once they exceed their idle timeout.
type Reaper struct {
	reg         *registry.Registry
	lifecycle   Lifecycle
	logger      logger.Logger
	interval    time.Duration
	concurrency int
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewReaper creates a new idle reaper
func NewReaper(
	reg *registry.Registry,
	lifecycle Lifecycle,
	log logger.Logger,
	interval time.Duration,
	concurrency int,
) *Reaper {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reaper{
		reg:         reg,
		lifecycle:   lifecycle,
		logger:      log,
		interval:    interval,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the periodic idle check
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer close(r.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the reaper and waits for the current pass to finish
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Reap stops every idle service and returns how many were put to sleep.
// Idleness is checked again under the service lock, so a request that
// arrives in between keeps the service up.
func (r *Reaper) Reap(ctx context.Context) int {
	now := r.reg.Now()

	var candidates []domain.Service
	for _, svc := range r.reg.List() {
		if svc.Idle(now) {
			candidates = append(candidates, svc)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("no idle services")
		return 0
	}

	var slept atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, svc := range candidates {
		svc := svc
		g.Go(func() error {
			ok, err := r.lifecycle.ReapIfIdle(gctx, svc.ID)
			if err != nil {
				r.logger.Error("failed to put idle service to sleep",
					logger.Service(svc.ID),
					logger.Error(err))
				return nil
			}
			if ok {
				slept.Add(1)
				r.logger.Info("idle service put to sleep",
					logger.Service(svc.ID),
					logger.Duration("idle_for", svc.IdleFor(now)))
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(slept.Load())
}
