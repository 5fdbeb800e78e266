package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
)

// Adopter aligns the registry with the runtime on startup: containers that are
// already running are taken through the wake path so they get a route.
type Adopter struct {
	reg         *registry.Registry
	runtime     container.Controller
	lifecycle   Lifecycle
	logger      logger.Logger
	concurrency int
}

// NewAdopter creates a new startup adopter
func NewAdopter(
	reg *registry.Registry,
	runtime container.Controller,
	lifecycle Lifecycle,
	log logger.Logger,
	concurrency int,
) *Adopter {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Adopter{
		reg:         reg,
		runtime:     runtime,
		lifecycle:   lifecycle,
		logger:      log,
		concurrency: concurrency,
	}
}

// Adopt force-wakes every Sleeping service whose container is already running.
// It returns how many services were adopted.
func (a *Adopter) Adopt(ctx context.Context) (int, error) {
	a.logger.Info("adopting running containers")

	if err := a.runtime.Ping(ctx); err != nil {
		return 0, err
	}

	var adopted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, svc := range a.reg.List() {
		if svc.State != domain.StateSleeping {
			continue
		}
		svc := svc
		g.Go(func() error {
			status, err := a.runtime.Status(gctx, svc.ContainerRef)
			if err != nil {
				a.logger.Warn("cannot inspect container",
					logger.Service(svc.ID),
					logger.String("container", svc.ContainerRef),
					logger.Error(err))
				return nil
			}
			if status != container.StatusRunning {
				return nil
			}
			if err := a.lifecycle.ForceWake(gctx, svc.ID); err != nil {
				a.logger.Warn("failed to adopt running container",
					logger.Service(svc.ID),
					logger.Error(err))
				return nil
			}
			adopted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(adopted.Load())
	if n == 0 {
		a.logger.Info("no running containers to adopt")
	} else {
		a.logger.Info("adopted running containers", logger.Int("count", n))
	}
	return n, nil
}
