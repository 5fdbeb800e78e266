package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/sources/catalog"
)

// ReloadResult summarizes one catalog reload.
type ReloadResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// CatalogReloader handles periodic reloading of the service catalog
type CatalogReloader struct {
	loader        *catalog.Loader
	mapper        *catalog.Mapper
	reg           *registry.Registry
	lifecycle     Lifecycle
	routes        RouteSyncer
	store         Snapshotter // optional
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	manualTrigger chan struct{}
}

// NewCatalogReloader creates a new catalog reloader
func NewCatalogReloader(
	serviceFile string,
	defaults catalog.Defaults,
	reg *registry.Registry,
	lifecycle Lifecycle,
	routes RouteSyncer,
	store Snapshotter,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *CatalogReloader {
	return &CatalogReloader{
		loader:        catalog.NewLoader(serviceFile),
		mapper:        catalog.NewMapper(defaults),
		reg:           reg,
		lifecycle:     lifecycle,
		routes:        routes,
		store:         store,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start loads the catalog once (failing hard if it cannot) and begins the periodic reload
func (cr *CatalogReloader) Start(ctx context.Context) error {
	if _, err := cr.Reload(ctx); err != nil {
		close(cr.doneCh)
		return fmt.Errorf("initial reload failed: %w", err)
	}

	ticker := time.NewTicker(cr.interval)
	go func() {
		defer close(cr.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := cr.Reload(ctx); err != nil {
					cr.logger.Error("failed to reload services",
						logger.Error(err))
				}
			case <-cr.manualTrigger:
				cr.logger.Info("manual reload triggered")
				if _, err := cr.Reload(ctx); err != nil {
					cr.logger.Error("failed to reload services",
						logger.Error(err))
				}
			case <-cr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reloader
func (cr *CatalogReloader) Stop() {
	select {
	case <-cr.stopCh:
	default:
		close(cr.stopCh)
	}
	<-cr.doneCh
}

// Reload loads the catalog and converges the registry on it.
// An invalid file leaves the registry untouched.
func (cr *CatalogReloader) Reload(ctx context.Context) (ReloadResult, error) {
	var res ReloadResult
	cr.logger.Info("reloading services", logger.String("file", cr.loader.Path()))

	file, err := cr.loader.Load()
	if err != nil {
		return res, fmt.Errorf("failed to load services: %w", err)
	}
	services, err := cr.mapper.MapServices(file)
	if err != nil {
		return res, fmt.Errorf("failed to map services: %w", err)
	}

	wanted := make(map[string]domain.Service, len(services))
	for _, svc := range services {
		wanted[svc.ID] = svc
	}

	// Removals first so a route key can move from one service to another in a single reload.
	for _, id := range cr.reg.IDs() {
		if _, ok := wanted[id]; ok {
			continue
		}
		cr.remove(ctx, id)
		res.Removed = append(res.Removed, id)
	}

	var errs []error
	for _, svc := range services {
		current, exists := cr.reg.Get(svc.ID)
		if !exists {
			if err := cr.reg.Register(svc); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Added = append(res.Added, svc.ID)
			continue
		}
		if sameConfig(current, svc) {
			continue
		}
		if err := cr.reg.UpdateConfig(svc); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Updated = append(res.Updated, svc.ID)
	}

	if len(res.Removed) > 0 || len(res.Updated) > 0 {
		if err := cr.routes.Sync(ctx); err != nil {
			cr.logger.Warn("route sync after reload failed, resync will retry",
				logger.Error(err))
		}
	}

	cr.saveSnapshots(ctx)

	cr.logger.Info("services reloaded",
		logger.Int("count", len(services)),
		logger.Strings("added", res.Added),
		logger.Strings("updated", res.Updated),
		logger.Strings("removed", res.Removed))

	if len(errs) > 0 {
		return res, fmt.Errorf("some services could not be applied: %w", errors.Join(errs...))
	}
	cr.reg.MarkReloaded(cr.reg.Now())
	return res, nil
}

// remove puts a service that left the catalog to sleep, then forgets it.
// A wake in flight is allowed to resolve first so its container can be stopped.
func (cr *CatalogReloader) remove(ctx context.Context, id string) {
	svc, ok := cr.reg.Get(id)
	if ok && svc.State == domain.StateWaking {
		if err := cr.lifecycle.Settle(ctx, id); err != nil {
			cr.logger.Warn("removing service with a wake in flight",
				logger.Service(id),
				logger.Error(err))
		}
		svc, ok = cr.reg.Get(id)
	}
	if ok {
		switch {
		case svc.State == domain.StateRunning, svc.State == domain.StateError:
			if err := cr.lifecycle.ForceSleep(ctx, id); err != nil && !domain.IsBenign(err) {
				cr.logger.Warn("failed to stop removed service",
					logger.Service(id),
					logger.Error(err))
			}
		case svc.State.Busy():
			cr.logger.Warn("removing service with a transition in flight",
				logger.Service(id),
				logger.String("state", svc.State.String()))
		}
	}
	if _, err := cr.reg.Unregister(id); err != nil {
		cr.logger.Warn("failed to unregister service", logger.Service(id), logger.Error(err))
		return
	}
	cr.logger.Info("service removed from catalog", logger.Service(id))
}

func (cr *CatalogReloader) saveSnapshots(ctx context.Context) {
	if cr.store == nil {
		return
	}
	if err := cr.store.SaveServicesMany(ctx, cr.reg.List()); err != nil {
		cr.logger.Warn("failed to save services to redis", logger.Error(err))
		return
	}
	if n, err := cr.store.Prune(ctx, cr.reg.IDs()); err != nil {
		cr.logger.Warn("failed to prune services in redis", logger.Error(err))
	} else if n > 0 {
		cr.logger.Debug("pruned service snapshots", logger.Int("count", n))
	}
}

// sameConfig compares the static configuration of two records.
func sameConfig(a, b domain.Service) bool {
	return a.ContainerRef == b.ContainerRef &&
		a.Route == b.Route.Normalize() &&
		a.Upstream == b.Upstream &&
		a.IdleTimeout == b.IdleTimeout &&
		a.WakeTimeout == b.WakeTimeout &&
		a.HealthCheck == b.HealthCheck
}
