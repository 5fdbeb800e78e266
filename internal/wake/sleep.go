package wake

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
)

// errNotIdle is returned when a reap races with fresh activity.
var errNotIdle = errors.New("service not idle")

// ReapIfIdle puts id to sleep if it is still Running and idle when the lock is taken.
// It reports whether a sleep sequence ran.
func (c *Coordinator) ReapIfIdle(ctx context.Context, id string) (bool, error) {
	err := c.sleep(ctx, id, false, "idle")
	switch {
	case errors.Is(err, errNotIdle), errors.Is(err, domain.ErrAlreadyInState):
		return false, nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return false, nil
	case err != nil:
		return true, err
	}
	return true, nil
}

// ForceSleep is the administrative trigger. Running and Error services are stopped.
func (c *Coordinator) ForceSleep(ctx context.Context, id string) error {
	return c.sleep(ctx, id, true, "forced")
}

// ContainerExited handles a container that stopped outside the engine.
func (c *Coordinator) ContainerExited(ctx context.Context, id string) error {
	return c.sleep(ctx, id, true, "container exited")
}

func (c *Coordinator) sleep(ctx context.Context, id string, force bool, reason string) error {
	var snapshot domain.Service

	err := c.reg.WithLock(id, func(tx *registry.Tx) error {
		svc := tx.Service()
		switch svc.State {
		case domain.StateSleeping:
			return fmt.Errorf("service %s: %w", id, domain.ErrAlreadyInState)
		case domain.StateWaking, domain.StateStopping:
			return fmt.Errorf("service %s: %w: %s", id, domain.ErrConflict, svc.State)
		case domain.StateRunning:
			if !force && !svc.Idle(tx.Now()) {
				return errNotIdle
			}
		case domain.StateError:
			if !force {
				return fmt.Errorf("service %s: %w: error state needs a forced sleep", id, domain.ErrInvalidTransition)
			}
		}
		if err := tx.Transition(domain.StateStopping, reason); err != nil {
			return err
		}
		snapshot = *svc
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("putting service to sleep",
		logger.Service(id),
		logger.Uint64("generation", snapshot.Generation),
		logger.String("reason", reason))

	// Once Stopping is committed the sequence runs to the end, even on shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopTimeout)
	defer cancel()
	return c.stopSequence(ctx, snapshot)
}

// stopSequence removes the route first, then stops the container.
func (c *Coordinator) stopSequence(ctx context.Context, svc domain.Service) error {
	gen := svc.Generation

	if err := c.syncRoutes(ctx, svc.ID); err != nil && !c.routeSettled(svc.ID) {
		err = fmt.Errorf("service %s: route removal failed, container left running: %w", svc.ID, err)
		c.logger.Error("sleep aborted", logger.Service(svc.ID), logger.Error(err))
		_ = c.fail(svc.ID, gen, domain.StateStopping, "route removal failed", err)
		return err
	}

	err := c.retryPolicy("stop", svc.ID).Do(ctx, func(ctx context.Context) error {
		err := c.runtime.Stop(ctx, svc.ContainerRef)
		if domain.IsBenign(err) || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Error("stop failed", logger.Service(svc.ID), logger.Error(err))
		_ = c.fail(svc.ID, gen, domain.StateStopping, "stop failed", err)
		return err
	}

	err = c.reg.WithLock(svc.ID, func(tx *registry.Tx) error {
		cur := tx.Service()
		if cur.Generation != gen || cur.State != domain.StateStopping {
			return fmt.Errorf("service %s: %w", svc.ID, domain.ErrStale)
		}
		return tx.Transition(domain.StateSleeping, "stopped")
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	c.logger.Info("service sleeping", logger.Service(svc.ID))
	return nil
}
