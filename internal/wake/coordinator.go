// Package wake drives the service lifecycle: single-flight wake-ups
// (Sleeping|Error -> Waking -> Running|Error) and the sleep sequence
// (Running -> Stopping -> Sleeping|Error).
//
// Long-running work (container start, health probing, route sync, container
// stop) always runs outside the per-service lock. Results are committed only if
// the generation they were issued against is still current.
package wake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/health"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/retry"
)

// ErrStillWaking is returned to a waiter whose own deadline expired before the
// wake attempt resolved. The attempt keeps running.
var ErrStillWaking = errors.New("wake still in progress")

// RouteSyncer pushes the registry's desired route table to the proxy.
type RouteSyncer interface {
	Sync(ctx context.Context) error
	Applied() domain.RouteTable
}

// Options tunes the coordinator.
type Options struct {
	// Retry bounds start, stop and route sync retries.
	Retry retry.Policy
	// ErrorCooldown is how long automatic triggers are answered with the recorded
	// failure after a service entered Error. Forced wakes ignore it.
	ErrorCooldown time.Duration
	// SyncTimeout bounds the route sync that follows a successful wake.
	SyncTimeout time.Duration
	// StopTimeout bounds a whole sleep sequence (route removal + stop).
	StopTimeout time.Duration
}

// Coordinator owns every state transition driven by wake and sleep triggers.
type Coordinator struct {
	reg     *registry.Registry
	runtime container.Controller
	prober  health.Prober
	routes  RouteSyncer
	opts    Options
	logger  logger.Logger

	group    singleflight.Group
	inflight sync.Map // service id -> *Request

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator. Close must be called to abort in-flight attempts on shutdown.
func New(reg *registry.Registry, runtime container.Controller, prober health.Prober, routes RouteSyncer, opts Options, log logger.Logger) *Coordinator {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Minute
	}
	root, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		reg:     reg,
		runtime: runtime,
		prober:  prober,
		routes:  routes,
		opts:    opts,
		logger:  log,
		root:    root,
		cancel:  cancel,
	}
}

// Wake brings id to Running, attaching to an in-flight attempt if there is one.
// It returns nil once the service is Running, ErrStillWaking when ctx ends first,
// or the failure every waiter of the attempt observed.
func (c *Coordinator) Wake(ctx context.Context, id string) error {
	return c.wake(ctx, id, false, "request")
}

// ForceWake is the administrative trigger: it ignores the error cooldown.
func (c *Coordinator) ForceWake(ctx context.Context, id string) error {
	return c.wake(ctx, id, true, "forced")
}

// Trigger starts a wake without waiting for it.
func (c *Coordinator) Trigger(id string, force bool, reason string) error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.wake(ctx, id, force, reason)
	if errors.Is(err, ErrStillWaking) {
		return nil
	}
	return err
}

// InFlight describes the wake attempt currently running for id.
func (c *Coordinator) InFlight(id string) (Info, bool) {
	v, ok := c.inflight.Load(id)
	if !ok {
		return Info{}, false
	}
	return v.(*Request).Info(), true
}

// Settle blocks until the wake attempt running for id, if any, resolved or ctx ends.
func (c *Coordinator) Settle(ctx context.Context, id string) error {
	v, ok := c.inflight.Load(id)
	if !ok {
		return nil
	}
	select {
	case <-v.(*Request).Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts in-flight attempts and waits for them to settle or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) wake(ctx context.Context, id string, force bool, reason string) error {
	var (
		ch  <-chan singleflight.Result
		req *Request
	)

	err := c.reg.WithLock(id, func(tx *registry.Tx) error {
		svc := tx.Service()

		switch svc.State {
		case domain.StateRunning:
			return nil

		case domain.StateStopping:
			return fmt.Errorf("service %s: %w: stopping", id, domain.ErrConflict)

		case domain.StateWaking:
			v, ok := c.inflight.Load(id)
			if !ok || v.(*Request).Generation != svc.Generation {
				return fmt.Errorf("service %s: %w: no attempt for generation %d", id, domain.ErrStale, svc.Generation)
			}
			req = v.(*Request)
			ch = c.group.DoChan(req.key(), c.detached)

		case domain.StateError:
			since := tx.Now().Sub(svc.StateSince)
			if !force && since < c.opts.ErrorCooldown {
				return &FailedError{
					ServiceID:  id,
					Generation: svc.Generation,
					Cause:      svc.LastError,
					Timeout:    svc.TimedOut,
					RetryIn:    c.opts.ErrorCooldown - since,
				}
			}
			fallthrough

		case domain.StateSleeping:
			if err := tx.Transition(domain.StateWaking, reason); err != nil {
				return err
			}
			req = newRequest(*svc, tx.Now())
			c.inflight.Store(id, req)
			c.wg.Add(1)
			snapshot := *svc
			ch = c.group.DoChan(req.key(), func() (any, error) {
				defer c.wg.Done()
				return nil, c.attempt(req, snapshot)
			})
			c.logger.Info("waking service",
				logger.Service(id),
				logger.Uint64("generation", svc.Generation),
				logger.String("reason", reason))
		}
		if req != nil {
			req.attach()
		}
		return nil
	})
	if err != nil || ch == nil {
		return err
	}
	defer req.detach()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("service %s: %w", id, ErrStillWaking)
	}
}

// detached is handed to DoChan by waiters joining an existing key. It only runs
// if the attempt already resolved, which the generation check under lock rules out.
func (c *Coordinator) detached() (any, error) {
	return nil, domain.ErrStale
}

// attempt runs one wake for the generation in req and resolves it within WakeTimeout.
func (c *Coordinator) attempt(req *Request, svc domain.Service) error {
	defer c.inflight.CompareAndDelete(svc.ID, req)
	defer close(req.done)

	ctx, cancel := context.WithTimeout(c.root, svc.WakeTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- c.bringUp(ctx, svc, req.Generation) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		err := fmt.Errorf("service %s: %w: not running after %s", svc.ID, domain.ErrTimeout, svc.WakeTimeout)
		if c.root.Err() != nil {
			err = fmt.Errorf("service %s: wake aborted: %w", svc.ID, context.Canceled)
		}
		if ferr := c.fail(svc.ID, req.Generation, domain.StateWaking, "wake timeout", err); errors.Is(ferr, domain.ErrStale) {
			// bringUp committed a result right at the deadline.
			return <-result
		}
		return err
	}
}

func (c *Coordinator) bringUp(ctx context.Context, svc domain.Service, gen uint64) error {
	log := c.logger.With(logger.Service(svc.ID), logger.Uint64("generation", gen))

	err := c.retryPolicy("start", svc.ID).Do(ctx, func(ctx context.Context) error {
		err := c.runtime.Start(ctx, svc.ContainerRef)
		switch {
		case domain.IsBenign(err):
			return nil
		case errors.Is(err, domain.ErrUnreachable):
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil {
		return c.abort(ctx, svc, gen, "start failed", err)
	}

	addr := svc.Upstream.Host
	if addr == "" {
		err = c.retryPolicy("address", svc.ID).Do(ctx, func(ctx context.Context) error {
			a, err := c.runtime.Address(ctx, svc.ContainerRef, svc.Upstream.Network)
			if err != nil {
				return err
			}
			addr = a
			return nil
		})
		if err != nil {
			return c.abort(ctx, svc, gen, "address lookup failed", err)
		}
	}
	target := svc.Upstream.TargetFor(addr)

	remaining := svc.WakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	interval, attempts := svc.HealthCheck.Budget(remaining)
	probeTarget := svc.HealthCheck.ProbeTarget(target)

	log.Debug("probing upstream",
		logger.String("target", probeTarget),
		logger.Duration("interval", interval),
		logger.Int("attempts", attempts))

	res, err := c.prober.Probe(ctx, health.Check{
		Target:         probeTarget,
		Interval:       interval,
		MaxAttempts:    attempts,
		AttemptTimeout: svc.HealthCheck.Timeout,
	})
	if res != health.Ready {
		herr := fmt.Errorf("service %s: %w: health check on %s did not pass", svc.ID, domain.ErrTimeout, probeTarget)
		if err != nil {
			herr = fmt.Errorf("%w: %v", herr, err)
		}
		return c.abort(ctx, svc, gen, "health check failed", herr)
	}

	if err := c.promote(svc.ID, gen, target); err != nil {
		log.Warn("discarding stale wake result", logger.Error(err))
		if errors.Is(err, domain.ErrNotFound) {
			c.stopOrphan(svc)
		}
		return err
	}
	log.Info("service running", logger.String("target", target))

	sctx, cancel := context.WithTimeout(c.root, c.opts.SyncTimeout)
	defer cancel()
	if err := c.syncRoutes(sctx, svc.ID); err != nil {
		// Service stays Running; the periodic resync retries the route.
		log.Error("route not applied after wake", logger.Error(err))
	}
	return nil
}

// abort records a failed attempt, reporting deadline expiry as a timeout.
func (c *Coordinator) abort(ctx context.Context, svc domain.Service, gen uint64, reason string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	ferr := c.fail(svc.ID, gen, domain.StateWaking, reason, err)
	if errors.Is(ferr, domain.ErrNotFound) {
		// The start may have gone through before the service was removed.
		c.stopOrphan(svc)
	}
	if ferr != nil && !errors.Is(ferr, domain.ErrStale) {
		return ferr
	}
	c.logger.Warn("wake failed", logger.Service(svc.ID), logger.Uint64("generation", gen), logger.String("reason", reason), logger.Error(err))
	return err
}

// stopOrphan stops the container of a service unregistered while it was waking.
// Nothing else owns that container anymore.
func (c *Coordinator) stopOrphan(svc domain.Service) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.root), c.opts.StopTimeout)
	defer cancel()

	err := c.retryPolicy("stop", svc.ID).Do(ctx, func(ctx context.Context) error {
		err := c.runtime.Stop(ctx, svc.ContainerRef)
		if domain.IsBenign(err) || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Error("failed to stop container of removed service",
			logger.Service(svc.ID),
			logger.String("container", svc.ContainerRef),
			logger.Error(err))
		return
	}
	c.logger.Info("stopped container of removed service",
		logger.Service(svc.ID),
		logger.String("container", svc.ContainerRef))
}

func (c *Coordinator) promote(id string, gen uint64, target string) error {
	return c.reg.WithLock(id, func(tx *registry.Tx) error {
		svc := tx.Service()
		if svc.Generation != gen || svc.State != domain.StateWaking {
			return fmt.Errorf("service %s: %w: generation %d, now %d (%s)", id, domain.ErrStale, gen, svc.Generation, svc.State)
		}
		svc.Target = target
		return tx.Transition(domain.StateRunning, "healthy")
	})
}

// fail moves id from state to Error if gen is still current.
func (c *Coordinator) fail(id string, gen uint64, from domain.State, reason string, cause error) error {
	err := c.reg.WithLock(id, func(tx *registry.Tx) error {
		svc := tx.Service()
		if svc.Generation != gen || svc.State != from {
			return fmt.Errorf("service %s: %w", id, domain.ErrStale)
		}
		return tx.Fail(reason, cause)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("service %s unregistered: %w: %w", id, domain.ErrStale, err)
	}
	return err
}

// syncRoutes reconciles the proxy until the route of id matches the registry,
// ignoring failures that only concern other routes.
func (c *Coordinator) syncRoutes(ctx context.Context, id string) error {
	return c.retryPolicy("route sync", id).Do(ctx, func(ctx context.Context) error {
		err := c.routes.Sync(ctx)
		if err == nil {
			return nil
		}
		var pf *domain.PartialFailureError
		if errors.As(err, &pf) && c.routeSettled(id) {
			return nil
		}
		return err
	})
}

// routeSettled reports whether the applied table agrees with the registry for id.
func (c *Coordinator) routeSettled(id string) bool {
	svc, ok := c.reg.Get(id)
	applied := c.routes.Applied()
	if !ok {
		for _, e := range applied {
			if e.ServiceID == id {
				return false
			}
		}
		return true
	}
	entry, present := applied[svc.Route]
	if svc.Routable() {
		return present && entry.ServiceID == id && entry.Target == svc.Target
	}
	return !present || entry.ServiceID != id
}

func (c *Coordinator) retryPolicy(op, id string) retry.Policy {
	p := c.opts.Retry
	p.Notify = func(err error, attempt int, next time.Duration) {
		c.logger.Warn(op+" failed, retrying",
			logger.Service(id),
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", next),
			logger.Error(err))
	}
	return p
}

// FailedError is returned while a service sits in Error within its cooldown.
type FailedError struct {
	ServiceID  string
	Generation uint64
	Cause      string
	// Timeout is set when the recorded failure was a timeout.
	Timeout bool
	RetryIn time.Duration
}

func (e *FailedError) Error() string {
	return "service " + e.ServiceID + " failed to start (generation " +
		strconv.FormatUint(e.Generation, 10) + "): " + e.Cause
}

func (e *FailedError) Is(target error) bool {
	if e.Timeout {
		return target == domain.ErrTimeout
	}
	return target == domain.ErrRuntimeFailure
}
