// Package testkit holds in-memory doubles of the external collaborators
// (container runtime, health prober, proxy admin API) shared by package tests.
package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/health"
	"github.com/MrSnakeDoc/wake/internal/proxy"
)

// ─────────────────────────────────────────────────────────────────
// Clock
// ─────────────────────────────────────────────────────────────────

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ─────────────────────────────────────────────────────────────────
// Container runtime
// ─────────────────────────────────────────────────────────────────

type fakeContainer struct {
	running  bool
	addr     string
	startErr error
	stopErr  error
	starts   int
	stops    int
}

// Controller is an in-memory container.Controller.
type Controller struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	events     chan container.Event

	// StartDelay is how long Start takes (ctx aware).
	StartDelay time.Duration
	// Down makes every call fail with domain.ErrUnreachable.
	Down bool
}

func NewController() *Controller {
	return &Controller{
		containers: make(map[string]*fakeContainer),
		events:     make(chan container.Event, 64),
	}
}

// Add registers a container.
func (f *Controller) Add(ref, addr string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[ref] = &fakeContainer{running: running, addr: addr}
}

// SetDown toggles Down under the lock.
func (f *Controller) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

// SetAddress changes the address the next Address call returns (ex: after a restart).
func (f *Controller) SetAddress(ref, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.addr = addr
	}
}

// SetRunning flips the runtime state without counting a start/stop call.
func (f *Controller) SetRunning(ref string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.running = running
	}
}

// FailStart makes Start return err until cleared with nil.
func (f *Controller) FailStart(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.startErr = err
	}
}

// FailStop makes Stop return err until cleared with nil.
func (f *Controller) FailStop(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.stopErr = err
	}
}

func (f *Controller) Starts(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		return c.starts
	}
	return 0
}

func (f *Controller) Stops(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		return c.stops
	}
	return 0
}

func (f *Controller) Running(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	return ok && c.running
}

// Emit pushes a runtime event to Watch consumers.
func (f *Controller) Emit(ev container.Event) {
	f.events <- ev
}

func (f *Controller) get(ref string) (*fakeContainer, error) {
	if f.Down {
		return nil, fmt.Errorf("fake runtime: %w", domain.ErrUnreachable)
	}
	c, ok := f.containers[ref]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", ref, domain.ErrNotFound)
	}
	return c, nil
}

func (f *Controller) Start(ctx context.Context, ref string) error {
	f.mu.Lock()
	delay := f.StartDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.get(ref)
	if err != nil {
		return err
	}
	if c.running {
		return fmt.Errorf("container %s: %w", ref, domain.ErrAlreadyInState)
	}
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (f *Controller) Stop(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.get(ref)
	if err != nil {
		return err
	}
	if !c.running {
		return fmt.Errorf("container %s: %w", ref, domain.ErrAlreadyInState)
	}
	c.stops++
	if c.stopErr != nil {
		return c.stopErr
	}
	c.running = false
	return nil
}

func (f *Controller) Status(ctx context.Context, ref string) (container.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.get(ref)
	if err != nil {
		return container.StatusUnknown, err
	}
	if c.running {
		return container.StatusRunning, nil
	}
	return container.StatusStopped, nil
}

func (f *Controller) Address(ctx context.Context, ref, network string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.get(ref)
	if err != nil {
		return "", err
	}
	if !c.running || c.addr == "" {
		return "", fmt.Errorf("container %s: %w: no address", ref, domain.ErrRuntimeFailure)
	}
	return c.addr, nil
}

func (f *Controller) Watch(ctx context.Context) (<-chan container.Event, <-chan error) {
	out := make(chan container.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (f *Controller) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return fmt.Errorf("fake runtime: %w", domain.ErrUnreachable)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────
// Health prober
// ─────────────────────────────────────────────────────────────────

type probePlan struct {
	result        health.Result
	err           error
	delay         time.Duration
	ignoreContext bool
}

// Prober answers probes from a per-target plan. Unplanned targets are Ready.
type Prober struct {
	mu    sync.Mutex
	plans map[string]probePlan
	calls map[string]int
	last  map[string]health.Check
}

func NewProber() *Prober {
	return &Prober{
		plans: make(map[string]probePlan),
		calls: make(map[string]int),
		last:  make(map[string]health.Check),
	}
}

// Plan sets the outcome for target. The probe takes delay, aborting early on ctx.
func (p *Prober) Plan(target string, result health.Result, err error, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[target] = probePlan{result: result, err: err, delay: delay}
}

// PlanLate is like Plan but the probe ignores ctx and always reports after delay.
func (p *Prober) PlanLate(target string, result health.Result, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[target] = probePlan{result: result, delay: delay, ignoreContext: true}
}

func (p *Prober) Calls(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[target]
}

func (p *Prober) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// LastCheck returns the last Check received for target.
func (p *Prober) LastCheck(target string) health.Check {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[target]
}

func (p *Prober) Probe(ctx context.Context, c health.Check) (health.Result, error) {
	p.mu.Lock()
	p.calls[c.Target]++
	p.last[c.Target] = c
	plan, ok := p.plans[c.Target]
	p.mu.Unlock()

	if !ok {
		return health.Ready, nil
	}

	if plan.delay > 0 {
		timer := time.NewTimer(plan.delay)
		defer timer.Stop()
		if plan.ignoreContext {
			<-timer.C
		} else {
			select {
			case <-timer.C:
			case <-ctx.Done():
				return health.NotReady, nil
			}
		}
	}
	return plan.result, plan.err
}

// ─────────────────────────────────────────────────────────────────
// Proxy admin API
// ─────────────────────────────────────────────────────────────────

// Applier is an in-memory proxy.Applier that records every op it receives.
type Applier struct {
	mu      sync.Mutex
	table   domain.RouteTable
	ops     []proxy.Op
	failing map[domain.RouteKey]error

	// Down makes every call fail as unreachable.
	Down bool
	// OnApply is called for each op before it is applied.
	OnApply func(op proxy.Op)
}

func NewApplier() *Applier {
	return &Applier{
		table:   domain.RouteTable{},
		failing: make(map[domain.RouteKey]error),
	}
}

func (a *Applier) Name() string { return "fake" }

// Fail makes ops on key fail with err. A nil err clears the failure.
func (a *Applier) Fail(key domain.RouteKey, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failing, key)
		return
	}
	a.failing[key] = err
}

// SetDown toggles Down under the lock.
func (a *Applier) SetDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Down = down
}

// Ops returns every op received so far.
func (a *Applier) Ops() []proxy.Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]proxy.Op(nil), a.ops...)
}

// OpsFor returns the ops received for key.
func (a *Applier) OpsFor(key domain.RouteKey) []proxy.Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []proxy.Op
	for _, op := range a.ops {
		if op.Key == key {
			out = append(out, op)
		}
	}
	return out
}

// ResetOps clears the op history.
func (a *Applier) ResetOps() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = nil
}

// Table returns what the fake proxy currently serves.
func (a *Applier) Table() domain.RouteTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.Clone()
}

// Set edits the served table directly (drift simulation).
func (a *Applier) Set(key domain.RouteKey, entry *domain.RouteEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry == nil {
		delete(a.table, key)
		return
	}
	a.table[key] = *entry
}

func (a *Applier) Apply(ctx context.Context, ops []proxy.Op) (map[domain.RouteKey]error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Down {
		return nil, fmt.Errorf("fake proxy: %w", domain.ErrUnreachable)
	}

	failed := make(map[domain.RouteKey]error)
	for _, op := range ops {
		a.ops = append(a.ops, op)
		if a.OnApply != nil {
			a.OnApply(op)
		}
		if err, ok := a.failing[op.Key]; ok {
			failed[op.Key] = err
			continue
		}
		switch op.Kind {
		case proxy.OpRemove:
			delete(a.table, op.Key)
		default:
			a.table[op.Key] = op.Entry
		}
	}
	return failed, nil
}

func (a *Applier) Current(ctx context.Context) (domain.RouteTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Down {
		return nil, fmt.Errorf("fake proxy: %w", domain.ErrUnreachable)
	}
	return a.table.Clone(), nil
}

func (a *Applier) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Down {
		return fmt.Errorf("fake proxy: %w", domain.ErrUnreachable)
	}
	return nil
}

// StaticRoutes is a proxy.RouteSource returning a fixed table.
type StaticRoutes struct {
	mu    sync.Mutex
	Table domain.RouteTable
}

func (s *StaticRoutes) RouteTable() domain.RouteTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Table.Clone()
}

// Replace swaps the table.
func (s *StaticRoutes) Replace(t domain.RouteTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Table = t
}

var (
	_ container.Controller = (*Controller)(nil)
	_ health.Prober        = (*Prober)(nil)
	_ proxy.Applier        = (*Applier)(nil)
	_ proxy.RouteSource    = (*StaticRoutes)(nil)
)
