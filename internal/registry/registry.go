// Package registry is the single source of truth for managed services.
//
// Reads (Get, List, Resolve, RouteTable) are lock-free and return copies.
// Every mutation of a service record goes through WithLock, which serializes
// state transitions per service and publishes one event per transition.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// Publisher receives transition events. It is called while the service lock
// is held and must not block.
type Publisher interface {
	Publish(e domain.Event)
}

type entry struct {
	mu      sync.Mutex
	svc     domain.Service // guarded by mu
	removed bool           // guarded by mu

	view atomic.Pointer[domain.Service]
}

func (e *entry) snapshot() domain.Service {
	return *e.view.Load()
}

type routeRef struct {
	key   domain.RouteKey
	entry *entry
}

// Registry holds every registered service.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// routes is sorted by decreasing specificity and rebuilt on every config change.
	routes atomic.Pointer[[]routeRef]

	lastReload atomic.Pointer[time.Time]
	publisher  Publisher
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets the transition event sink.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := []routeRef{}
	r.routes.Store(&empty)
	return r
}

// Register adds a service. It starts Sleeping unless svc.State says otherwise.
func (r *Registry) Register(svc domain.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	svc.Route = svc.Route.Normalize()
	if svc.State == "" {
		svc.State = domain.StateSleeping
	}
	if !svc.State.Valid() {
		return fmt.Errorf("service %s: %w: unknown state %q", svc.ID, domain.ErrInvalidTransition, svc.State)
	}
	if svc.StateSince.IsZero() {
		svc.StateSince = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[svc.ID]; exists {
		return fmt.Errorf("%w: service %s already registered", domain.ErrConflict, svc.ID)
	}
	if owner := r.routeOwnerLocked(svc.Route, svc.ID); owner != "" {
		return fmt.Errorf("%w: route %s already used by service %s", domain.ErrConflict, svc.Route, owner)
	}

	e := &entry{svc: svc}
	view := svc
	e.view.Store(&view)
	r.entries[svc.ID] = e
	r.rebuildRoutesLocked()
	return nil
}

// Unregister removes a service and returns its last known record.
// Callers own the cleanup (stopping the container, removing its route).
func (r *Registry) Unregister(id string) (domain.Service, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return domain.Service{}, fmt.Errorf("%w: service %s", domain.ErrNotFound, id)
	}
	delete(r.entries, id)
	r.rebuildRoutesLocked()
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.svc, nil
}

// UpdateConfig replaces the static configuration of an existing service.
// Lifecycle fields (state, generation, target, activity) are preserved.
func (r *Registry) UpdateConfig(cfg domain.Service) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Route = cfg.Route.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: service %s", domain.ErrNotFound, cfg.ID)
	}
	if owner := r.routeOwnerLocked(cfg.Route, cfg.ID); owner != "" {
		return fmt.Errorf("%w: route %s already used by service %s", domain.ErrConflict, cfg.Route, owner)
	}

	e.mu.Lock()
	e.svc.ApplyConfig(cfg)
	view := e.svc
	e.view.Store(&view)
	e.mu.Unlock()

	r.rebuildRoutesLocked()
	return nil
}

// Get returns a copy of the service record.
func (r *Registry) Get(id string) (domain.Service, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Service{}, false
	}
	return e.snapshot(), true
}

// List returns copies of every service, sorted by id.
func (r *Registry) List() []domain.Service {
	r.mu.RLock()
	out := make([]domain.Service, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered service ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Resolve finds the service whose route serves host/path. The most specific route wins.
func (r *Registry) Resolve(host, path string) (domain.Service, bool) {
	for _, ref := range *r.routes.Load() {
		if ref.key.Matches(host, path) {
			return ref.entry.snapshot(), true
		}
	}
	return domain.Service{}, false
}

// ByContainer finds the service managing the given container name or id.
func (r *Registry) ByContainer(refs ...string) (domain.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		svc := e.snapshot()
		for _, ref := range refs {
			if ref != "" && (svc.ContainerRef == ref || "/"+svc.ContainerRef == ref) {
				return svc, true
			}
		}
	}
	return domain.Service{}, false
}

// RouteTable is the desired proxy configuration: exactly one entry per Running service.
func (r *Registry) RouteTable() domain.RouteTable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := make(domain.RouteTable, len(r.entries))
	for _, e := range r.entries {
		svc := e.snapshot()
		if !svc.Routable() {
			continue
		}
		table[svc.Route] = domain.RouteEntry{ServiceID: svc.ID, Target: svc.Target}
	}
	return table
}

// Touch records activity on a Running service. It reports whether the activity was recorded.
func (r *Registry) Touch(id string) bool {
	recorded := false
	_ = r.WithLock(id, func(tx *Tx) error {
		svc := tx.Service()
		if svc.State != domain.StateRunning {
			return nil
		}
		svc.LastActivity = tx.Now()
		recorded = true
		return nil
	})
	return recorded
}

// MarkReloaded records the time of the last successful catalog load.
func (r *Registry) MarkReloaded(at time.Time) {
	r.lastReload.Store(&at)
}

// LastReload returns the time of the last successful catalog load.
func (r *Registry) LastReload() time.Time {
	if t := r.lastReload.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) routeOwnerLocked(key domain.RouteKey, self string) string {
	for id, e := range r.entries {
		if id == self {
			continue
		}
		if e.snapshot().Route == key {
			return id
		}
	}
	return ""
}

func (r *Registry) rebuildRoutesLocked() {
	refs := make([]routeRef, 0, len(r.entries))
	for _, e := range r.entries {
		refs = append(refs, routeRef{key: e.snapshot().Route, entry: e})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		si, sj := refs[i].key.Specificity(), refs[j].key.Specificity()
		if si != sj {
			return si > sj
		}
		return refs[i].key.String() < refs[j].key.String()
	})
	r.routes.Store(&refs)
}
