package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
)

// RouteSource produces the desired route table (the registry).
type RouteSource interface {
	RouteTable() domain.RouteTable
}

// Guard confirms, at application time, that an entry may be sent to the proxy.
type Guard func(key domain.RouteKey, entry domain.RouteEntry) bool

// Drift is the difference between what the engine believes is applied and what the proxy serves.
type Drift struct {
	Missing    []domain.RouteKey `json:"missing"`    // applied here, absent from the proxy
	Unexpected []domain.RouteKey `json:"unexpected"` // served by the proxy, unknown here
	Mismatched []domain.RouteKey `json:"mismatched"` // present on both sides with different targets
}

// Empty reports whether both sides agree.
func (d Drift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0 && len(d.Mismatched) == 0
}

// Synchronizer reconciles the proxy against a desired route table.
// Calls are serialized: a reconcile always diffs against the result of the previous one.
type Synchronizer struct {
	mu      sync.Mutex
	applied domain.RouteTable

	applier Applier
	source  RouteSource
	guard   Guard
	timeout time.Duration
	logger  logger.Logger

	lastSync atomic.Int64 // unix nanos
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithGuard drops desired entries the guard rejects.
func WithGuard(g Guard) SyncOption {
	return func(s *Synchronizer) { s.guard = g }
}

// WithTimeout bounds every call to the applier.
func WithTimeout(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.timeout = d }
}

// NewSynchronizer creates a synchronizer that starts from an empty applied table.
// Call Resync to adopt what the proxy already serves.
func NewSynchronizer(applier Applier, source RouteSource, log logger.Logger, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		applied: domain.RouteTable{},
		applier: applier,
		source:  source,
		timeout: 5 * time.Second,
		logger:  log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the applier name.
func (s *Synchronizer) Backend() string { return s.applier.Name() }

// Reconcile applies the minimal change set from the applied table to desired.
//
// It returns a *domain.PartialFailureError listing the routes that were not
// applied, or an error wrapping domain.ErrUnreachable when the proxy could not be
// reached at all. Routes that were applied are never re-sent by a later call.
func (s *Synchronizer) Reconcile(ctx context.Context, desired domain.RouteTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(ctx, desired)
}

// Sync reconciles against the source's current desired table.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(ctx, s.source.RouteTable())
}

// Resync adopts the proxy's live configuration as the applied table, then
// reconciles it against the source. It is the recovery path after a restart
// or when routes were edited behind the engine's back.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cctx, cancel := s.callContext(ctx)
	current, err := s.applier.Current(cctx)
	cancel()
	if err != nil {
		return s.unreachable("read back", err)
	}

	if !current.Equal(s.applied) {
		s.logger.Info("adopting proxy route table",
			logger.String("backend", s.applier.Name()),
			logger.Int("routes", len(current)),
			logger.Int("previously_applied", len(s.applied)))
	}
	s.applied = current
	return s.reconcileLocked(ctx, s.source.RouteTable())
}

// Drift compares the applied table with the proxy's live configuration.
func (s *Synchronizer) Drift(ctx context.Context) (Drift, error) {
	s.mu.Lock()
	applied := s.applied.Clone()
	s.mu.Unlock()

	cctx, cancel := s.callContext(ctx)
	defer cancel()
	current, err := s.applier.Current(cctx)
	if err != nil {
		return Drift{}, s.unreachable("read back", err)
	}

	var d Drift
	for _, k := range applied.Keys() {
		live, ok := current[k]
		switch {
		case !ok:
			d.Missing = append(d.Missing, k)
		case live != applied[k]:
			d.Mismatched = append(d.Mismatched, k)
		}
	}
	for _, k := range current.Keys() {
		if _, ok := applied[k]; !ok {
			d.Unexpected = append(d.Unexpected, k)
		}
	}
	return d, nil
}

// Applied returns a copy of the last known applied table.
func (s *Synchronizer) Applied() domain.RouteTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied.Clone()
}

// LastSync returns the time of the last reconcile that left nothing pending.
func (s *Synchronizer) LastSync() time.Time {
	n := s.lastSync.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Ping checks the proxy admin API.
func (s *Synchronizer) Ping(ctx context.Context) error {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.applier.Ping(cctx); err != nil {
		return s.unreachable("ping", err)
	}
	return nil
}

func (s *Synchronizer) reconcileLocked(ctx context.Context, desired domain.RouteTable) error {
	desired = s.filter(desired)

	ops := Diff(desired, s.applied)
	if len(ops) == 0 {
		s.lastSync.Store(time.Now().UnixNano())
		return nil
	}

	cctx, cancel := s.callContext(ctx)
	defer cancel()

	failed, err := s.applier.Apply(cctx, ops)
	if err != nil {
		return s.unreachable("apply", err)
	}

	applied := 0
	for _, op := range ops {
		if _, bad := failed[op.Key]; bad {
			continue
		}
		switch op.Kind {
		case OpRemove:
			if cur, ok := s.applied[op.Key]; ok && cur.ServiceID == op.Entry.ServiceID {
				delete(s.applied, op.Key)
			}
		default:
			s.applied[op.Key] = op.Entry
		}
		applied++

		s.logger.Debug("route applied",
			logger.String("backend", s.applier.Name()),
			logger.String("op", string(op.Kind)),
			logger.String("route", op.Key.String()),
			logger.Service(op.Entry.ServiceID),
			logger.String("target", op.Entry.Target))
	}

	if len(failed) == 0 {
		s.lastSync.Store(time.Now().UnixNano())
		return nil
	}

	if applied == 0 && allUnreachable(failed) {
		return s.unreachable("apply", firstError(failed))
	}

	for _, k := range sortedKeys(failed) {
		s.logger.Warn("route not applied",
			logger.String("backend", s.applier.Name()),
			logger.String("route", k.String()),
			logger.Error(failed[k]))
	}
	return &domain.PartialFailureError{Failed: failed}
}

func (s *Synchronizer) filter(desired domain.RouteTable) domain.RouteTable {
	if s.guard == nil {
		return desired
	}
	out := make(domain.RouteTable, len(desired))
	for k, e := range desired {
		if s.guard(k, e) {
			out[k] = e
			continue
		}
		s.logger.Warn("route rejected: service not confirmed running",
			logger.String("route", k.String()),
			logger.Service(e.ServiceID))
	}
	return out
}

func (s *Synchronizer) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Synchronizer) unreachable(op string, err error) error {
	if errors.Is(err, domain.ErrUnreachable) {
		return fmt.Errorf("%s %s: %w", s.applier.Name(), op, err)
	}
	return fmt.Errorf("%s %s: %w: %v", s.applier.Name(), op, domain.ErrUnreachable, err)
}

func allUnreachable(failed map[domain.RouteKey]error) bool {
	for _, err := range failed {
		if !errors.Is(err, domain.ErrUnreachable) {
			return false
		}
	}
	return true
}

func firstError(failed map[domain.RouteKey]error) error {
	keys := sortedKeys(failed)
	if len(keys) == 0 {
		return nil
	}
	return failed[keys[0]]
}
