package proxy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/proxy"
	"github.com/MrSnakeDoc/wake/internal/testkit"
)

var (
	keyA = domain.RouteKey{Host: "a.home.lan"}
	keyB = domain.RouteKey{Host: "b.home.lan"}
	keyC = domain.RouteKey{Host: "c.home.lan", PathPrefix: "/api"}

	entryA = domain.RouteEntry{ServiceID: "a", Target: "http://10.0.0.1:80"}
	entryB = domain.RouteEntry{ServiceID: "b", Target: "http://10.0.0.2:80"}
	entryC = domain.RouteEntry{ServiceID: "c", Target: "http://10.0.0.3:80"}
)

func newSync(t *testing.T, opts ...proxy.SyncOption) (*proxy.Synchronizer, *testkit.Applier, *testkit.StaticRoutes) {
	t.Helper()
	applier := testkit.NewApplier()
	source := &testkit.StaticRoutes{Table: domain.RouteTable{}}
	return proxy.NewSynchronizer(applier, source, logger.New("error", false), opts...), applier, source
}

func TestDiff(t *testing.T) {
	applied := domain.RouteTable{keyA: entryA, keyB: entryB}
	moved := entryB
	moved.Target = "http://10.0.0.9:80"
	desired := domain.RouteTable{keyB: moved, keyC: entryC}

	ops := proxy.Diff(desired, applied)
	want := []proxy.Op{
		{Kind: proxy.OpRemove, Key: keyA, Entry: entryA},
		{Kind: proxy.OpUpdate, Key: keyB, Entry: moved},
		{Kind: proxy.OpAdd, Key: keyC, Entry: entryC},
	}
	if len(ops) != len(want) {
		t.Fatalf("Diff() = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op[%d] = %+v, want %+v", i, ops[i], want[i])
		}
	}

	if ops := proxy.Diff(applied, applied); len(ops) != 0 {
		t.Errorf("Diff(same) = %v, want no ops", ops)
	}
}

func TestDiffServiceChangeOnSameKey(t *testing.T) {
	applied := domain.RouteTable{keyA: entryA}
	desired := domain.RouteTable{keyA: {ServiceID: "a2", Target: entryA.Target}}

	ops := proxy.Diff(desired, applied)
	if len(ops) != 2 || ops[0].Kind != proxy.OpRemove || ops[1].Kind != proxy.OpAdd {
		t.Fatalf("Diff() = %+v, want remove then add", ops)
	}
}

func TestReconcileMinimalOps(t *testing.T) {
	s, applier, _ := newSync(t)
	ctx := context.Background()

	if err := s.Reconcile(ctx, domain.RouteTable{keyA: entryA, keyB: entryB}); err != nil {
		t.Fatal(err)
	}
	if n := len(applier.Ops()); n != 2 {
		t.Fatalf("ops = %d, want 2", n)
	}

	applier.ResetOps()
	if err := s.Reconcile(ctx, domain.RouteTable{keyA: entryA, keyB: entryB}); err != nil {
		t.Fatal(err)
	}
	if n := len(applier.Ops()); n != 0 {
		t.Errorf("unchanged table sent %d ops, want 0", n)
	}

	if err := s.Reconcile(ctx, domain.RouteTable{keyA: entryA}); err != nil {
		t.Fatal(err)
	}
	ops := applier.Ops()
	if len(ops) != 1 || ops[0].Kind != proxy.OpRemove || ops[0].Key != keyB {
		t.Errorf("ops = %+v, want a single remove of b", ops)
	}
	if !s.Applied().Equal(domain.RouteTable{keyA: entryA}) {
		t.Errorf("Applied() = %v", s.Applied())
	}
}

// Three routes, one fails: only that route is re-sent on the next cycle.
func TestReconcilePartialFailureRetriesOnlyFailedRoute(t *testing.T) {
	s, applier, _ := newSync(t)
	ctx := context.Background()
	desired := domain.RouteTable{keyA: entryA, keyB: entryB, keyC: entryC}

	applier.Fail(keyB, errors.New("admin api rejected route"))

	err := s.Reconcile(ctx, desired)
	var pf *domain.PartialFailureError
	if !errors.As(err, &pf) || !errors.Is(err, domain.ErrPartialFailure) {
		t.Fatalf("Reconcile() = %v, want PartialFailureError", err)
	}
	if keys := pf.FailedKeys(); len(keys) != 1 || keys[0] != keyB {
		t.Fatalf("failed keys = %v, want [b]", keys)
	}
	if !s.Applied().Equal(domain.RouteTable{keyA: entryA, keyC: entryC}) {
		t.Errorf("Applied() = %v, want a and c", s.Applied())
	}

	applier.Fail(keyB, nil)
	applier.ResetOps()

	if err := s.Reconcile(ctx, desired); err != nil {
		t.Fatalf("second Reconcile() = %v", err)
	}
	ops := applier.Ops()
	if len(ops) != 1 || ops[0].Key != keyB || ops[0].Kind != proxy.OpAdd {
		t.Fatalf("second cycle ops = %+v, want only add b", ops)
	}
	if !s.Applied().Equal(desired) {
		t.Errorf("Applied() = %v, want all three", s.Applied())
	}
}

func TestReconcileUnreachable(t *testing.T) {
	s, applier, _ := newSync(t)
	applier.SetDown(true)

	err := s.Reconcile(context.Background(), domain.RouteTable{keyA: entryA})
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("Reconcile() = %v, want ErrUnreachable", err)
	}
	if len(s.Applied()) != 0 {
		t.Error("nothing may be recorded as applied when the proxy is down")
	}
}

func TestReconcileAllRoutesUnreachableIsUnreachable(t *testing.T) {
	s, applier, _ := newSync(t)
	applier.Fail(keyA, domain.ErrUnreachable)

	err := s.Reconcile(context.Background(), domain.RouteTable{keyA: entryA})
	if !errors.Is(err, domain.ErrUnreachable) || errors.Is(err, domain.ErrPartialFailure) {
		t.Fatalf("Reconcile() = %v, want plain ErrUnreachable", err)
	}
}

func TestGuardRejectsUnconfirmedRoutes(t *testing.T) {
	confirmed := map[string]bool{"a": true}
	s, applier, _ := newSync(t, proxy.WithGuard(func(k domain.RouteKey, e domain.RouteEntry) bool {
		return confirmed[e.ServiceID]
	}))

	if err := s.Reconcile(context.Background(), domain.RouteTable{keyA: entryA, keyB: entryB}); err != nil {
		t.Fatal(err)
	}
	if _, ok := applier.Table()[keyB]; ok {
		t.Error("guard should have kept b out of the proxy")
	}
	if _, ok := applier.Table()[keyA]; !ok {
		t.Error("a should be applied")
	}
}

func TestSyncUsesSource(t *testing.T) {
	s, applier, source := newSync(t)
	source.Replace(domain.RouteTable{keyA: entryA})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !applier.Table().Equal(domain.RouteTable{keyA: entryA}) {
		t.Errorf("proxy table = %v", applier.Table())
	}
	if s.LastSync().IsZero() {
		t.Error("LastSync should be set after a clean sync")
	}
}

func TestDriftAndResync(t *testing.T) {
	s, applier, source := newSync(t)
	ctx := context.Background()

	source.Replace(domain.RouteTable{keyA: entryA, keyB: entryB})
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// Someone edits the proxy behind our back.
	applier.Set(keyA, nil)
	tampered := entryB
	tampered.Target = "http://10.9.9.9:80"
	applier.Set(keyB, &tampered)
	applier.Set(keyC, &entryC)

	d, err := s.Drift(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Missing) != 1 || d.Missing[0] != keyA {
		t.Errorf("Missing = %v", d.Missing)
	}
	if len(d.Mismatched) != 1 || d.Mismatched[0] != keyB {
		t.Errorf("Mismatched = %v", d.Mismatched)
	}
	if len(d.Unexpected) != 1 || d.Unexpected[0] != keyC {
		t.Errorf("Unexpected = %v", d.Unexpected)
	}

	if err := s.Resync(ctx); err != nil {
		t.Fatal(err)
	}
	if !applier.Table().Equal(source.RouteTable()) {
		t.Errorf("proxy after resync = %v, want %v", applier.Table(), source.RouteTable())
	}
	if d, _ := s.Drift(ctx); !d.Empty() {
		t.Errorf("drift after resync = %+v", d)
	}
}
