package scheduler_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/container"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/events"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/proxy"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/retry"
	"github.com/MrSnakeDoc/wake/internal/scheduler"
	"github.com/MrSnakeDoc/wake/internal/sources/catalog"
	redisstore "github.com/MrSnakeDoc/wake/internal/store/redis"
	"github.com/MrSnakeDoc/wake/internal/testkit"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

type env struct {
	clock   *testkit.Clock
	bus     *events.Bus
	reg     *registry.Registry
	runtime *testkit.Controller
	applier *testkit.Applier
	sync    *proxy.Synchronizer
	coord   *wake.Coordinator
	log     logger.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clock:   testkit.NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		runtime: testkit.NewController(),
		applier: testkit.NewApplier(),
		log:     logger.Nop(),
	}
	e.bus = events.NewBus(e.log)
	e.reg = registry.New(registry.WithClock(e.clock.Now), registry.WithPublisher(e.bus))
	e.sync = proxy.NewSynchronizer(e.applier, e.reg, e.log)
	e.coord = wake.New(e.reg, e.runtime, testkit.NewProber(), e.sync, wake.Options{
		Retry:         retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3},
		ErrorCooldown: time.Minute,
		SyncTimeout:   time.Second,
		StopTimeout:   time.Second,
	}, e.log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.coord.Close(ctx)
		e.bus.Close()
	})
	return e
}

func (e *env) add(t *testing.T, id, addr string, running bool) {
	t.Helper()
	svc := domain.Service{
		ID:           id,
		ContainerRef: id,
		Route:        domain.RouteKey{Host: id + ".home.lan"},
		Upstream:     domain.Upstream{Port: 80},
		IdleTimeout:  15 * time.Minute,
		WakeTimeout:  time.Second,
		HealthCheck:  domain.HealthCheck{Interval: 10 * time.Millisecond},
	}
	if err := e.reg.Register(svc); err != nil {
		t.Fatal(err)
	}
	e.runtime.Add(id, addr, running)
}

func (e *env) state(id string) domain.State {
	svc, ok := e.reg.Get(id)
	if !ok {
		return ""
	}
	return svc.State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReaperSleepsOnlyIdleServices(t *testing.T) {
	e := newEnv(t)
	e.add(t, "a", "10.0.0.1", false)
	e.add(t, "b", "10.0.0.2", false)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := e.coord.Wake(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	reaper := scheduler.NewReaper(e.reg, e.coord, e.log, time.Hour, 2)
	if n := reaper.Reap(ctx); n != 0 {
		t.Fatalf("Reap() right after wake = %d, want 0", n)
	}

	e.clock.Advance(20 * time.Minute)
	e.reg.Touch("b")

	if n := reaper.Reap(ctx); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}
	if got := e.state("a"); got != domain.StateSleeping {
		t.Errorf("a = %s, want sleeping", got)
	}
	if got := e.state("b"); got != domain.StateRunning {
		t.Errorf("b = %s, want running", got)
	}
	if _, ok := e.applier.Table()[domain.RouteKey{Host: "a.home.lan"}]; ok {
		t.Error("route of a should be gone")
	}
}

func TestReaperLoop(t *testing.T) {
	e := newEnv(t)
	e.add(t, "a", "10.0.0.1", false)
	if err := e.coord.Wake(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Hour)

	reaper := scheduler.NewReaper(e.reg, e.coord, e.log, 10*time.Millisecond, 0)
	if err := reaper.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a to sleep", func() bool { return e.state("a") == domain.StateSleeping })
	reaper.Stop()
}

func writeCatalog(t *testing.T, path string, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func catalogEntry(id string, idle string) string {
	return fmt.Sprintf("  - id: %s\n    host: %s.home.lan\n    idleTimeout: %s\n    upstream:\n      port: 80\n", id, id, idle)
}

func TestCatalogReloadConvergesRegistry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "services.yaml")
	defaults := catalog.Defaults{IdleTimeout: 15 * time.Minute, WakeTimeout: time.Second}

	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m")+catalogEntry("b", "10m"))
	e.runtime.Add("a", "10.0.0.1", false)
	e.runtime.Add("b", "10.0.0.2", false)

	r := scheduler.NewCatalogReloader(path, defaults, e.reg, e.coord, e.sync, nil, e.log, time.Hour, make(chan struct{}, 1))

	res, err := r.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if len(res.Added) != 2 || e.reg.Count() != 2 {
		t.Fatalf("first reload = %+v", res)
	}
	if e.reg.LastReload().IsZero() {
		t.Error("LastReload should be set")
	}

	if err := e.coord.Wake(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := e.coord.Wake(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	gen := func(id string) uint64 { s, _ := e.reg.Get(id); return s.Generation }
	genA := gen("a")

	// a changes, b goes away, c appears.
	writeCatalog(t, path, "services:\n"+catalogEntry("a", "30m")+catalogEntry("c", "10m"))
	e.runtime.Add("c", "10.0.0.3", false)

	res, err = r.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != "c" {
		t.Errorf("added = %v", res.Added)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "a" {
		t.Errorf("updated = %v", res.Updated)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "b" {
		t.Errorf("removed = %v", res.Removed)
	}

	a, _ := e.reg.Get("a")
	if a.State != domain.StateRunning || a.Generation != genA || a.IdleTimeout != 30*time.Minute {
		t.Errorf("a after update = %s gen %d idle %v", a.State, a.Generation, a.IdleTimeout)
	}
	if e.runtime.Running("b") {
		t.Error("removed service b should have been stopped")
	}
	if _, ok := e.applier.Table()[domain.RouteKey{Host: "b.home.lan"}]; ok {
		t.Error("route of removed service b still applied")
	}

	// Reloading the same file is a no-op.
	res, err = r.Reload(ctx)
	if err != nil || len(res.Added)+len(res.Updated)+len(res.Removed) != 0 {
		t.Errorf("idempotent reload = %+v, %v", res, err)
	}
}

func TestCatalogReloadStopsServiceRemovedWhileWaking(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "services.yaml")
	defaults := catalog.Defaults{IdleTimeout: 15 * time.Minute, WakeTimeout: time.Second}

	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m")+catalogEntry("b", "10m"))
	e.runtime.Add("a", "10.0.0.1", false)
	e.runtime.Add("b", "10.0.0.2", false)
	r := scheduler.NewCatalogReloader(path, defaults, e.reg, e.coord, e.sync, nil, e.log, time.Hour, nil)
	if _, err := r.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	e.runtime.StartDelay = 50 * time.Millisecond
	if err := e.coord.Trigger("b", false, "test"); err != nil {
		t.Fatal(err)
	}
	if got := e.state("b"); got != domain.StateWaking {
		t.Fatalf("b = %s, want waking", got)
	}

	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m"))
	res, err := r.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "b" {
		t.Fatalf("removed = %v", res.Removed)
	}
	if _, ok := e.reg.Get("b"); ok {
		t.Error("b should be unregistered")
	}
	if e.runtime.Starts("b") != 1 || e.runtime.Running("b") {
		t.Errorf("container b: starts %d, running %v; want started once then stopped",
			e.runtime.Starts("b"), e.runtime.Running("b"))
	}
	if _, ok := e.applier.Table()[domain.RouteKey{Host: "b.home.lan"}]; ok {
		t.Error("route of removed service b still applied")
	}
}

func TestCatalogReloadKeepsRegistryOnInvalidFile(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m"))

	r := scheduler.NewCatalogReloader(path, catalog.Defaults{WakeTimeout: time.Second}, e.reg, e.coord, e.sync, nil, e.log, time.Hour, nil)
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m")+catalogEntry("a", "10m"))
	if _, err := r.Reload(context.Background()); err == nil {
		t.Fatal("duplicate ids should fail the reload")
	}
	if e.reg.Count() != 1 {
		t.Errorf("registry changed by a rejected file: %v", e.reg.IDs())
	}
}

func TestCatalogReloaderManualTrigger(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "services.yaml")
	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m"))

	trigger := make(chan struct{}, 1)
	r := scheduler.NewCatalogReloader(path, catalog.Defaults{WakeTimeout: time.Second}, e.reg, e.coord, e.sync, nil, e.log, time.Hour, trigger)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	writeCatalog(t, path, "services:\n"+catalogEntry("a", "10m")+catalogEntry("b", "10m"))
	trigger <- struct{}{}
	waitFor(t, "b to be registered", func() bool { _, ok := e.reg.Get("b"); return ok })
}

func TestAdopterWakesRunningContainers(t *testing.T) {
	e := newEnv(t)
	e.add(t, "a", "10.0.0.1", true)
	e.add(t, "b", "10.0.0.2", false)

	n, err := scheduler.NewAdopter(e.reg, e.runtime, e.coord, e.log, 0).Adopt(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Adopt() = %d, %v", n, err)
	}
	if got := e.state("a"); got != domain.StateRunning {
		t.Errorf("a = %s, want running", got)
	}
	if got := e.state("b"); got != domain.StateSleeping {
		t.Errorf("b = %s, want sleeping", got)
	}
	if e.runtime.Starts("a") != 0 {
		t.Error("an already running container must not be started again")
	}
	if _, ok := e.applier.Table()[domain.RouteKey{Host: "a.home.lan"}]; !ok {
		t.Error("adopted service should have a route")
	}
}

func TestAdopterRuntimeDown(t *testing.T) {
	e := newEnv(t)
	e.runtime.Down = true
	if _, err := scheduler.NewAdopter(e.reg, e.runtime, e.coord, e.log, 0).Adopt(context.Background()); err == nil {
		t.Fatal("Adopt() should fail when the runtime is unreachable")
	}
}

func TestWatcherFollowsExternalChanges(t *testing.T) {
	e := newEnv(t)
	e.add(t, "a", "10.0.0.1", false)
	e.add(t, "b", "10.0.0.2", false)
	ctx := context.Background()

	if err := e.coord.Wake(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWatcher(e.reg, e.runtime, e.coord, e.log)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// a crashes.
	e.runtime.SetRunning("a", false)
	e.runtime.Emit(container.Event{Name: "a", Action: container.ActionDie, At: time.Now()})
	waitFor(t, "a to sleep", func() bool { return e.state("a") == domain.StateSleeping })
	if _, ok := e.applier.Table()[domain.RouteKey{Host: "a.home.lan"}]; ok {
		t.Error("route of a should be removed after its container died")
	}

	// b is started by hand.
	e.runtime.SetRunning("b", true)
	e.runtime.Emit(container.Event{Name: "b", Action: container.ActionStart, At: time.Now()})
	waitFor(t, "b to be adopted", func() bool { return e.state("b") == domain.StateRunning })

	// Unknown containers are ignored.
	e.runtime.Emit(container.Event{Name: "postgres", Action: container.ActionDie})
}

func TestResyncerPurgesLeftoverRoutes(t *testing.T) {
	e := newEnv(t)
	leftover := domain.RouteEntry{ServiceID: "old", Target: "http://10.9.9.9:80"}
	e.applier.Set(domain.RouteKey{Host: "old.home.lan"}, &leftover)

	rs := scheduler.NewResyncer(e.sync, e.log, time.Hour)
	if err := rs.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer rs.Stop()

	if len(e.applier.Table()) != 0 {
		t.Errorf("leftover route not purged: %v", e.applier.Table())
	}
}

func TestForwarderWritesStreamAndSnapshots(t *testing.T) {
	e := newEnv(t)
	e.add(t, "a", "10.0.0.1", false)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	stream := redisstore.NewEventStream(client, "", 0)
	store := redisstore.NewStore(client)

	f := scheduler.NewForwarder(e.bus, e.reg, stream, store, e.log)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.coord.Wake(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "two events in the stream", func() bool {
		recent, err := stream.Recent(context.Background(), 10)
		return err == nil && len(recent) == 2
	})
	f.Stop()

	recent, _ := stream.Recent(context.Background(), 10)
	if recent[0].To != domain.StateRunning || recent[1].To != domain.StateWaking {
		t.Errorf("events = %s, %s", recent[1].To, recent[0].To)
	}
	snap, err := store.GetService(context.Background(), "a")
	if err != nil || snap.State != domain.StateRunning {
		t.Errorf("snapshot = %+v, %v", snap, err)
	}
}
