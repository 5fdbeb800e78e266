package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/wake/internal/config"
	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/events"
	"github.com/MrSnakeDoc/wake/internal/httpserver"
	"github.com/MrSnakeDoc/wake/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/proxy"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/retry"
	redisstore "github.com/MrSnakeDoc/wake/internal/store/redis"
	"github.com/MrSnakeDoc/wake/internal/testkit"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

type admin struct {
	handler http.Handler
	reg     *registry.Registry
	coord   *wake.Coordinator
	runtime *testkit.Controller
	stream  *redisstore.EventStream
	reload  chan struct{}
}

func newAdmin(t *testing.T, tweak func(d *deps.Deps)) *admin {
	t.Helper()
	log := logger.Nop()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := events.NewBus(log)
	reg := registry.New(registry.WithPublisher(bus))
	runtime := testkit.NewController()
	sync := proxy.NewSynchronizer(testkit.NewApplier(), reg, log)
	coord := wake.New(reg, runtime, testkit.NewProber(), sync, wake.Options{
		Retry:         retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 2},
		ErrorCooldown: time.Minute,
		SyncTimeout:   time.Second,
		StopTimeout:   time.Second,
	}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		bus.Close()
	})

	svc := domain.Service{
		ID:           "app",
		ContainerRef: "app",
		Route:        domain.RouteKey{Host: "app.home.lan"},
		Upstream:     domain.Upstream{Port: 8080},
		IdleTimeout:  time.Hour,
		WakeTimeout:  time.Second,
		HealthCheck:  domain.HealthCheck{Interval: 10 * time.Millisecond},
	}
	if err := reg.Register(svc); err != nil {
		t.Fatal(err)
	}
	runtime.Add("app", "10.0.0.5", false)

	a := &admin{
		reg:     reg,
		coord:   coord,
		runtime: runtime,
		stream:  redisstore.NewEventStream(client, "wake:events", 100),
		reload:  make(chan struct{}, 1),
	}
	d := deps.Deps{
		Logger:        log,
		StartTime:     time.Now(),
		Version:       "test",
		Registry:      reg,
		Lifecycle:     coord,
		Routes:        sync,
		Runtime:       runtime,
		RedisClient:   client,
		Events:        bus,
		EventLog:      a.stream,
		ReloadTrigger: a.reload,
		WaitTimeout:   2 * time.Second,
	}
	if tweak != nil {
		tweak(&d)
	}
	cfg := &config.Config{AdminPort: ":0", AdminWaitTimeout: 2 * time.Second}
	a.handler = httpserver.NewAdmin(cfg, log, d).Handler()
	return a
}

func (a *admin) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, rec.Body.String())
		}
	}
	return rec, body
}

func (a *admin) state(id string) domain.State {
	svc, _ := a.reg.Get(id)
	return svc.State
}

func TestHealthAndReadiness(t *testing.T) {
	a := newAdmin(t, nil)

	rec, body := a.do(t, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["services"] != float64(1) {
		t.Fatalf("healthz = %d %v", rec.Code, body)
	}

	rec, _ = a.do(t, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before first reload = %d, want 503", rec.Code)
	}
	a.reg.MarkReloaded(time.Now())
	rec, body = a.do(t, http.MethodGet, "/readyz")
	if rec.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("readyz = %d %v", rec.Code, body)
	}
}

func TestInfra(t *testing.T) {
	a := newAdmin(t, nil)
	a.reg.MarkReloaded(time.Now())

	rec, body := a.do(t, http.MethodGet, "/infra")
	if rec.Code != http.StatusOK {
		t.Fatalf("infra = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, body %v", body["status"], body)
	}
	components := body["components"].(map[string]any)
	for _, name := range []string{"catalog", "runtime", "proxy", "redis"} {
		c, ok := components[name].(map[string]any)
		if !ok || c["ok"] != true {
			t.Errorf("component %s = %v", name, components[name])
		}
	}

	a.runtime.SetDown(true)
	_, body = a.do(t, http.MethodGet, "/infra")
	if body["status"] != "critical" {
		t.Errorf("status with runtime down = %v", body["status"])
	}
}

func TestInfraWithoutRedis(t *testing.T) {
	a := newAdmin(t, func(d *deps.Deps) {
		d.RedisClient = nil
		d.EventLog = nil
	})
	a.reg.MarkReloaded(time.Now())

	_, body := a.do(t, http.MethodGet, "/infra")
	if body["status"] != "ok" {
		t.Errorf("disabled redis must not degrade the engine, got %v", body["status"])
	}
	rec, _ := a.do(t, http.MethodGet, "/api/events/recent")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("recent events without redis = %d, want 503", rec.Code)
	}
}

func TestServiceLifecycleEndpoints(t *testing.T) {
	a := newAdmin(t, nil)

	rec, body := a.do(t, http.MethodGet, "/api/services")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list = %d %v", rec.Code, body)
	}
	rec, _ = a.do(t, http.MethodGet, "/api/services/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service = %d, want 404", rec.Code)
	}

	rec, _ = a.do(t, http.MethodPost, "/api/services/app/activity")
	if rec.Code != http.StatusConflict {
		t.Fatalf("activity while sleeping = %d, want 409", rec.Code)
	}

	rec, body = a.do(t, http.MethodPost, "/api/services/app/wake?wait=true")
	if rec.Code != http.StatusOK || body["state"] != string(domain.StateRunning) {
		t.Fatalf("wake = %d %v", rec.Code, body)
	}
	if body["target"] != "http://10.0.0.5:8080" {
		t.Errorf("target = %v", body["target"])
	}
	if _, ok := body["idleSeconds"]; !ok {
		t.Error("running service should report idleSeconds")
	}

	rec, _ = a.do(t, http.MethodPost, "/api/services/app/activity")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("activity while running = %d, want 204", rec.Code)
	}

	rec, body = a.do(t, http.MethodGet, "/api/services?state=running")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("running filter = %d %v", rec.Code, body)
	}
	_, body = a.do(t, http.MethodGet, "/api/services?state=sleeping")
	if body["count"] != float64(0) {
		t.Errorf("sleeping filter = %v", body)
	}
	rec, _ = a.do(t, http.MethodGet, "/api/services?state=zombie")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown state filter = %d, want 400", rec.Code)
	}

	rec, body = a.do(t, http.MethodGet, "/api/routes")
	if rec.Code != http.StatusOK || body["backend"] != "fake" {
		t.Fatalf("routes = %d %v", rec.Code, body)
	}
	if applied := body["applied"].([]any); len(applied) != 1 {
		t.Errorf("applied routes = %v", applied)
	}

	rec, body = a.do(t, http.MethodPost, "/api/services/app/sleep")
	if rec.Code != http.StatusOK || body["state"] != string(domain.StateSleeping) {
		t.Fatalf("sleep = %d %v", rec.Code, body)
	}
	if a.runtime.Running("app") {
		t.Error("container still running after sleep")
	}

	// Sleeping an already sleeping service is not an error.
	rec, _ = a.do(t, http.MethodPost, "/api/services/app/sleep")
	if rec.Code != http.StatusOK {
		t.Errorf("second sleep = %d, want 200", rec.Code)
	}
}

func TestWakeWithoutWaitIsAccepted(t *testing.T) {
	a := newAdmin(t, nil)
	a.runtime.StartDelay = 100 * time.Millisecond

	rec, _ := a.do(t, http.MethodPost, "/api/services/app/wake")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("wake = %d, want 202", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.state("app") != domain.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("service never reached running, state %s", a.state("app"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := a.runtime.Starts("app"); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
}

func TestReloadTrigger(t *testing.T) {
	a := newAdmin(t, nil)

	rec, _ := a.do(t, http.MethodPost, "/api/reload")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first reload = %d, want 202", rec.Code)
	}
	rec, _ = a.do(t, http.MethodPost, "/api/reload")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("pending reload = %d, want 429", rec.Code)
	}
	<-a.reload
}

func TestTriggerRoutesAreRateLimited(t *testing.T) {
	a := newAdmin(t, func(d *deps.Deps) {
		d.TriggerLimiter = mw.NewLimiter(mw.RateLimitConfig{Burst: 2, RefillPerIPPerMin: 1})
	})

	if rec, _ := a.do(t, http.MethodPost, "/api/services/app/sleep"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first trigger should pass")
	}
	if rec, _ := a.do(t, http.MethodPost, "/api/reload"); rec.Code != http.StatusAccepted {
		t.Fatalf("reload = %d, want 202", rec.Code)
	}
	<-a.reload

	rec, _ := a.do(t, http.MethodPost, "/api/services/app/wake")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third trigger = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if got := a.runtime.Starts("app"); got != 0 {
		t.Errorf("a rejected wake started the container %d times", got)
	}

	// Reads are not metered.
	if rec, _ := a.do(t, http.MethodGet, "/api/services"); rec.Code != http.StatusOK {
		t.Errorf("list = %d, want 200", rec.Code)
	}
}

func TestRecentEvents(t *testing.T) {
	a := newAdmin(t, nil)
	ctx := context.Background()
	for _, to := range []domain.State{domain.StateWaking, domain.StateRunning} {
		if err := a.stream.Append(ctx, domain.Event{ID: string(to), ServiceID: "app", To: to, At: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	rec, body := a.do(t, http.MethodGet, "/api/events/recent?n=1")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("recent = %d %v", rec.Code, body)
	}
	latest := body["events"].([]any)[0].(map[string]any)
	if latest["to"] != string(domain.StateRunning) {
		t.Errorf("latest event = %v", latest)
	}

	rec, _ = a.do(t, http.MethodGet, "/api/events/recent?n=zero")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid n = %d, want 400", rec.Code)
	}
}

func TestAdminGuards(t *testing.T) {
	a := newAdmin(t, func(d *deps.Deps) {
		d.AllowedCIDRS = []string{"10.0.0.0/8"}
		d.AllowedHosts = []string{"wake.home.lan"}
	})

	// httptest requests come from 192.0.2.1.
	rec, _ := a.do(t, http.MethodGet, "/api/services")
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign ip = %d, want 403", rec.Code)
	}
	rec, _ = a.do(t, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz must stay open, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "http://wake.home.lan/api/services", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed ip and host = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://other.lan/api/services", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong host = %d, want 403", rec.Code)
	}
}

type streamMessage struct {
	Type     string           `json:"type"`
	Event    *domain.Event    `json:"event"`
	Services []domain.Service `json:"services"`
}

func TestEventsWebsocket(t *testing.T) {
	a := newAdmin(t, nil)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" || len(msg.Services) != 1 || msg.Services[0].ID != "app" {
		t.Fatalf("first message = %+v", msg)
	}

	if err := a.coord.ForceWake(context.Background(), "app"); err != nil {
		t.Fatal(err)
	}

	var seen []domain.State
	for len(seen) < 2 {
		var ev streamMessage
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != "transition" || ev.Event == nil {
			t.Fatalf("unexpected message %+v", ev)
		}
		seen = append(seen, ev.Event.To)
	}
	if seen[0] != domain.StateWaking || seen[1] != domain.StateRunning {
		t.Errorf("transitions = %v", seen)
	}
}
