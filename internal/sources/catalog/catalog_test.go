package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

var base = Defaults{
	IdleTimeout: 15 * time.Minute,
	WakeTimeout: time.Minute,
	HealthCheck: HealthDef{Interval: time.Second, Timeout: 2 * time.Second},
}

func TestLoaderLoad(t *testing.T) {
	t.Setenv("WAKE_TEST_DOMAIN", "home.lan")
	path := filepath.Join(t.TempDir(), "services.yaml")

	content := `
defaults:
  idleTimeout: 10m
  healthCheck:
    path: /health
services:
  - id: jellyfin
    host: tv.${WAKE_TEST_DOMAIN}
    upstream:
      port: 8096
  - id: paperless
    container: paperless-ngx
    host: docs.${WAKE_TEST_DOMAIN}
    path: /app/
    upstream:
      scheme: https
      port: 8443
    wakeTimeout: 2m
    healthCheck:
      target: tcp://paperless-db:5432
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test YAML file: %v", err)
	}

	f, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(f.Services) != 2 {
		t.Fatalf("Load() returned %d services, want 2", len(f.Services))
	}
	if f.Services[0].Host != "tv.home.lan" {
		t.Errorf("env reference not expanded: %q", f.Services[0].Host)
	}
	if f.Defaults.IdleTimeout != 10*time.Minute {
		t.Errorf("defaults idleTimeout = %v", f.Defaults.IdleTimeout)
	}

	services, err := NewMapper(base).MapServices(f)
	if err != nil {
		t.Fatalf("MapServices() error = %v", err)
	}

	jf := services[0]
	if jf.ContainerRef != "jellyfin" || jf.IdleTimeout != 10*time.Minute || jf.WakeTimeout != time.Minute {
		t.Errorf("jellyfin = %+v", jf)
	}
	if jf.HealthCheck.Path != "/health" || jf.HealthCheck.Interval != time.Second {
		t.Errorf("jellyfin health check = %+v", jf.HealthCheck)
	}

	pl := services[1]
	if pl.ContainerRef != "paperless-ngx" || pl.WakeTimeout != 2*time.Minute {
		t.Errorf("paperless = %+v", pl)
	}
	if pl.Route != (domain.RouteKey{Host: "docs.home.lan", PathPrefix: "/app"}) {
		t.Errorf("paperless route = %+v", pl.Route)
	}
	if pl.HealthCheck.Target != "tcp://paperless-db:5432" {
		t.Errorf("paperless probe target = %q", pl.HealthCheck.Target)
	}
}

func TestLoaderRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("services:\n  - id: a\n    hots: a.home.lan\n"))
	if err == nil {
		t.Fatal("typo in a field name should be rejected")
	}
}

func TestLoaderMissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(); err == nil {
		t.Fatal("missing file should be an error")
	}
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse(nil)
	if err != nil || len(f.Services) != 0 {
		t.Fatalf("Parse(empty) = %+v, %v", f, err)
	}
}

func TestMapperRejectsInvalidCatalog(t *testing.T) {
	tests := []struct {
		name string
		defs []ServiceDef
		want string
	}{
		{
			name: "duplicate id",
			defs: []ServiceDef{
				{ID: "a", Host: "a.home.lan", Upstream: UpstreamDef{Port: 80}},
				{ID: "a", Host: "b.home.lan", Upstream: UpstreamDef{Port: 80}},
			},
			want: "duplicate id",
		},
		{
			name: "duplicate route after normalization",
			defs: []ServiceDef{
				{ID: "a", Host: "a.home.lan", Upstream: UpstreamDef{Port: 80}},
				{ID: "b", Host: "A.Home.Lan", PathPrefix: "/", Upstream: UpstreamDef{Port: 80}},
			},
			want: "already used by a",
		},
		{
			name: "missing port",
			defs: []ServiceDef{{ID: "a", Host: "a.home.lan"}},
			want: "invalid upstream port",
		},
		{
			name: "bad id",
			defs: []ServiceDef{{ID: "a b", Host: "a.home.lan", Upstream: UpstreamDef{Port: 80}}},
			want: "only letters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper(base).MapServices(File{Services: tt.defs})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("MapServices() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestMapperSkipsDisabled(t *testing.T) {
	services, err := NewMapper(base).MapServices(File{Services: []ServiceDef{
		{ID: "a", Host: "a.home.lan", Upstream: UpstreamDef{Port: 80}},
		{ID: "b", Host: "b.home.lan", Upstream: UpstreamDef{Port: 80}, Disabled: true},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].ID != "a" {
		t.Errorf("MapServices() = %+v", services)
	}
}
