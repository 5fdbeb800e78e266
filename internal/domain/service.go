package domain

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// validID keeps ids usable as proxy object names and redis key segments.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Service is one managed backend unit: a container that can be put to sleep
// and woken up on demand.
//
// Records are owned by the registry. Everything outside the registry works on
// copies, and mutation happens only inside registry.WithLock.
type Service struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// ID is the stable unique identifier, ex: jellyfin
	ID string `json:"id"`

	// ContainerRef is the name or id the container runtime knows the container by.
	ContainerRef string `json:"containerRef"`

	// ─────────────────────────────
	// Routing
	// ─────────────────────────────

	// Route holds the public match criteria.
	Route RouteKey `json:"route"`

	// Upstream describes how to reach the container once running.
	Upstream Upstream `json:"upstream"`

	// Target is the live upstream base URL. Set only while Running.
	Target string `json:"target,omitempty"`

	// ─────────────────────────────
	// Lifecycle
	// ─────────────────────────────

	State State `json:"state"`

	// Generation increases on every state transition. Asynchronous results
	// carry the generation they were issued against and are discarded when it moved.
	Generation uint64 `json:"generation"`

	// StateSince is when the current state was entered.
	StateSince time.Time `json:"stateSince"`

	// Reason explains the last transition, ex: "idle", "container exited".
	Reason string `json:"reason,omitempty"`

	// LastError is the failure recorded on the last transition to Error.
	LastError string `json:"lastError,omitempty"`

	// TimedOut is set when that failure was a wake or health check timeout.
	TimedOut bool `json:"timedOut,omitempty"`

	// LastActivity is refreshed on every forwarded request while Running.
	LastActivity time.Time `json:"lastActivity"`

	// ─────────────────────────────
	// Policy
	// ─────────────────────────────

	IdleTimeout time.Duration `json:"idleTimeout"`
	WakeTimeout time.Duration `json:"wakeTimeout"`
	HealthCheck HealthCheck   `json:"healthCheck"`
}

// Upstream tells how to turn a running container into a target address.
type Upstream struct {
	// Scheme is http or https (default http).
	Scheme string `json:"scheme" yaml:"scheme"`
	// Host overrides address discovery, ex: "jellyfin" when the proxy shares a docker network.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	// Port is the port the application listens on inside the container.
	Port int `json:"port" yaml:"port"`
	// Network selects which container network address to use when Host is empty.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
}

// TargetFor builds the upstream base URL for the given container address.
func (u Upstream) TargetFor(addr string) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := addr
	if u.Host != "" {
		host = u.Host
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(u.Port))
}

// HealthCheck is the liveness target polled while waking.
type HealthCheck struct {
	// Target is an explicit probe URL (http://, https:// or tcp://). When empty,
	// the probe hits Path on the live upstream target.
	Target string `json:"target,omitempty"`
	// Path is appended to the upstream target when Target is empty (default "/").
	Path string `json:"path,omitempty"`
	// Interval between two attempts.
	Interval time.Duration `json:"interval"`
	// MaxAttempts caps the attempts; 0 means "as many as the wake budget allows".
	MaxAttempts int `json:"maxAttempts"`
	// Timeout bounds each individual attempt.
	Timeout time.Duration `json:"timeout"`
}

// ProbeTarget returns the URL the health prober should poll for the given upstream target.
func (h HealthCheck) ProbeTarget(upstreamTarget string) string {
	if h.Target != "" {
		return h.Target
	}
	path := h.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(upstreamTarget, "/") + path
}

// Budget splits a wake budget into probe attempts.
// The result never exceeds MaxAttempts (when set) and is at least 1.
func (h HealthCheck) Budget(remaining time.Duration) (time.Duration, int) {
	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := int(remaining / interval)
	if h.MaxAttempts > 0 && attempts > h.MaxAttempts {
		attempts = h.MaxAttempts
	}
	if attempts < 1 {
		attempts = 1
	}
	return interval, attempts
}

// Validate checks the static configuration of a service record.
func (s Service) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("service id is required")
	}
	if !validID.MatchString(s.ID) {
		return fmt.Errorf("service id %q: only letters, digits, '-' and '_' are allowed", s.ID)
	}
	if strings.TrimSpace(s.ContainerRef) == "" {
		return fmt.Errorf("service %s: container reference is required", s.ID)
	}
	if strings.TrimSpace(s.Route.Host) == "" {
		return fmt.Errorf("service %s: route host is required", s.ID)
	}
	if s.Upstream.Port <= 0 || s.Upstream.Port > 65535 {
		return fmt.Errorf("service %s: invalid upstream port %d", s.ID, s.Upstream.Port)
	}
	if s.Upstream.Scheme != "" && s.Upstream.Scheme != "http" && s.Upstream.Scheme != "https" {
		return fmt.Errorf("service %s: unsupported upstream scheme %q", s.ID, s.Upstream.Scheme)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("service %s: idle timeout must be > 0", s.ID)
	}
	if s.WakeTimeout <= 0 {
		return fmt.Errorf("service %s: wake timeout must be > 0", s.ID)
	}
	return nil
}

// IdleFor returns how long the service has gone without traffic.
func (s Service) IdleFor(now time.Time) time.Duration {
	if s.LastActivity.IsZero() {
		return now.Sub(s.StateSince)
	}
	return now.Sub(s.LastActivity)
}

// Idle reports whether a Running service exceeded its idle timeout.
func (s Service) Idle(now time.Time) bool {
	return s.State == StateRunning && s.IdleFor(now) > s.IdleTimeout
}

// Routable reports whether the service belongs in the desired route table.
func (s Service) Routable() bool {
	return s.State == StateRunning && s.Target != ""
}

// ApplyConfig copies the configuration fields of cfg onto s, leaving the lifecycle untouched.
func (s *Service) ApplyConfig(cfg Service) {
	s.ContainerRef = cfg.ContainerRef
	s.Route = cfg.Route
	s.Upstream = cfg.Upstream
	s.IdleTimeout = cfg.IdleTimeout
	s.WakeTimeout = cfg.WakeTimeout
	s.HealthCheck = cfg.HealthCheck
}
