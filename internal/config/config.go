package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Proxy backends.
const (
	BackendTraefik = "traefik"
	BackendCaddy   = "caddy"
)

type Config struct {
	ListenPort      string        // interceptor listener, ex: ":8080"
	AdminPort       string        // admin API listener, ex: ":8081"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Service catalog
	ServiceFile    string        // path to services.yaml
	ReloadInterval time.Duration // interval to reload services.yaml (default: 5m)

	// Lifecycle defaults (a service may override them in the catalog)
	IdleTimeout          time.Duration // Running -> Sleeping after this long without traffic
	WakeTimeout          time.Duration // budget for start + health check
	HealthInterval       time.Duration // wait between two health probes
	HealthAttemptTimeout time.Duration // timeout of one health probe
	HealthInsecureTLS    bool          // accept self-signed certificates on https health checks

	// Wake coordination
	MaxWait       time.Duration // how long the interceptor holds a request
	InterimMargin time.Duration // kept back from MaxWait for the interim response
	ErrorCooldown time.Duration // failed services replay their error this long
	RetryInitial  time.Duration // first backoff step for runtime and proxy calls
	RetryMax      time.Duration // cap on one backoff step
	RetryAttempts int           // attempts per operation
	StopTimeout   time.Duration // budget for a whole sleep sequence

	// Background loops
	ReapInterval     time.Duration
	ResyncInterval   time.Duration
	LoopConcurrency  int  // services a loop acts on at once
	WatchEvents      bool // follow container events from the runtime
	AdoptOnStartup   bool // wake services whose container already runs
	RedisSnapshots   bool // keep service snapshots in Redis
	AdminWaitTimeout time.Duration

	// Container runtime
	RuntimeHost       string        // empty => DOCKER_HOST / default socket
	RuntimeAPIVersion string        // empty => negotiated
	RuntimeTimeout    time.Duration // per call
	StopGrace         time.Duration // SIGTERM grace period

	// Proxy
	ProxyBackend       string        // "traefik" | "caddy"
	ProxyTimeout       time.Duration // per admin call
	TraefikRootKey     string        // providers.redis.rootKey
	TraefikEntryPoints []string
	CaddyAdminURL      string
	CaddyServer        string

	// Redis (required for the traefik backend, optional otherwise)
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts
	EventsStream          string        // Redis stream key for transition events
	EventsMaxLen          int64         // approximate cap on the stream length

	// Admin API access restrictions
	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict access to specific IP (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy   bool     // true => trust X-Forwarded-For headers

	// Interceptor rate limit on wake triggers
	RateBurst  int
	RatePerMin int

	// Admin rate limit on wake, sleep and reload calls (burst 0 disables it)
	AdminRateBurst  int
	AdminRatePerMin int
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("WAKE_LISTEN_PORT", ":8080"),
		AdminPort:       getenv("WAKE_ADMIN_PORT", ":8081"),
		ShutdownTimeout: mustDuration("WAKE_SHUTDOWN_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel:  getenv("WAKE_LOG_LEVEL", "info"),
		PrettyLog: mustBool("WAKE_PRETTY_LOG", true),

		// Service catalog
		ServiceFile:    getenv("WAKE_SERVICE_FILE", "/app/services.yaml"),
		ReloadInterval: mustDuration("WAKE_RELOAD_INTERVAL", 5*time.Minute),

		// Lifecycle defaults
		IdleTimeout:          mustDuration("WAKE_IDLE_TIMEOUT", 15*time.Minute),
		WakeTimeout:          mustDuration("WAKE_WAKE_TIMEOUT", 60*time.Second),
		HealthInterval:       mustDuration("WAKE_HEALTH_INTERVAL", time.Second),
		HealthAttemptTimeout: mustDuration("WAKE_HEALTH_ATTEMPT_TIMEOUT", 2*time.Second),
		HealthInsecureTLS:    mustBool("WAKE_HEALTH_INSECURE_TLS", false),

		// Wake coordination
		MaxWait:       mustDuration("WAKE_MAX_WAIT", 30*time.Second),
		InterimMargin: mustDuration("WAKE_INTERIM_MARGIN", 2*time.Second),
		ErrorCooldown: mustDuration("WAKE_ERROR_COOLDOWN", 30*time.Second),
		RetryInitial:  mustDuration("WAKE_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:      mustDuration("WAKE_RETRY_MAX", 5*time.Second),
		RetryAttempts: getenvInt("WAKE_RETRY_ATTEMPTS", 5),
		StopTimeout:   mustDuration("WAKE_STOP_TIMEOUT", 60*time.Second),

		// Background loops
		ReapInterval:     mustDuration("WAKE_REAP_INTERVAL", 5*time.Second),
		ResyncInterval:   mustDuration("WAKE_RESYNC_INTERVAL", 30*time.Second),
		LoopConcurrency:  getenvInt("WAKE_LOOP_CONCURRENCY", 4),
		WatchEvents:      mustBool("WAKE_WATCH_EVENTS", true),
		AdoptOnStartup:   mustBool("WAKE_ADOPT_ON_STARTUP", true),
		RedisSnapshots:   mustBool("WAKE_REDIS_SNAPSHOTS", true),
		AdminWaitTimeout: mustDuration("WAKE_ADMIN_WAIT_TIMEOUT", 90*time.Second),

		// Container runtime
		RuntimeHost:       getenv("WAKE_RUNTIME_HOST", ""),
		RuntimeAPIVersion: getenv("WAKE_RUNTIME_API_VERSION", ""),
		RuntimeTimeout:    mustDuration("WAKE_RUNTIME_TIMEOUT", 10*time.Second),
		StopGrace:         mustDuration("WAKE_STOP_GRACE", 10*time.Second),

		// Proxy
		ProxyBackend:       strings.ToLower(getenv("WAKE_PROXY_BACKEND", BackendTraefik)),
		ProxyTimeout:       mustDuration("WAKE_PROXY_TIMEOUT", 5*time.Second),
		TraefikRootKey:     getenv("WAKE_TRAEFIK_ROOT_KEY", "traefik"),
		TraefikEntryPoints: splitAndTrim(getenv("WAKE_TRAEFIK_ENTRYPOINTS", "web")),
		CaddyAdminURL:      getenv("WAKE_CADDY_ADMIN_URL", "http://localhost:2019"),
		CaddyServer:        getenv("WAKE_CADDY_SERVER", "srv0"),

		// Redis settings
		RedisAddr:             getenv("WAKE_REDIS_ADDR", ""),
		RedisUser:             getenv("WAKE_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("WAKE_REDIS_PASSWORD_REQUIRED", false),
		RedisPassword:         getenv("WAKE_REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("WAKE_REDIS_DB", 0),
		RedisDT:               mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("REDIS_WARN_THRESHOLD", 3),
		EventsStream:          getenv("WAKE_EVENTS_STREAM", "wake:events"),
		EventsMaxLen:          int64(getenvInt("WAKE_EVENTS_MAXLEN", 10000)),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("WAKE_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("WAKE_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("WAKE_TRUST_PROXY", false),

		// Interceptor rate limit
		RateBurst:  getenvInt("WAKE_RATE_BURST", 20),
		RatePerMin: getenvInt("WAKE_RATE_PER_MIN", 120),

		// Admin trigger rate limit
		AdminRateBurst:  getenvInt("WAKE_ADMIN_RATE_BURST", 10),
		AdminRatePerMin: getenvInt("WAKE_ADMIN_RATE_PER_MIN", 30),
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.ProxyBackend {
	case BackendTraefik:
		if c.RedisAddr == "" {
			return fmt.Errorf("WAKE_REDIS_ADDR is required when WAKE_PROXY_BACKEND=%s", BackendTraefik)
		}
	case BackendCaddy:
		if c.CaddyAdminURL == "" {
			return fmt.Errorf("WAKE_CADDY_ADMIN_URL is required when WAKE_PROXY_BACKEND=%s", BackendCaddy)
		}
	default:
		return fmt.Errorf("WAKE_PROXY_BACKEND must be %q or %q, got %q", BackendTraefik, BackendCaddy, c.ProxyBackend)
	}

	if c.RedisPasswordRequired && c.RedisPassword == "" {
		return fmt.Errorf("WAKE_REDIS_PASSWORD is required when WAKE_REDIS_PASSWORD_REQUIRED=true")
	}
	if c.ListenPort == c.AdminPort {
		return fmt.Errorf("WAKE_LISTEN_PORT and WAKE_ADMIN_PORT must differ (both %s)", c.ListenPort)
	}

	positive := map[string]time.Duration{
		"WAKE_IDLE_TIMEOUT":     c.IdleTimeout,
		"WAKE_WAKE_TIMEOUT":     c.WakeTimeout,
		"WAKE_MAX_WAIT":         c.MaxWait,
		"WAKE_REAP_INTERVAL":    c.ReapInterval,
		"WAKE_RESYNC_INTERVAL":  c.ResyncInterval,
		"WAKE_RELOAD_INTERVAL":  c.ReloadInterval,
		"WAKE_HEALTH_INTERVAL":  c.HealthInterval,
		"WAKE_STOP_TIMEOUT":     c.StopTimeout,
		"WAKE_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if c.InterimMargin < 0 || c.InterimMargin >= c.MaxWait {
		return fmt.Errorf("WAKE_INTERIM_MARGIN must be in [0, WAKE_MAX_WAIT)")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("WAKE_RETRY_ATTEMPTS must be >= 1")
	}
	return nil
}

// RedisEnabled reports whether a Redis server is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
