package catalog

import "time"

// File is the top-level structure of services.yaml.
//
//	defaults:
//	  idleTimeout: 15m
//	  wakeTimeout: 60s
//	  healthCheck: {interval: 1s, timeout: 2s}
//	services:
//	  - id: jellyfin
//	    container: jellyfin
//	    host: tv.home.lan
//	    upstream: {port: 8096}
type File struct {
	Defaults Defaults     `yaml:"defaults"`
	Services []ServiceDef `yaml:"services"`
}

// Defaults apply to every service that leaves the matching field empty.
type Defaults struct {
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`
	WakeTimeout time.Duration `yaml:"wakeTimeout,omitempty"`
	Scheme      string        `yaml:"scheme,omitempty"`
	Network     string        `yaml:"network,omitempty"`
	HealthCheck HealthDef     `yaml:"healthCheck,omitempty"`
}

// ServiceDef is one managed service as written in the file.
type ServiceDef struct {
	ID          string        `yaml:"id"`
	Container   string        `yaml:"container,omitempty"` // defaults to id
	Host        string        `yaml:"host"`
	PathPrefix  string        `yaml:"path,omitempty"`
	Upstream    UpstreamDef   `yaml:"upstream"`
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`
	WakeTimeout time.Duration `yaml:"wakeTimeout,omitempty"`
	HealthCheck HealthDef     `yaml:"healthCheck,omitempty"`
	Disabled    bool          `yaml:"disabled,omitempty"`
}

type UpstreamDef struct {
	Scheme  string `yaml:"scheme,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port"`
	Network string `yaml:"network,omitempty"`
}

type HealthDef struct {
	Target      string        `yaml:"target,omitempty"`
	Path        string        `yaml:"path,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}
