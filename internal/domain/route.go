package domain

import (
	"net"
	"sort"
	"strings"
)

// RouteKey is the public match criteria of a route: a hostname and an optional path prefix.
// Host may be a wildcard such as "*.apps.home.lan".
type RouteKey struct {
	Host       string `json:"host" yaml:"host"`
	PathPrefix string `json:"pathPrefix,omitempty" yaml:"pathPrefix,omitempty"`
}

func (k RouteKey) String() string {
	if k.PathPrefix == "" || k.PathPrefix == "/" {
		return k.Host
	}
	return k.Host + k.PathPrefix
}

// Normalize lowercases the host, strips any port and gives the path prefix a leading slash.
func (k RouteKey) Normalize() RouteKey {
	host := strings.ToLower(strings.TrimSpace(k.Host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	prefix := strings.TrimSpace(k.PathPrefix)
	if prefix == "/" {
		prefix = ""
	}
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return RouteKey{Host: host, PathPrefix: prefix}
}

// Matches reports whether a request for host/path is served by this route.
func (k RouteKey) Matches(host, path string) bool {
	if !MatchHost(host, k.Host) {
		return false
	}
	if k.PathPrefix == "" {
		return true
	}
	return path == k.PathPrefix || strings.HasPrefix(path, k.PathPrefix+"/")
}

// Specificity orders competing matches: exact hosts beat wildcards, longer prefixes beat shorter ones.
func (k RouteKey) Specificity() int {
	score := len(k.PathPrefix)
	if !strings.HasPrefix(k.Host, "*.") {
		score += 1 << 16
	}
	return score
}

// MatchHost checks if host matches pattern (supports wildcard *.example.com).
// Comparison is case-insensitive and ignores any port on host.
func MatchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}

	// Wildcard match: *.example.com matches sub.example.com
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}

	return false
}

// RouteEntry is what the proxy should do for one RouteKey.
type RouteEntry struct {
	ServiceID string `json:"serviceId"`
	Target    string `json:"target"` // upstream base URL, ex: http://172.18.0.5:8096
}

// RouteTable maps match criteria to upstream targets.
// The desired table is a projection of the Running services, never edited by hand.
type RouteTable map[RouteKey]RouteEntry

// Clone returns an independent copy of t.
func (t RouteTable) Clone() RouteTable {
	out := make(RouteTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Keys returns the table keys in a stable order.
func (t RouteTable) Keys() []RouteKey {
	keys := make([]RouteKey, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Equal reports whether both tables hold the same entries.
func (t RouteTable) Equal(other RouteTable) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		if o, ok := other[k]; !ok || o != v {
			return false
		}
	}
	return true
}
