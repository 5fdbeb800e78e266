package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/utils"
	"github.com/MrSnakeDoc/wake/internal/version"
)

// CaddyOptions configures the Caddy admin API applier.
type CaddyOptions struct {
	AdminURL string        // ex: http://localhost:2019
	Server   string        // http app server name (default "srv0")
	Timeout  time.Duration // per HTTP call, 0 = rely on ctx only
}

// CaddyApplier manages routes through Caddy's JSON admin API.
//
// Managed routes carry "@id": "wake-<service>" and are inserted at the head of
// the server's route list, ahead of the catch-all that points at the interceptor.
type CaddyApplier struct {
	base   string
	server string
	client *http.Client
}

type caddyRoute struct {
	ID       string         `json:"@id,omitempty"`
	Match    []caddyMatch   `json:"match,omitempty"`
	Handle   []caddyHandler `json:"handle,omitempty"`
	Terminal bool           `json:"terminal,omitempty"`
}

type caddyMatch struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

type caddyHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []caddyUpstream `json:"upstreams,omitempty"`
	Transport *caddyTransport `json:"transport,omitempty"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

type caddyTransport struct {
	Protocol string    `json:"protocol"`
	TLS      *struct{} `json:"tls,omitempty"`
}

// NewCaddyApplier creates an applier for the given admin endpoint.
func NewCaddyApplier(opts CaddyOptions) *CaddyApplier {
	if opts.Server == "" {
		opts.Server = "srv0"
	}
	return &CaddyApplier{
		base:   strings.TrimSuffix(opts.AdminURL, "/"),
		server: opts.Server,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *CaddyApplier) Name() string { return "caddy" }

func (c *CaddyApplier) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/config/", nil, nil)
}

func (c *CaddyApplier) Apply(ctx context.Context, ops []Op) (map[domain.RouteKey]error, error) {
	failed := make(map[domain.RouteKey]error)
	for _, op := range ops {
		if err := c.apply(ctx, op); err != nil {
			failed[op.Key] = fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
		}
	}
	return failed, nil
}

func (c *CaddyApplier) apply(ctx context.Context, op Op) error {
	id := RouterName(op.Entry.ServiceID)

	switch op.Kind {
	case OpRemove:
		err := c.do(ctx, http.MethodDelete, "/id/"+id, nil, nil)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err

	case OpUpdate:
		route, err := caddyRouteFor(op)
		if err != nil {
			return err
		}
		err = c.do(ctx, http.MethodPatch, "/id/"+id, route, nil)
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		// Gone from the proxy: recreate it.
		return c.do(ctx, http.MethodPut, c.routesPath()+"/0", route, nil)

	default:
		route, err := caddyRouteFor(op)
		if err != nil {
			return err
		}
		// A leftover with the same @id would make the insert fail on a duplicate id.
		if err := c.do(ctx, http.MethodDelete, "/id/"+id, nil, nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return c.do(ctx, http.MethodPut, c.routesPath()+"/0", route, nil)
	}
}

// Current lists the managed routes of the server.
func (c *CaddyApplier) Current(ctx context.Context) (domain.RouteTable, error) {
	var routes []caddyRoute
	if err := c.do(ctx, http.MethodGet, c.routesPath(), nil, &routes); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RouteTable{}, nil
		}
		return nil, err
	}

	table := make(domain.RouteTable, len(routes))
	for _, r := range routes {
		serviceID, ok := ServiceIDFromRouter(r.ID)
		if !ok || len(r.Match) == 0 || len(r.Match[0].Host) == 0 {
			continue
		}
		target := caddyTarget(r)
		if target == "" {
			continue
		}
		key := domain.RouteKey{Host: r.Match[0].Host[0]}
		if len(r.Match[0].Path) > 0 {
			key.PathPrefix = r.Match[0].Path[0]
		}
		table[key.Normalize()] = domain.RouteEntry{ServiceID: serviceID, Target: target}
	}
	return table, nil
}

func (c *CaddyApplier) routesPath() string {
	return "/config/apps/http/servers/" + url.PathEscape(c.server) + "/routes"
}

func caddyRouteFor(op Op) (caddyRoute, error) {
	u, err := url.Parse(op.Entry.Target)
	if err != nil || u.Host == "" {
		return caddyRoute{}, fmt.Errorf("invalid upstream target %q", op.Entry.Target)
	}

	match := caddyMatch{Host: []string{op.Key.Host}}
	if op.Key.PathPrefix != "" {
		match.Path = []string{op.Key.PathPrefix, op.Key.PathPrefix + "/*"}
	}

	h := caddyHandler{
		Handler:   "reverse_proxy",
		Upstreams: []caddyUpstream{{Dial: u.Host}},
	}
	if u.Scheme == "https" {
		h.Transport = &caddyTransport{Protocol: "http", TLS: &struct{}{}}
	}

	return caddyRoute{
		ID:       RouterName(op.Entry.ServiceID),
		Match:    []caddyMatch{match},
		Handle:   []caddyHandler{h},
		Terminal: true,
	}, nil
}

func caddyTarget(r caddyRoute) string {
	for _, h := range r.Handle {
		if h.Handler != "reverse_proxy" || len(h.Upstreams) == 0 {
			continue
		}
		scheme := "http"
		if h.Transport != nil && h.Transport.TLS != nil {
			scheme = "https"
		}
		return scheme + "://" + h.Upstreams[0].Dial
	}
	return ""
}

func (c *CaddyApplier) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal caddy payload: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build caddy request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("caddy %s %s: %w: %v", method, path, domain.ErrUnreachable, err)
		}
		return fmt.Errorf("caddy %s %s: %w", method, path, err)
	}
	defer utils.DrainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("caddy %s %s: %w", method, path, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("caddy %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode caddy response: %w", err)
	}
	return nil
}
