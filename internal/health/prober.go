// Package health polls a freshly started upstream until it answers.
package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/utils"
	"github.com/MrSnakeDoc/wake/internal/version"
)

// Result is the outcome of a probe sequence.
type Result string

const (
	Ready    Result = "ready"
	NotReady Result = "not_ready"
)

// Check describes one probe sequence.
type Check struct {
	// Target is http://, https:// or tcp://host:port.
	Target         string
	Interval       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration // 0 = prober default
}

// Prober blocks until the target is ready, the attempts are exhausted or ctx ends.
//
// It returns (Ready, nil) on success, (NotReady, nil) when the target answered
// but never healthily within the budget, and (NotReady, domain.ErrUnreachable)
// when no attempt could even connect.
type Prober interface {
	Probe(ctx context.Context, c Check) (Result, error)
}

// HTTPProber probes http(s) targets with GET and tcp targets with a plain dial.
type HTTPProber struct {
	client         *http.Client
	dialer         *net.Dialer
	attemptTimeout time.Duration
}

// Options configures an HTTPProber.
type Options struct {
	AttemptTimeout time.Duration
	// InsecureTLS skips certificate verification for https targets (self-signed upstreams).
	InsecureTLS bool
}

// NewHTTPProber builds a prober with a dedicated, non keep-alive client.
func NewHTTPProber(opts Options) *HTTPProber {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   opts.AttemptTimeout,
		KeepAlive: -1,
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: opts.AttemptTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: opts.InsecureTLS, //nolint:gosec // opt-in for self-signed upstreams
			},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// A redirect already proves the application is serving.
			return http.ErrUseLastResponse
		},
	}

	return &HTTPProber{client: client, dialer: dialer, attemptTimeout: opts.AttemptTimeout}
}

func (p *HTTPProber) Probe(ctx context.Context, c Check) (Result, error) {
	u, err := url.Parse(c.Target)
	if err != nil || u.Host == "" {
		return NotReady, fmt.Errorf("invalid probe target %q: %w", c.Target, domain.ErrUnreachable)
	}
	switch u.Scheme {
	case "http", "https", "tcp":
	default:
		return NotReady, fmt.Errorf("unsupported probe scheme %q: %w", u.Scheme, domain.ErrUnreachable)
	}

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := c.AttemptTimeout
	if timeout <= 0 {
		timeout = p.attemptTimeout
	}

	connected := false
	var lastErr error

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		reached, err := p.attempt(actx, u)
		connected = connected || reached
		lastErr = err
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err == nil {
		return Ready, nil
	}

	if !connected {
		return NotReady, fmt.Errorf("%s: %w: %v", c.Target, domain.ErrUnreachable, lastErr)
	}
	return NotReady, nil
}

// attempt runs a single probe. reached reports whether the target accepted a connection.
func (p *HTTPProber) attempt(ctx context.Context, u *url.URL) (reached bool, err error) {
	if u.Scheme == "tcp" {
		conn, err := p.dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return false, err
		}
		utils.Close(conn)
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return false, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer utils.DrainClose(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true, nil
	}
	return true, errors.New("unhealthy status " + resp.Status)
}
