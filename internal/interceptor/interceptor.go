// Package interceptor is the edge entry point for requests the proxy cannot
// serve yet. It resolves the target service, wakes it when needed and
// forwards the request once the upstream is live.
package interceptor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/httpserver/mw"
	"github.com/MrSnakeDoc/wake/internal/logger"
	"github.com/MrSnakeDoc/wake/internal/registry"
	"github.com/MrSnakeDoc/wake/internal/wake"
)

// Waker is the part of the wake coordinator the interceptor drives.
type Waker interface {
	Wake(ctx context.Context, id string) error
}

// Options tunes the interceptor.
type Options struct {
	// MaxWait is how long a request may be held while its service wakes.
	MaxWait time.Duration
	// InterimMargin is kept back from MaxWait to answer with the interim
	// "waking" response before the client's own patience runs out.
	InterimMargin time.Duration
	// RetryAfter is the hint sent with interim responses (default 2s).
	RetryAfter time.Duration
	// TrustProxy keeps the incoming X-Forwarded-For chain.
	TrustProxy bool
	// Limiter bounds wake triggers per client. Nil disables limiting.
	Limiter *mw.Limiter
	// Transport is used to reach upstreams (default http.DefaultTransport).
	Transport http.RoundTripper
}

type targetKey struct{}

// Interceptor is an http.Handler.
type Interceptor struct {
	reg    *registry.Registry
	waker  Waker
	opts   Options
	proxy  *httputil.ReverseProxy
	logger logger.Logger
}

// New creates an interceptor.
func New(reg *registry.Registry, waker Waker, opts Options, log logger.Logger) *Interceptor {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 2 * time.Second
	}

	i := &Interceptor{
		reg:    reg,
		waker:  waker,
		opts:   opts,
		logger: log.Named("interceptor"),
	}
	i.proxy = &httputil.ReverseProxy{
		Rewrite:      i.rewrite,
		Transport:    opts.Transport,
		ErrorHandler: i.upstreamError,
	}
	return i
}

// ServeHTTP resolves, wakes if needed, then forwards.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	svc, ok := i.reg.Resolve(host, r.URL.Path)
	if !ok {
		i.respond(w, r, reply{status: StatusUnknown, code: http.StatusNotFound, message: "no service is configured for " + host})
		return
	}

	if svc.State == domain.StateRunning && svc.Target != "" {
		i.forward(w, r, svc)
		return
	}

	if l := i.opts.Limiter; l != nil {
		if ok, _, retry := l.Allow(l.Key(r), time.Now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			i.respond(w, r, reply{service: svc.ID, status: StatusWaking, code: http.StatusTooManyRequests, message: "too many wake requests"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), i.waitBudget())
	err := i.waker.Wake(ctx, svc.ID)
	cancel()

	if err == nil {
		current, ok := i.reg.Get(svc.ID)
		if ok && current.State == domain.StateRunning && current.Target != "" {
			i.forward(w, r, current)
			return
		}
		// Went back to sleep between the wake and the lookup.
		i.respond(w, r, i.interim(svc.ID))
		return
	}

	i.respond(w, r, i.classify(svc.ID, err))
}

// classify maps a wake error to the response the edge shows.
func (i *Interceptor) classify(id string, err error) reply {
	var failed *wake.FailedError
	switch {
	case errors.Is(err, wake.ErrStillWaking), errors.Is(err, domain.ErrConflict):
		return i.interim(id)

	case errors.Is(err, domain.ErrNotFound):
		return reply{status: StatusUnknown, code: http.StatusNotFound, message: "service " + id + " is no longer configured"}

	case errors.As(err, &failed):
		rep := reply{service: id, status: StatusFailed, code: http.StatusServiceUnavailable, message: "service failed to start", detail: failed.Cause}
		if failed.Timeout {
			rep.status, rep.code, rep.message = StatusTimeout, http.StatusGatewayTimeout, "service timed out while starting"
		}
		if failed.RetryIn > 0 {
			rep.retryAfter = failed.RetryIn
		}
		return rep

	case errors.Is(err, domain.ErrTimeout):
		i.logger.Warn("wake timed out", logger.Service(id), logger.Error(err))
		return reply{service: id, status: StatusTimeout, code: http.StatusGatewayTimeout, message: "service timed out while starting"}

	default:
		i.logger.Warn("wake failed", logger.Service(id), logger.Error(err))
		return reply{service: id, status: StatusFailed, code: http.StatusServiceUnavailable, message: "service failed to start", detail: err.Error()}
	}
}

func (i *Interceptor) interim(id string) reply {
	return reply{
		service:    id,
		status:     StatusWaking,
		code:       http.StatusServiceUnavailable,
		message:    "service is starting",
		retryAfter: i.opts.RetryAfter,
	}
}

// waitBudget is how long a request waits on the coordinator before the interim reply.
func (i *Interceptor) waitBudget() time.Duration {
	if d := i.opts.MaxWait - i.opts.InterimMargin; d > 0 {
		return d
	}
	return i.opts.MaxWait
}

func (i *Interceptor) forward(w http.ResponseWriter, r *http.Request, svc domain.Service) {
	target, err := url.Parse(svc.Target)
	if err != nil || target.Host == "" {
		i.logger.Error("invalid upstream target", logger.Service(svc.ID), logger.String("target", svc.Target))
		i.respond(w, r, reply{service: svc.ID, status: StatusFailed, code: http.StatusBadGateway, message: "invalid upstream"})
		return
	}
	i.reg.Touch(svc.ID)
	ctx := context.WithValue(r.Context(), targetKey{}, target)
	i.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (i *Interceptor) rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(targetKey{}).(*url.URL)
	pr.SetURL(target)
	if i.opts.TrustProxy {
		pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
	}
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host
}

func (i *Interceptor) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	target, _ := r.Context().Value(targetKey{}).(*url.URL)
	host := ""
	if target != nil {
		host = target.Host
	}
	i.logger.Warn("upstream request failed",
		logger.String("upstream", host),
		logger.String("path", r.URL.Path),
		logger.Error(err))
	i.respond(w, r, reply{status: StatusFailed, code: http.StatusBadGateway, message: "upstream did not answer"})
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}
