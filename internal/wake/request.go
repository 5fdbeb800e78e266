package wake

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// Request is one in-flight wake attempt. It lives until the attempt resolves.
type Request struct {
	ServiceID  string
	Generation uint64
	StartedAt  time.Time

	waiters atomic.Int64
	done    chan struct{}
}

// Info is a read-only view of a Request.
type Info struct {
	ServiceID  string    `json:"serviceId"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"startedAt"`
	Waiters    int64     `json:"waiters"`
}

func newRequest(svc domain.Service, now time.Time) *Request {
	return &Request{
		ServiceID:  svc.ID,
		Generation: svc.Generation,
		StartedAt:  now,
		done:       make(chan struct{}),
	}
}

func (r *Request) key() string {
	return r.ServiceID + "#" + strconv.FormatUint(r.Generation, 10)
}

func (r *Request) attach() { r.waiters.Add(1) }
func (r *Request) detach() { r.waiters.Add(-1) }

// Done is closed once the attempt resolved.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) Info() Info {
	return Info{
		ServiceID:  r.ServiceID,
		Generation: r.Generation,
		StartedAt:  r.StartedAt,
		Waiters:    r.waiters.Load(),
	}
}
