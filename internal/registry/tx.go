package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/wake/internal/domain"
)

// Tx is the mutable view of one service handed to a WithLock callback.
// Changes are committed only when the callback returns nil.
type Tx struct {
	svc    domain.Service
	state  domain.State
	gen    uint64
	now    time.Time
	events []domain.Event
}

// Service returns the working copy. State and Generation must only change through Transition.
func (tx *Tx) Service() *domain.Service { return &tx.svc }

// Now is the time the lock was taken.
func (tx *Tx) Now() time.Time { return tx.now }

// Transition moves the service to state to, bumping its generation.
func (tx *Tx) Transition(to domain.State, reason string) error {
	from := tx.svc.State
	if !from.CanTransition(to) {
		return fmt.Errorf("service %s: %w: %s -> %s", tx.svc.ID, domain.ErrInvalidTransition, from, to)
	}

	tx.svc.State = to
	tx.svc.Generation++
	tx.svc.StateSince = tx.now
	tx.svc.Reason = reason

	switch to {
	case domain.StateRunning:
		tx.svc.LastError = ""
		tx.svc.TimedOut = false
		if tx.svc.LastActivity.Before(tx.now) {
			tx.svc.LastActivity = tx.now
		}
	case domain.StateSleeping:
		tx.svc.LastError = ""
		tx.svc.TimedOut = false
		tx.svc.Target = ""
	case domain.StateError:
		tx.svc.Target = ""
	}

	tx.state = to
	tx.gen = tx.svc.Generation
	tx.events = append(tx.events, domain.NewEvent(tx.svc, from))
	return nil
}

// Fail moves the service to Error and records err.
func (tx *Tx) Fail(reason string, err error) error {
	prev, prevTimedOut := tx.svc.LastError, tx.svc.TimedOut
	if err != nil {
		tx.svc.LastError = err.Error()
	}
	tx.svc.TimedOut = errors.Is(err, domain.ErrTimeout)
	if terr := tx.Transition(domain.StateError, reason); terr != nil {
		tx.svc.LastError, tx.svc.TimedOut = prev, prevTimedOut
		return terr
	}
	return nil
}

// WithLock runs fn with exclusive access to the service record.
// When fn returns an error the record is left untouched.
func (r *Registry) WithLock(id string, fn func(tx *Tx) error) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: service %s", domain.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("%w: service %s", domain.ErrNotFound, id)
	}

	tx := &Tx{
		svc:   e.svc,
		state: e.svc.State,
		gen:   e.svc.Generation,
		now:   r.now(),
	}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.svc.State != tx.state || tx.svc.Generation != tx.gen {
		return fmt.Errorf("service %s: %w: state changed outside Transition", id, domain.ErrInvalidTransition)
	}
	tx.svc.ID = e.svc.ID
	tx.svc.Route = e.svc.Route

	e.svc = tx.svc
	view := tx.svc
	e.view.Store(&view)

	if r.publisher != nil {
		for _, ev := range tx.events {
			r.publisher.Publish(ev)
		}
	}
	return nil
}
