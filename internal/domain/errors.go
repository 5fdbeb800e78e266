package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means an unknown service or container.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInState is benign: the target state is already reached. Callers treat it as success.
	ErrAlreadyInState = errors.New("already in requested state")

	// ErrRuntimeFailure is a container runtime error. It is retryable by an operator, never automatically.
	ErrRuntimeFailure = errors.New("runtime failure")

	// ErrUnreachable means a control API (runtime or proxy) could not be reached.
	// It is a RuntimeFailure: errors.Is(ErrUnreachable, ErrRuntimeFailure) holds.
	ErrUnreachable = fmt.Errorf("%w: control api unreachable", ErrRuntimeFailure)

	// ErrTimeout means the wake or health check budget was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrPartialFailure means the proxy applied some but not all routes.
	ErrPartialFailure = errors.New("partial failure")

	// ErrConflict means another sequence (waking or stopping) currently owns the service.
	ErrConflict = errors.New("transition in progress")

	// ErrInvalidTransition is returned when the state machine forbids a transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStale means an asynchronous result arrived for a generation that is no longer current.
	ErrStale = errors.New("stale generation")
)

// PartialFailureError lists the routes a reconcile could not apply.
// Routes absent from Failed were applied and must not be re-sent.
type PartialFailureError struct {
	Failed map[RouteKey]error
}

func (e *PartialFailureError) Error() string {
	keys := make(RouteTable, len(e.Failed))
	for k := range e.Failed {
		keys[k] = RouteEntry{}
	}
	parts := make([]string, 0, len(e.Failed))
	for _, k := range keys.Keys() {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("partial failure: %d route(s) not applied (%s)", len(e.Failed), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

// FailedKeys returns the routes that were not applied.
func (e *PartialFailureError) FailedKeys() []RouteKey {
	keys := make([]RouteKey, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	return keys
}

// IsBenign reports whether err is nil or ErrAlreadyInState.
func IsBenign(err error) bool {
	return err == nil || errors.Is(err, ErrAlreadyInState)
}
