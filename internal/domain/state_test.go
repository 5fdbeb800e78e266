package domain

import (
	"errors"
	"testing"
	"time"
)

func TestStateCanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateSleeping, StateWaking, true},
		{StateSleeping, StateRunning, false},
		{StateWaking, StateRunning, true},
		{StateWaking, StateError, true},
		{StateWaking, StateSleeping, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateSleeping, false},
		{StateRunning, StateWaking, false},
		{StateStopping, StateSleeping, true},
		{StateStopping, StateError, true},
		{StateStopping, StateRunning, false},
		{StateError, StateWaking, true},
		{StateError, StateStopping, true},
		{StateError, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	if s, err := ParseState("running"); err != nil || s != StateRunning {
		t.Errorf("ParseState(running) = %v, %v", s, err)
	}
	if _, err := ParseState("zombie"); err == nil {
		t.Error("ParseState(zombie) should fail")
	}
}

func TestStateBusy(t *testing.T) {
	for _, s := range []State{StateWaking, StateStopping} {
		if !s.Busy() {
			t.Errorf("%s should be busy", s)
		}
	}
	for _, s := range []State{StateSleeping, StateRunning, StateError} {
		if s.Busy() {
			t.Errorf("%s should not be busy", s)
		}
	}
}

func TestErrUnreachableIsRuntimeFailure(t *testing.T) {
	if !errors.Is(ErrUnreachable, ErrRuntimeFailure) {
		t.Error("ErrUnreachable must be classified as a runtime failure")
	}
	if errors.Is(ErrRuntimeFailure, ErrUnreachable) {
		t.Error("a generic runtime failure is not an unreachable error")
	}
}

func TestPartialFailureError(t *testing.T) {
	err := error(&PartialFailureError{Failed: map[RouteKey]error{
		{Host: "b.home.lan"}: errors.New("boom"),
	}})

	if !errors.Is(err, ErrPartialFailure) {
		t.Error("PartialFailureError should match ErrPartialFailure")
	}

	var pf *PartialFailureError
	if !errors.As(err, &pf) || len(pf.FailedKeys()) != 1 {
		t.Fatalf("errors.As failed or wrong keys: %v", err)
	}
}

func TestHealthCheckBudget(t *testing.T) {
	tests := []struct {
		name         string
		hc           HealthCheck
		remaining    time.Duration
		wantInterval time.Duration
		wantAttempts int
	}{
		{"split budget", HealthCheck{Interval: time.Second}, 10 * time.Second, time.Second, 10},
		{"capped by max attempts", HealthCheck{Interval: time.Second, MaxAttempts: 3}, 10 * time.Second, time.Second, 3},
		{"default interval", HealthCheck{}, 5 * time.Second, time.Second, 5},
		{"never below one", HealthCheck{Interval: time.Second}, 100 * time.Millisecond, time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval, attempts := tt.hc.Budget(tt.remaining)
			if interval != tt.wantInterval || attempts != tt.wantAttempts {
				t.Errorf("Budget() = (%v, %d), want (%v, %d)", interval, attempts, tt.wantInterval, tt.wantAttempts)
			}
		})
	}
}

func TestProbeTarget(t *testing.T) {
	if got := (HealthCheck{Path: "health"}).ProbeTarget("http://10.0.0.2:8096"); got != "http://10.0.0.2:8096/health" {
		t.Errorf("ProbeTarget() = %q", got)
	}
	if got := (HealthCheck{}).ProbeTarget("http://10.0.0.2:8096/"); got != "http://10.0.0.2:8096/" {
		t.Errorf("ProbeTarget() = %q", got)
	}
	if got := (HealthCheck{Target: "tcp://db:5432"}).ProbeTarget("http://x"); got != "tcp://db:5432" {
		t.Errorf("ProbeTarget() = %q", got)
	}
}

func TestUpstreamTargetFor(t *testing.T) {
	if got := (Upstream{Port: 8096}).TargetFor("172.18.0.5"); got != "http://172.18.0.5:8096" {
		t.Errorf("TargetFor() = %q", got)
	}
	if got := (Upstream{Scheme: "https", Host: "vault", Port: 8200}).TargetFor("172.18.0.9"); got != "https://vault:8200" {
		t.Errorf("TargetFor() = %q", got)
	}
}

func TestServiceIdle(t *testing.T) {
	now := time.Now()
	svc := Service{State: StateRunning, IdleTimeout: 5 * time.Second, LastActivity: now.Add(-6 * time.Second)}
	if !svc.Idle(now) {
		t.Error("service without traffic for 6s should be idle with a 5s timeout")
	}

	svc.LastActivity = now.Add(-2 * time.Second)
	if svc.Idle(now) {
		t.Error("recently active service should not be idle")
	}

	svc.State = StateSleeping
	svc.LastActivity = now.Add(-time.Hour)
	if svc.Idle(now) {
		t.Error("only running services can be idle")
	}
}
