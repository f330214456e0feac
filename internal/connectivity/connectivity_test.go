package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

func TestProbeGateReflectsPing(t *testing.T) {
	var fail bool
	gate := NewProbeGate(pingFunc(func(context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}), time.Second, nil)

	if !gate.CanReachRemote(context.Background()) {
		t.Fatalf("expected gate to report online")
	}
	fail = true
	if gate.CanReachRemote(context.Background()) {
		t.Fatalf("expected gate to report offline")
	}
	if gate.LastKnown() {
		t.Fatalf("expected last known state to be offline")
	}
}

func TestProbeGateTimesOutSlowPing(t *testing.T) {
	gate := NewProbeGate(pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 20*time.Millisecond, nil)

	start := time.Now()
	if gate.CanReachRemote(context.Background()) {
		t.Fatalf("expected a hanging ping to count as offline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe took too long: %s", elapsed)
	}
}

func TestStaticGate(t *testing.T) {
	gate := NewStaticGate(false)
	if gate.CanReachRemote(context.Background()) {
		t.Fatalf("expected offline")
	}
	gate.Set(true)
	if !gate.CanReachRemote(context.Background()) {
		t.Fatalf("expected online")
	}
}
