package collab

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLivenessMonitor_SweepReapsIdleConnections(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	mon := NewLivenessMonitor(nil, reg, nil, time.Second, time.Minute)

	now := time.Now().UTC()

	var idleShutdowns, freshShutdowns atomic.Int32

	idle := reg.Register("conn-idle", now.Add(-2*time.Minute))
	idle.SetShutdown(func() { idleShutdowns.Add(1) })

	fresh := reg.Register("conn-fresh", now.Add(-10*time.Second))
	fresh.SetShutdown(func() { freshShutdowns.Add(1) })

	mon.Sweep(now)

	if idleShutdowns.Load() != 1 {
		t.Fatalf("expected idle connection to be shut down, got %d", idleShutdowns.Load())
	}
	if freshShutdowns.Load() != 0 {
		t.Fatalf("fresh connection must not be shut down, got %d", freshShutdowns.Load())
	}

	// Activity resets the clock.
	idle.Touch(now)
	mon.Sweep(now.Add(30 * time.Second))
	if idleShutdowns.Load() != 1 {
		t.Fatalf("touched connection must not be shut down again, got %d", idleShutdowns.Load())
	}
}

func TestLivenessMonitor_DefaultsOnInvalidInputs(t *testing.T) {
	t.Parallel()

	mon := NewLivenessMonitor(nil, NewRegistry(nil, nil), nil, 0, -1)
	if mon.interval != heartbeatInterval {
		t.Fatalf("expected default interval, got %s", mon.interval)
	}
	if mon.timeout != idleTimeout {
		t.Fatalf("expected default timeout, got %s", mon.timeout)
	}
}
