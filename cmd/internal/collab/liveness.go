package collab

import (
	"context"
	"log/slog"
	"time"
)

// LivenessMonitor sweeps the registry and tears down connections whose last
// activity is older than the idle timeout. Teardown runs each connection's
// shutdown hook, which is the same path as an explicit disconnect, so dead
// clients can never leave ghost participants behind.
//
// The per-connection websocket pings live in the gateway; this monitor only
// judges inbound activity.
type LivenessMonitor struct {
	log      *slog.Logger
	registry *Registry
	metrics  *Metrics

	interval time.Duration
	timeout  time.Duration
}

// NewLivenessMonitor constructs a monitor with safe defaults when inputs
// are invalid.
func NewLivenessMonitor(log *slog.Logger, registry *Registry, metrics *Metrics, interval, timeout time.Duration) *LivenessMonitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = heartbeatInterval
	}
	if timeout <= 0 {
		timeout = idleTimeout
	}
	return &LivenessMonitor{
		log:      log,
		registry: registry,
		metrics:  metrics,
		interval: interval,
		timeout:  timeout,
	}
}

// Run blocks until ctx is done, sweeping once per interval.
func (m *LivenessMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now.UTC())
		}
	}
}

// Sweep tears down every connection idle for longer than the timeout.
// Exposed for tests; Run calls it on the ticker.
func (m *LivenessMonitor) Sweep(now time.Time) {
	cut := now.Add(-m.timeout)

	for _, conn := range m.registry.Snapshot() {
		if conn.LastSeen().After(cut) {
			continue
		}

		m.log.Info("liveness.idle_disconnect",
			"connection_id", conn.ID,
			"last_seen", conn.LastSeen(),
		)
		m.metrics.idleDisconnect()
		conn.Shutdown()
	}
}
