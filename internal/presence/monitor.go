package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"schoolhub/internal/telemetry"
)

var (
	ErrMonitorAlreadyRunning = errors.New("heartbeat monitor is already running")
	ErrMonitorNotRunning     = errors.New("heartbeat monitor is not running")
)

// Monitor keeps registry records fresh from liveness signals and evicts
// connections that stop signalling without a clean disconnect.
type Monitor struct {
	registry      *Registry
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	now           func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMonitor(registry *Registry, staleAfter, sweepInterval time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:      registry,
		staleAfter:    staleAfter,
		sweepInterval: sweepInterval,
		logger:        logger.With("component", "monitor"),
		metrics:       metrics,
		now:           registry.now,
	}
}

// Beat records a liveness signal. It has no presence side effect.
func (m *Monitor) Beat(connectionID string) bool {
	m.metrics.Heartbeat(context.Background())
	return m.registry.Touch(connectionID)
}

// Sweep evicts every connection idle for longer than staleAfter through the
// normal removal path, then closes it. It returns the number evicted.
func (m *Monitor) Sweep() int {
	if m.staleAfter <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.staleAfter)

	evicted := 0
	for _, id := range m.registry.Idle(cutoff) {
		conn, ok := m.registry.Connection(id)
		if !ok {
			continue
		}
		record, removed := m.registry.RemoveIfIdle(id, cutoff)
		if !removed {
			continue
		}
		evicted++
		m.metrics.StaleEviction(context.Background())
		m.logger.Info("evicted stale connection", "user_id", record.UserID,
			"connection_id", id, "last_active_at", record.LastActiveAt)
		if err := conn.Close(); err != nil {
			m.logger.Debug("failed to close stale connection", "connection_id", id, "error", err)
		}
	}
	return evicted
}

// Start runs the sweep loop until Stop or ctx is cancelled
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMonitorAlreadyRunning
	}
	if m.sweepInterval <= 0 {
		m.running = true
		m.cancel = func() {}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()

	m.logger.Info("heartbeat monitor started", "stale_after", m.staleAfter, "sweep_interval", m.sweepInterval)
	return nil
}

// Stop halts the sweep loop and waits for it to exit
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	return nil
}
