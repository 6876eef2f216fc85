package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"schoolhub/internal/telemetry"
	"schoolhub/pkg/interfaces"
)

var (
	ErrWatcherAlreadyRunning = errors.New("watcher is already running")
	ErrWatcherNotRunning     = errors.New("watcher is not running")
	ErrWatcherTripped        = errors.New("watcher paused after repeated feed failures")
	errStreamEnded           = errors.New("change stream ended")
)

// State is the watcher lifecycle state
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateRestarting
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateTripped:
		return "tripped"
	default:
		return "stopped"
	}
}

// Config controls restart backoff and the failure breaker.
// A tripped watcher tries again after TripCooldown; zero keeps it halted.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxFailures  int
	ResetAfter   time.Duration
	TripCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxFailures:  10,
		ResetAfter:   time.Minute,
		TripCooldown: 5 * time.Minute,
	}
}

// Status is the health view of the watcher
type Status struct {
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Watcher subscribes to the directory change feed and provisions a profile
// for every created user. A broken stream is closed and re-opened with
// exponential backoff. Events published between the break and the new
// subscription are not seen.
type Watcher struct {
	feed        interfaces.ChangeFeed
	provisioner *Provisioner
	config      Config
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	state    atomic.Int32
	failures atomic.Int32

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(feed interfaces.ChangeFeed, provisioner *Provisioner, config Config, logger *slog.Logger, metrics *telemetry.Metrics) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		feed:        feed,
		provisioner: provisioner,
		config:      config,
		logger:      logger.With("component", "provisioning_watcher"),
		metrics:     metrics,
	}
}

// Start launches the watch loop
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		select {
		case <-w.done:
		default:
			return ErrWatcherAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.failures.Store(0)
	w.lastErr = nil
	w.setState(StateRestarting)

	go w.run(ctx, w.done)
	w.logger.Info("watcher started")
	return nil
}

// Stop ends the watch loop and waits for it to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return ErrWatcherNotRunning
	}
	cancel()
	<-done

	if w.State() != StateTripped {
		w.setState(StateStopped)
	}
	w.logger.Info("watcher stopped")
	return nil
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Healthy is false while the breaker is tripped
func (w *Watcher) Healthy() bool {
	return w.State() != StateTripped
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	lastErr := w.lastErr
	w.mu.Unlock()

	status := Status{State: w.State().String(), Failures: int(w.failures.Load())}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}

// Done is closed when the watch loop exits: on Stop, or on a trip with no cooldown
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.InitialDelay
	b.MaxInterval = w.config.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		started := time.Now()
		err := w.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		if w.config.ResetAfter > 0 && time.Since(started) >= w.config.ResetAfter {
			w.failures.Store(0)
			b.Reset()
		}
		failures := int(w.failures.Add(1))
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()

		if w.config.MaxFailures > 0 && failures >= w.config.MaxFailures {
			w.setState(StateTripped)
			w.logger.Error("change feed keeps failing, provisioning paused",
				"failures", failures, "error", err, "cause", ErrWatcherTripped, "retry_in", w.config.TripCooldown)
			if w.config.TripCooldown <= 0 || !sleep(ctx, w.config.TripCooldown) {
				return
			}
			w.failures.Store(0)
			b.Reset()
			w.setState(StateRestarting)
			w.metrics.WatcherRestart(ctx)
			w.logger.Info("retrying change feed after cooldown")
			continue
		}

		delay := b.NextBackOff()
		w.setState(StateRestarting)
		w.metrics.WatcherRestart(ctx)
		w.logger.Warn("change stream failed, restarting", "error", err, "failures", failures, "retry_in", delay)

		if !sleep(ctx, delay) {
			return
		}
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume processes one subscription until it breaks or ctx ends
func (w *Watcher) consume(ctx context.Context) error {
	stream, err := w.feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			w.logger.Warn("failed to close change stream", "error", err)
		}
	}()
	w.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-stream.Err():
			return err
		case evt, ok := <-stream.Events():
			if !ok {
				return errStreamEnded
			}
			if _, err := w.provisioner.Provision(ctx, evt.User); err != nil {
				w.logger.Error("failed to provision profile", "user_id", evt.User.ID, "role", evt.User.Role, "error", err)
			}
		}
	}
}
