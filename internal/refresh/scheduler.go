// Package refresh runs the periodic rebuild of the materialized link
// aggregate and serializes forced rebuilds against it.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aminovpavel/meshtopo/internal/observability"
)

// ErrStopped is returned by ForceRefresh and RefreshNow after Stop.
var ErrStopped = errors.New("refresh: scheduler stopped")

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 10 * time.Minute

// Refresher performs one rebuild.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// State is the scheduler's lifecycle position.
type State int32

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State        State
	RunID        string
	LastRunID    string
	LastSuccess  time.Time
	LastAttempt  time.Time
	LastError    string
	LastDuration time.Duration
	Runs         int
	Failures     int
}

// Scheduler triggers Refresher on a ticker and on demand, never running two
// rebuilds at once.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	timeout   time.Duration
	immediate bool
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	state   atomic.Int32
	mu      sync.Mutex
	status  Status
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick period.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithTimeout bounds a single rebuild.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithImmediate runs a rebuild as soon as Run starts.
func WithImmediate(enabled bool) Option {
	return func(s *Scheduler) {
		s.immediate = enabled
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an idle scheduler. Call Run to start ticking.
func New(refresher Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		interval:  DefaultInterval,
		logger:    observability.NoOpLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Run ticks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.immediate {
		_, _ = s.trigger("startup")
	}
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.trigger("tick")
		}
	}
}

// ForceRefresh starts a rebuild in the background. It reports false when one
// is already running.
func (s *Scheduler) ForceRefresh() (bool, error) {
	return s.trigger("forced")
}

// RefreshNow runs a rebuild synchronously on the caller's goroutine. It
// reports false without running when a rebuild is already in flight. Stop
// cancels the run and waits for it like any other rebuild.
func (s *Scheduler) RefreshNow(ctx context.Context) (bool, error) {
	ok, err := s.acquire("manual")
	if !ok || err != nil {
		return ok, err
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.ctx, cancel)
	defer unhook()

	return true, s.run(ctx, uuid.NewString(), "manual")
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = State(s.state.Load())
	return st
}

// Stop cancels any in-flight rebuild and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) trigger(reason string) (bool, error) {
	ok, err := s.acquire(reason)
	if !ok || err != nil {
		return ok, err
	}
	go func() {
		defer s.wg.Done()
		_ = s.run(s.ctx, uuid.NewString(), reason)
	}()
	return true, nil
}

// acquire moves the state to Refreshing and registers the run with wg. The
// stopped check and wg.Add share s.mu with Stop so no run starts once Stop
// is waiting.
func (s *Scheduler) acquire(reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Refreshing)) {
		s.logger.Debug("refresh already running", slog.String("reason", reason))
		return false, nil
	}
	s.wg.Add(1)
	return true, nil
}

// run executes one rebuild; the caller must have moved the state to
// Refreshing.
func (s *Scheduler) run(parent context.Context, runID, reason string) error {
	defer s.state.Store(int32(Idle))

	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}

	started := s.now()
	s.mu.Lock()
	s.status.RunID = runID
	s.status.LastAttempt = started
	s.mu.Unlock()

	logger := s.logger.With(slog.String("run_id", runID), slog.String("reason", reason))
	logger.Debug("refresh started")

	err := s.refresher.Refresh(ctx)
	elapsed := s.now().Sub(started)
	s.metrics.ObserveRefresh(err, elapsed)

	s.mu.Lock()
	s.status.RunID = ""
	s.status.LastRunID = runID
	s.status.LastDuration = elapsed
	s.status.Runs++
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.LastSuccess = s.now()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("refresh failed", slog.Any("error", err), slog.Duration("duration", elapsed))
		return err
	}
	logger.Info("refresh completed", slog.Duration("duration", elapsed))
	return nil
}
