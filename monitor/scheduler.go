package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	admission "github.com/jassus213/go-admission"
	"github.com/jassus213/go-admission/observability"
)

var (
	// ErrPassInFlight is returned by Tick when the previous pass is still running.
	ErrPassInFlight = errors.New("abuse monitor pass already in flight")
	// ErrSchedulerNotRunning is reported by Healthcheck before Start or after Stop.
	ErrSchedulerNotRunning = errors.New("abuse monitor scheduler not running")
	// ErrHealthcheckFailed wraps every Healthcheck failure.
	ErrHealthcheckFailed = errors.New("abuse monitor healthcheck failed")
)

// Passer runs one monitor pass. *Monitor implements it.
type Passer interface {
	RunPass(ctx context.Context, now time.Time, lookback time.Duration) (Report, error)
}

// Scheduler runs monitor passes on a fixed interval with at most one pass
// in flight. A tick that fires while a pass is running is skipped.
type Scheduler struct {
	passer          Passer
	interval        time.Duration
	lookback        time.Duration
	shutdownTimeout time.Duration
	logger          admission.Logger
	now             func() time.Time

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Bool

	passes    atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64
	lastRunAt atomic.Int64
	lastErr   atomic.Pointer[error]
}

// SchedulerStats provides observability data for the scheduler.
type SchedulerStats struct {
	Passes       int64     // Passes that completed, successful or not
	Failures     int64     // Passes that returned an error
	SkippedTicks int64     // Ticks dropped because a pass was in flight
	InFlight     bool      // Whether a pass is running now
	IsRunning    bool      // Whether the scheduler loop is running
	LastRunAt    time.Time // Start of the most recent pass
	LastError    error     // Error of the most recent pass, nil on success
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between passes (default 5m).
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLookback sets how far back each pass scans (default 24h).
func WithLookback(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l admission.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for a running pass (default 30s).
func WithShutdownTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithSchedulerClock replaces time.Now as the pass time.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler for p.
func NewScheduler(p Passer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		passer:          p,
		interval:        5 * time.Minute,
		lookback:        24 * time.Hour,
		shutdownTimeout: 30 * time.Second,
		logger:          admission.NopLogger(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a pass immediately and then on every interval. This is a blocking
// operation that runs until the context is cancelled. Use Run() for the
// errgroup pattern or call this in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("Abuse monitor scheduler started (interval %s, lookback %s)", s.interval, s.lookback)

	s.spawn(runCtx)

	for {
		select {
		case <-runCtx.Done():
			s.logger.Infof("Abuse monitor scheduler stopping")
			s.release(runCtx)
			return runCtx.Err()
		case <-ticker.C:
			s.spawn(runCtx)
		}
	}
}

// release marks the scheduler as stopped when the loop of runCtx exits
// without Stop, e.g. because the parent context was cancelled. Running
// passes are still tracked by wg.
func (s *Scheduler) release(runCtx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == runCtx && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Stop cancels the loop and waits up to the shutdown timeout for a running pass.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	return s.waitPasses()
}

// waitPasses waits up to the shutdown timeout for spawned passes to finish.
func (s *Scheduler) waitPasses() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infof("Abuse monitor scheduler stopped cleanly")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.logger.Warnf("Abuse monitor scheduler shutdown timeout exceeded after %s", s.shutdownTimeout)
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
// Returns a function that runs the scheduler until the context is cancelled
// and then waits for the running pass to finish.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		err := s.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return s.waitPasses()
		}
		return err
	}
}

// spawn runs a tick in its own goroutine so that the loop keeps ticking, and
// therefore keeps detecting overlaps, while a pass runs.
func (s *Scheduler) spawn(ctx context.Context) {
	s.mu.RLock()
	if s.cancel == nil {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.wg.Done()
		// A pass that started before shutdown is allowed to finish.
		_, _ = s.Tick(context.WithoutCancel(ctx))
	}()
}

// Tick runs one pass unless another one is in flight, in which case it
// returns ErrPassInFlight without touching the store.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		observability.MonitorPassesTotal.WithLabelValues("skipped").Inc()
		s.logger.Warnf("Abuse monitor tick skipped: previous pass still running")
		return Report{}, ErrPassInFlight
	}
	defer s.inFlight.Store(false)

	now := s.now()
	s.lastRunAt.Store(now.UnixMilli())

	report, err := s.passer.RunPass(ctx, now, s.lookback)
	s.passes.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.lastErr.Store(&err)
		s.logger.Errorf("Abuse monitor pass failed: %v", err)
		return report, err
	}
	s.lastErr.Store(nil)
	return report, nil
}

// Stats returns current scheduler statistics. It is safe to call at any time.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	isRunning := s.cancel != nil
	s.mu.RUnlock()

	stats := SchedulerStats{
		Passes:       s.passes.Load(),
		Failures:     s.failures.Load(),
		SkippedTicks: s.skipped.Load(),
		InFlight:     s.inFlight.Load(),
		IsRunning:    isRunning,
	}
	if ms := s.lastRunAt.Load(); ms > 0 {
		stats.LastRunAt = time.UnixMilli(ms)
	}
	if errp := s.lastErr.Load(); errp != nil {
		stats.LastError = *errp
	}
	return stats
}

// Healthcheck validates that the scheduler is running. A failed last pass is
// reported too, since it means the store could not be scanned.
//
//	if errors.Is(err, monitor.ErrSchedulerNotRunning) { ... }
//	if errors.Is(err, monitor.ErrScanFailure) { ... }
func (s *Scheduler) Healthcheck(ctx context.Context) error {
	stats := s.Stats()

	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrSchedulerNotRunning)
	}
	if stats.LastError != nil {
		return errors.Join(ErrHealthcheckFailed, stats.LastError)
	}
	return nil
}
