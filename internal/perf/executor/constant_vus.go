package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiblab/fibload/internal/perf"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// All VUs start at once and loop iterations independently (closed model).
// When the duration elapses no VU starts a new iteration and think times
// are cut short; requests already in flight get GracefulStop to finish
// and are cancelled after that.
type ConstantVUs struct {
	config    *Config
	scheduler *perf.VUScheduler
	metrics   *metrics.Engine

	startTime time.Time
	vus       []*perf.VirtualUser
	activeVUs atomic.Int32
	running   atomic.Bool
	draining  atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu sync.RWMutex
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until every VU has stopped.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *perf.VUScheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}

	e.mu.Lock()
	e.scheduler = scheduler
	e.metrics = metricsEngine
	e.startTime = time.Now()
	e.mu.Unlock()
	e.running.Store(true)
	defer close(e.doneCh)

	// Requests run on reqCtx so they outlive the duration by up to the
	// graceful stop; the end of the duration is signalled via RequestStop.
	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	e.metrics.SetPhase(metrics.PhaseSteady)

	for i := 0; i < e.config.VUs; i++ {
		vu := scheduler.SpawnVU()
		e.mu.Lock()
		e.vus = append(e.vus, vu)
		e.mu.Unlock()
		e.wg.Add(1)
		go e.runVU(reqCtx, vu)
	}

	vusDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(vusDone)
	}()

	durationTimer := time.NewTimer(e.config.Duration)
	defer durationTimer.Stop()

	select {
	case <-durationTimer.C:
	case <-e.stopCh:
	case <-ctx.Done():
	case <-vusDone:
	}

	e.draining.Store(true)
	e.metrics.SetPhase(metrics.PhaseGracefulStop)
	scheduler.StopAllVUs()

	if notStopped := scheduler.WaitForAllVUs(e.gracefulStop()); notStopped > 0 {
		cancelRequests()
	}
	<-vusDone

	e.metrics.SetPhase(metrics.PhaseDone)
	e.running.Store(false)

	return nil
}

func (e *ConstantVUs) gracefulStop() time.Duration {
	if e.config.GracefulStop > 0 {
		return e.config.GracefulStop
	}
	return DefaultGracefulStop
}

// runVU runs a single VU until it is stopped.
func (e *ConstantVUs) runVU(ctx context.Context, vu *perf.VirtualUser) {
	defer e.wg.Done()

	e.activeVUs.Add(1)
	e.metrics.AddActiveVUs(1)
	defer func() {
		e.activeVUs.Add(-1)
		e.metrics.AddActiveVUs(-1)
	}()

	e.scheduler.RunVU(ctx, vu)
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	if !e.running.Load() {
		e.mu.RLock()
		started := !e.startTime.IsZero()
		e.mu.RUnlock()
		if !started {
			return 0.0
		}
		return 1.0
	}

	e.mu.RLock()
	elapsed := time.Since(e.startTime)
	e.mu.RUnlock()

	progress := float64(elapsed) / float64(e.config.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *ConstantVUs) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var elapsed time.Duration
	if !e.startTime.IsZero() {
		elapsed = time.Since(e.startTime)
	}

	var iterations int64
	for _, vu := range e.vus {
		iterations += vu.GetIteration()
	}

	var total time.Duration
	var target int
	if e.config != nil {
		total = e.config.Duration
		target = e.config.VUs
	}

	return &Stats{
		StartTime:      e.startTime,
		CurrentTime:    time.Now(),
		Elapsed:        elapsed,
		TotalDuration:  total,
		ActiveVUs:      int(e.activeVUs.Load()),
		TargetVUs:      target,
		Iterations:     iterations,
		InGracefulStop: e.draining.Load() && e.running.Load(),
	}
}

// Stop ends the duration early and waits for Run to return.
func (e *ConstantVUs) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	if !e.running.Load() {
		return nil
	}

	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
