// Package metrics aggregates request, check and iteration outcomes of a run.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects and aggregates performance metrics using HDR histograms.
//
// It owns everything a run reports on: http_reqs, http_req_failed,
// http_req_duration, checks and iterations. Per-iteration outcomes are
// folded in here and discarded by the caller.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counters are atomic, histograms are
// guarded by mutexes (RecordValue is not thread-safe) and the background
// emitter runs in its own goroutine.
type Engine struct {
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	iterationHist   *hdrhistogram.Histogram
	iterationHistMu sync.Mutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalBytes      atomic.Int64

	checksPassed atomic.Int64
	checksFailed atomic.Int64
	checks       map[string]*checkCounter
	checkNames   []string
	checksMu     sync.RWMutex

	iterations            atomic.Int64
	interruptedIterations atomic.Int64

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

type checkCounter struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine and starts its bucket emitter.
func NewEngineWithConfig(config EngineConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		latencyHist:   hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		iterationHist: hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		checks:        make(map[string]*checkCounter),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		phaseHistory:  make([]PhaseChange, 0),
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}

	engine.emitterWg.Add(1)
	go engine.runEmitter()

	return engine
}

// RecordRequest records one HTTP request outcome.
//
// Parameters:
//   - duration: request latency (http_req_duration)
//   - failed: transport error or unexpected status (http_req_failed)
//   - bytes: response bytes received
func (e *Engine) RecordRequest(duration time.Duration, failed bool, bytes int64) {
	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(e.clamp(duration.Microseconds()))
	e.latencyHistMu.Unlock()

	e.totalRequests.Add(1)
	e.totalBytes.Add(bytes)

	if failed {
		e.failedRequests.Add(1)
	} else {
		e.successRequests.Add(1)
	}

	e.bucketStore.RecordRequest(failed)
}

// RecordCheck records the result of a named check.
func (e *Engine) RecordCheck(name string, passed bool) {
	e.checksMu.RLock()
	counter, ok := e.checks[name]
	e.checksMu.RUnlock()

	if !ok {
		e.checksMu.Lock()
		counter, ok = e.checks[name]
		if !ok {
			counter = &checkCounter{}
			e.checks[name] = counter
			e.checkNames = append(e.checkNames, name)
		}
		e.checksMu.Unlock()
	}

	if passed {
		counter.passes.Add(1)
		e.checksPassed.Add(1)
	} else {
		counter.fails.Add(1)
		e.checksFailed.Add(1)
	}
}

// RecordIteration records one completed iteration and its wall time.
func (e *Engine) RecordIteration(duration time.Duration) {
	e.iterationHistMu.Lock()
	_ = e.iterationHist.RecordValue(e.clamp(duration.Microseconds()))
	e.iterationHistMu.Unlock()

	e.iterations.Add(1)
	e.bucketStore.RecordIteration()
}

// RecordInterruptedIteration counts an iteration cut off by the end of the run.
func (e *Engine) RecordInterruptedIteration() {
	e.interruptedIterations.Add(1)
}

func (e *Engine) clamp(micros int64) int64 {
	if micros < e.config.HistogramMin {
		return e.config.HistogramMin
	}
	if micros > e.config.HistogramMax {
		return e.config.HistogramMax
	}
	return micros
}

// SetPhase updates the current test phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// AddActiveVUs adjusts the active VU count by delta. Executors running
// side by side share one engine, so each reports only its own changes.
func (e *Engine) AddActiveVUs(delta int) {
	e.activeVUs.Add(int32(delta))
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(
		e.totalRequests.Load(),
		e.successRequests.Load(),
		e.failedRequests.Load(),
		e.totalBytes.Load(),
		e.GetLatencyPercentiles(),
		e.GetActiveVUs(),
		e.GetPhase(),
	)
}

// GetLatencyPercentiles returns current request latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latency := statsOf(e.latencyHist)
	e.latencyHistMu.Unlock()

	e.iterationHistMu.Lock()
	iterationDuration := statsOf(e.iterationHist)
	e.iterationHistMu.Unlock()

	elapsed := time.Since(e.startTime)
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()
	iterations := e.iterations.Load()

	overallRPS := 0.0
	iterationRate := 0.0
	if elapsed.Seconds() > 0 {
		overallRPS = float64(totalReqs) / elapsed.Seconds()
		iterationRate = float64(iterations) / elapsed.Seconds()
	}

	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()
	rps := overallRPS
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	passed := e.checksPassed.Load()
	failed := e.checksFailed.Load()
	checkRate := 0.0
	if passed+failed > 0 {
		checkRate = float64(passed) / float64(passed+failed)
	}

	return &Snapshot{
		TotalRequests:         totalReqs,
		SuccessRequests:       e.successRequests.Load(),
		FailedRequests:        failedReqs,
		TotalBytes:            e.totalBytes.Load(),
		Latency:               latency,
		RPS:                   rps,
		SteadyStateRPS:        steadyRPS,
		ErrorRate:             errorRate,
		ChecksPassed:          passed,
		ChecksFailed:          failed,
		CheckRate:             checkRate,
		Checks:                e.GetCheckStats(),
		Iterations:            iterations,
		InterruptedIterations: e.interruptedIterations.Load(),
		IterationRate:         iterationRate,
		IterationDuration:     iterationDuration,
		ActiveVUs:             e.GetActiveVUs(),
		CurrentPhase:          e.GetPhase(),
		Elapsed:               elapsed,
		StartTime:             e.startTime,
		Timestamp:             time.Now(),
	}
}

// GetCheckStats returns per-check pass/fail statistics.
func (e *Engine) GetCheckStats() map[string]CheckStats {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	result := make(map[string]CheckStats, len(e.checks))
	for name, c := range e.checks {
		passes, fails := c.passes.Load(), c.fails.Load()
		rate := 0.0
		if passes+fails > 0 {
			rate = float64(passes) / float64(passes+fails)
		}
		result[name] = CheckStats{Name: name, Passes: passes, Fails: fails, Rate: rate}
	}
	return result
}

// CheckNames returns check names in the order they were first recorded.
func (e *Engine) CheckNames() []string {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	names := make([]string, len(e.checkNames))
	copy(names, e.checkNames)
	return names
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// Stop stops the emitter and emits a final bucket. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

// Reset resets all metrics to their initial state.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.iterationHistMu.Lock()
	e.iterationHist.Reset()
	e.iterationHistMu.Unlock()

	e.checksMu.Lock()
	e.checks = make(map[string]*checkCounter)
	e.checkNames = nil
	e.checksMu.Unlock()

	e.totalRequests.Store(0)
	e.successRequests.Store(0)
	e.failedRequests.Store(0)
	e.totalBytes.Store(0)
	e.checksPassed.Store(0)
	e.checksFailed.Store(0)
	e.iterations.Store(0)
	e.interruptedIterations.Store(0)
	e.activeVUs.Store(0)

	e.phaseMu.Lock()
	e.currentPhase = PhaseInit
	e.phaseHistory = make([]PhaseChange, 0)
	e.phaseMu.Unlock()

	e.bucketStore.Reset()
	e.startTime = time.Now()
}

func statsOf(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
