// Package engine orchestrates a fibload run: it builds scenarios from the
// configuration, drives their executors and evaluates thresholds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/fiblab/fibload/internal/perf"
	"github.com/fiblab/fibload/internal/perf/config"
	"github.com/fiblab/fibload/internal/perf/executor"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

// ErrThresholdsFailed is returned by callers when a run completed but at
// least one threshold did not pass.
var ErrThresholdsFailed = errors.New("thresholds failed")

// Engine is the main orchestrator for a load test run.
//
// It coordinates:
//   - Configuration validation
//   - Scenario execution with their respective executors
//   - Metrics collection and aggregation
//   - Threshold evaluation
//
// Example usage:
//
//	cfg, _ := config.Preset("short")
//	eng, _ := engine.NewEngine(cfg, logger)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("passed: %v\n", result.Passed)
type Engine struct {
	config *config.TestConfig
	runID  string
	logger *zap.Logger

	metricsEngine *metrics.Engine
	httpConfig    perf.HTTPClientConfig
	limiter       ratelimit.Limiter
	checker       *perf.BodyChecker

	// OnOutcome, if set before Run, observes every iteration outcome.
	OnOutcome func(*perf.RequestOutcome)

	scenarios map[string]*ScenarioRunner
	mu        sync.RWMutex

	startTime time.Time
	running   bool
}

// ScenarioRunner manages the execution of a single scenario.
type ScenarioRunner struct {
	Name      string
	Config    *config.ScenarioConfig
	Executor  executor.Executor
	Scheduler *perf.VUScheduler
	Scenario  *perf.Scenario
	Result    *ScenarioResult
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name       string            `json:"name"`
	Executor   string            `json:"executor"`
	URL        string            `json:"url"`
	VUs        int               `json:"vus"`
	Duration   time.Duration     `json:"duration"`
	Iterations int64             `json:"iterations"`
	Metrics    *metrics.Snapshot `json:"metrics"`
	Error      string            `json:"error,omitempty"`
}

// TestResult contains the complete test results.
type TestResult struct {
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Scenarios map[string]*ScenarioResult `json:"scenarios"`

	// Aggregated metrics across all scenarios
	Metrics    *metrics.Snapshot     `json:"metrics"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`

	// CheckOrder lists check names in the order they were first recorded
	CheckOrder []string `json:"checkOrder,omitempty"`

	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`
}

// NewEngine validates cfg, applies defaults and prepares a run.
//
// A nil logger disables engine logging.
func NewEngine(cfg *config.TestConfig, logger *zap.Logger) (*Engine, error) {
	config.ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpConfig := perf.DefaultHTTPClientConfig()
	httpConfig.Timeout = cfg.Settings.Timeout.GetDuration(config.DefaultTimeout)
	if cfg.Settings.MaxIdleConnsPerHost > 0 {
		httpConfig.MaxIdleConnsPerHost = cfg.Settings.MaxIdleConnsPerHost
	}
	httpConfig.MaxConnsPerHost = cfg.Settings.MaxConnectionsPerHost
	if cfg.Options != nil && cfg.Options.NoVUConnectionReuse {
		httpConfig.UseSharedClient = false
	}

	e := &Engine{
		config:     cfg,
		runID:      uuid.NewString(),
		logger:     logger,
		httpConfig: httpConfig,
		scenarios:  make(map[string]*ScenarioRunner),
	}

	if cfg.Settings.MaxRPS > 0 {
		e.limiter = ratelimit.New(cfg.Settings.MaxRPS)
	}

	for _, sc := range cfg.Scenarios {
		if sc.VerifyBody {
			checker, err := perf.NewBodyChecker()
			if err != nil {
				return nil, err
			}
			e.checker = checker
			break
		}
	}

	e.logger = e.logger.With(zap.String("run_id", e.runID))
	return e, nil
}

// RunID returns the unique identifier of this run.
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes all scenarios and returns the test results.
//
// By default, all scenarios run concurrently. If Options.Sequential is true,
// scenarios run one at a time. Cancelling ctx interrupts requests in flight.
// A failing threshold is reported through TestResult.Passed, not as an error.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.metricsEngine = metrics.NewEngine()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.metricsEngine.SetPhase(metrics.PhaseInit)

	if err := e.initializeScenarios(ctx); err != nil {
		e.metricsEngine.Stop()
		return nil, fmt.Errorf("failed to initialize scenarios: %w", err)
	}

	e.logger.Info("run started",
		zap.String("name", e.config.Name),
		zap.Int("scenarios", len(e.config.Scenarios)))

	var scenarioResults map[string]*ScenarioResult
	var runErr error

	if e.config.Options != nil && e.config.Options.Sequential {
		scenarioResults, runErr = e.runScenariosSequentially(ctx)
	} else {
		scenarioResults, runErr = e.runScenariosConcurrently(ctx)
	}

	e.metricsEngine.Stop()

	finalMetrics := e.metricsEngine.GetSnapshot()
	thresholdResults := EvaluateThresholds(e.config.Thresholds, finalMetrics)

	passed := true
	for _, tr := range thresholdResults {
		if !tr.Passed {
			passed = false
			e.logger.Warn("threshold failed",
				zap.String("metric", tr.Metric),
				zap.String("expression", tr.Expression),
				zap.String("value", tr.Value))
		}
	}

	endTime := time.Now()
	result := &TestResult{
		RunID:       e.runID,
		Name:        e.config.Name,
		Description: e.config.Description,
		StartTime:   e.startTime,
		EndTime:     endTime,
		Duration:    endTime.Sub(e.startTime),
		Scenarios:   scenarioResults,
		Metrics:     finalMetrics,
		TimeSeries:  e.metricsEngine.GetTimeSeries(),
		CheckOrder:  e.metricsEngine.CheckNames(),
		Passed:      passed,
		Thresholds:  thresholdResults,
	}

	e.logger.Info("run finished",
		zap.Duration("duration", result.Duration),
		zap.Int64("requests", finalMetrics.TotalRequests),
		zap.Float64("error_rate", finalMetrics.ErrorRate),
		zap.Bool("passed", passed))

	return result, runErr
}

// initializeScenarios creates executors and schedulers for all scenarios.
func (e *Engine) initializeScenarios(ctx context.Context) error {
	names := make([]string, 0, len(e.config.Scenarios))
	for name := range e.config.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	runners := make(map[string]*ScenarioRunner, len(names))
	for _, name := range names {
		scenarioConfig := e.config.Scenarios[name]

		scenario, err := e.createScenario(name, scenarioConfig)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}

		scheduler := perf.NewVUScheduler(scenario, e.metricsEngine, e.httpConfig, perf.SchedulerOptions{
			Seed:      e.config.Settings.Seed,
			Limiter:   e.limiter,
			Logger:    e.logger.With(zap.String("scenario", name)),
			OnOutcome: e.OnOutcome,
		})

		exec, _, err := executor.CreateExecutorFromScenarioConfig(ctx, name, scenarioConfig)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		runners[name] = &ScenarioRunner{
			Name:      name,
			Config:    scenarioConfig,
			Executor:  exec,
			Scheduler: scheduler,
			Scenario:  scenario,
		}
	}

	e.mu.Lock()
	e.scenarios = runners
	e.mu.Unlock()

	return nil
}

// createScenario resolves a scenario config into an iteration definition.
func (e *Engine) createScenario(name string, sc *config.ScenarioConfig) (*perf.Scenario, error) {
	thinkTime, err := config.ParseDurationString(sc.ThinkTime)
	if err != nil {
		return nil, fmt.Errorf("invalid thinkTime: %w", err)
	}

	inputs := make([]int, len(sc.Inputs))
	copy(inputs, sc.Inputs)

	scenario := &perf.Scenario{
		Name:           name,
		URLTemplate:    sc.Path,
		Inputs:         inputs,
		ThinkTime:      thinkTime,
		ExpectedStatus: sc.ExpectedStatus,
		Headers:        e.config.Settings.Headers,
		UserAgent:      e.config.Settings.UserAgent,
		Variables:      config.MergeVariables(e.config.Variables, sc.Tags),
	}

	if e.config.Settings.BaseURL != "" {
		scenario.Variables["baseUrl"] = e.config.Settings.BaseURL
		scenario.Variables["baseURL"] = e.config.Settings.BaseURL
	}

	if sc.VerifyBody {
		scenario.Checker = e.checker
	}

	return scenario, nil
}

// runScenariosConcurrently runs all scenarios in parallel.
func (e *Engine) runScenariosConcurrently(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for name, runner := range e.runners() {
		wg.Add(1)
		go func(name string, runner *ScenarioRunner) {
			defer wg.Done()

			result, err := e.runScenario(ctx, runner)

			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("scenario %s failed: %w", name, err)
			}
			results[name] = result
		}(name, runner)
	}

	wg.Wait()
	return results, firstErr
}

// runScenariosSequentially runs all scenarios one at a time, in name order.
func (e *Engine) runScenariosSequentially(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	runners := e.runners()

	names := make([]string, 0, len(runners))
	for name := range runners {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := e.runScenario(ctx, runners[name])
		results[name] = result

		if err != nil {
			return results, fmt.Errorf("scenario %s failed: %w", name, err)
		}
	}

	return results, nil
}

func (e *Engine) runners() map[string]*ScenarioRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scenarios
}

// runScenario runs a single scenario.
func (e *Engine) runScenario(ctx context.Context, runner *ScenarioRunner) (*ScenarioResult, error) {
	startTime := time.Now()

	e.logger.Debug("scenario started",
		zap.String("scenario", runner.Name),
		zap.Int("vus", runner.Config.VUs),
		zap.String("duration", runner.Config.Duration))

	err := runner.Executor.Run(ctx, runner.Scheduler, e.metricsEngine)

	stats := runner.Executor.GetStats()
	result := &ScenarioResult{
		Name:       runner.Name,
		Executor:   string(runner.Executor.Type()),
		URL:        runner.Scenario.URLTemplate,
		VUs:        runner.Config.VUs,
		Duration:   time.Since(startTime),
		Iterations: stats.Iterations,
		Metrics:    e.metricsEngine.GetSnapshot(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	runner.Scheduler.Shutdown(time.Second)

	runner.Result = result
	return result, err
}

// GetMetrics returns the current metrics snapshot, or nil before Run.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	m := e.metricsEngine
	e.mu.RUnlock()

	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends every running scenario early. In-flight requests still get
// the graceful stop period.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil
	}
	scenarios := e.scenarios
	e.mu.RUnlock()

	var lastErr error
	for _, runner := range scenarios {
		if err := runner.Executor.Stop(ctx); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.scenarios) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range e.scenarios {
		totalProgress += runner.Executor.GetProgress()
	}

	return totalProgress / float64(len(e.scenarios))
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make(map[string]*executor.Stats)
	for name, runner := range e.scenarios {
		stats[name] = runner.Executor.GetStats()
	}
	return stats
}

// TotalDuration returns the longest configured scenario duration, or the
// sum when scenarios run sequentially.
func (e *Engine) TotalDuration() time.Duration {
	var longest, sum time.Duration
	for _, sc := range e.config.Scenarios {
		d, err := config.ParseDurationString(sc.Duration)
		if err != nil {
			continue
		}
		sum += d
		if d > longest {
			longest = d
		}
	}
	if e.config.Options != nil && e.config.Options.Sequential {
		return sum
	}
	return longest
}
