package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/fiblab/fibload/internal/perf/engine"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary is the machine-readable end-of-test summary. Durations are in
// milliseconds so the document can be consumed without knowing Go's units.
type Summary struct {
	RunID      string                   `json:"run_id"`
	Name       string                   `json:"name"`
	StartTime  time.Time                `json:"start_time"`
	EndTime    time.Time                `json:"end_time"`
	DurationMs float64                  `json:"duration_ms"`
	Passed     bool                     `json:"passed"`
	Metrics    SummaryMetrics           `json:"metrics"`
	Checks     []CheckSummary           `json:"checks"`
	Thresholds []engine.ThresholdResult `json:"thresholds"`
	Scenarios  []ScenarioSummary        `json:"scenarios"`
}

// SummaryMetrics holds the k6-named aggregate metrics.
type SummaryMetrics struct {
	HTTPReqs              CounterSummary `json:"http_reqs"`
	HTTPReqFailed         RateSummary    `json:"http_req_failed"`
	HTTPReqDuration       TrendSummary   `json:"http_req_duration"`
	Checks                RateSummary    `json:"checks"`
	Iterations            CounterSummary `json:"iterations"`
	IterationDuration     TrendSummary   `json:"iteration_duration"`
	InterruptedIterations int64          `json:"interrupted_iterations"`
	DataReceived          int64          `json:"data_received"`
}

// CounterSummary is a count with its per-second rate.
type CounterSummary struct {
	Count int64   `json:"count"`
	Rate  float64 `json:"rate"`
}

// RateSummary counts true (passes) and false (fails) samples.
type RateSummary struct {
	Rate   float64 `json:"rate"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
}

// TrendSummary is a latency distribution in milliseconds.
type TrendSummary struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Med float64 `json:"med"`
	Max float64 `json:"max"`
	P90 float64 `json:"p(90)"`
	P95 float64 `json:"p(95)"`
	P99 float64 `json:"p(99)"`
}

// CheckSummary is the pass/fail tally of one named check.
type CheckSummary struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// ScenarioSummary describes one executed scenario.
type ScenarioSummary struct {
	Name       string  `json:"name"`
	Executor   string  `json:"executor"`
	URL        string  `json:"url"`
	VUs        int     `json:"vus"`
	DurationMs float64 `json:"duration_ms"`
	Iterations int64   `json:"iterations"`
	Error      string  `json:"error,omitempty"`
}

// NewSummary converts a test result into its JSON summary form.
func NewSummary(result *engine.TestResult) *Summary {
	s := &Summary{
		RunID:      result.RunID,
		Name:       result.Name,
		StartTime:  result.StartTime,
		EndTime:    result.EndTime,
		DurationMs: ms(result.Duration),
		Passed:     result.Passed,
		Checks:     []CheckSummary{},
		Thresholds: result.Thresholds,
		Scenarios:  []ScenarioSummary{},
	}
	if s.Thresholds == nil {
		s.Thresholds = []engine.ThresholdResult{}
	}

	if m := result.Metrics; m != nil {
		s.Metrics = SummaryMetrics{
			HTTPReqs: CounterSummary{Count: m.TotalRequests, Rate: m.RPS},
			HTTPReqFailed: RateSummary{
				Rate:   m.ErrorRate,
				Passes: m.FailedRequests,
				Fails:  m.TotalRequests - m.FailedRequests,
			},
			HTTPReqDuration:       trend(m.Latency),
			Checks:                RateSummary{Rate: m.CheckRate, Passes: m.ChecksPassed, Fails: m.ChecksFailed},
			Iterations:            CounterSummary{Count: m.Iterations, Rate: m.IterationRate},
			IterationDuration:     trend(m.IterationDuration),
			InterruptedIterations: m.InterruptedIterations,
			DataReceived:          m.TotalBytes,
		}

		for _, name := range result.CheckOrder {
			c := m.Checks[name]
			s.Checks = append(s.Checks, CheckSummary{Name: name, Passes: c.Passes, Fails: c.Fails, Rate: c.Rate})
		}
	}

	names := make([]string, 0, len(result.Scenarios))
	for name := range result.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sc := result.Scenarios[name]
		s.Scenarios = append(s.Scenarios, ScenarioSummary{
			Name:       sc.Name,
			Executor:   sc.Executor,
			URL:        sc.URL,
			VUs:        sc.VUs,
			DurationMs: ms(sc.Duration),
			Iterations: sc.Iterations,
			Error:      sc.Error,
		})
	}

	return s
}

// WriteJSON writes the indented summary of result to w.
func WriteJSON(w io.Writer, result *engine.TestResult) error {
	if result == nil {
		return fmt.Errorf("no results to write")
	}
	data, err := json.MarshalIndent(NewSummary(result), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteJSONFile writes the summary of result to path, creating parent
// directories as needed.
func WriteJSONFile(path string, result *engine.TestResult) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteJSON(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func trend(l metrics.LatencyStats) TrendSummary {
	return TrendSummary{
		Avg: ms(l.Mean),
		Min: ms(l.Min),
		Med: ms(l.P50),
		Max: ms(l.Max),
		P90: ms(l.P90),
		P95: ms(l.P95),
		P99: ms(l.P99),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
