package engine

import (
	"fmt"
	"time"

	"github.com/fiblab/fibload/internal/perf/config"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// EvaluateThresholds checks every configured threshold against snapshot.
// Results are ordered by metric, then by position in the configuration.
func EvaluateThresholds(t *config.ThresholdsConfig, snapshot *metrics.Snapshot) []ThresholdResult {
	if t == nil || snapshot == nil {
		return nil
	}

	groups := []struct {
		metric string
		exprs  []string
	}{
		{config.MetricHTTPReqFailed, t.HTTPReqFailed},
		{config.MetricHTTPReqDuration, t.HTTPReqDuration},
		{config.MetricHTTPReqs, t.HTTPReqs},
		{config.MetricChecks, t.Checks},
		{config.MetricIterations, t.Iterations},
	}

	var results []ThresholdResult
	for _, g := range groups {
		for _, expr := range g.exprs {
			results = append(results, evaluateThreshold(g.metric, expr, snapshot))
		}
	}
	return results
}

func evaluateThreshold(metric, expr string, snapshot *metrics.Snapshot) ThresholdResult {
	result := ThresholdResult{
		Metric:     metric,
		Expression: expr,
	}

	th, err := config.ParseThreshold(metric, expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	actual, display, err := observedValue(th, snapshot)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	result.Value = display
	result.Passed = compareValues(actual, th.Operator, th.Value)

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s", th.Aggregation, display, th.Expression)
	}

	return result
}

// observedValue returns the aggregated value a threshold compares against.
func observedValue(th *config.Threshold, s *metrics.Snapshot) (float64, string, error) {
	switch th.Metric {
	case config.MetricHTTPReqFailed:
		return s.ErrorRate, fmt.Sprintf("%.4f", s.ErrorRate), nil

	case config.MetricChecks:
		return s.CheckRate, fmt.Sprintf("%.4f", s.CheckRate), nil

	case config.MetricHTTPReqDuration:
		var d time.Duration
		switch th.Aggregation {
		case "min":
			d = s.Latency.Min
		case "max":
			d = s.Latency.Max
		case "avg":
			d = s.Latency.Mean
		case "med", "p50":
			d = s.Latency.P50
		case "p90":
			d = s.Latency.P90
		case "p95":
			d = s.Latency.P95
		case "p99":
			d = s.Latency.P99
		}
		return float64(d), d.String(), nil

	case config.MetricHTTPReqs:
		if th.Aggregation == "count" {
			return float64(s.TotalRequests), fmt.Sprintf("%d", s.TotalRequests), nil
		}
		rate := perSecond(s.TotalRequests, s.Elapsed)
		return rate, fmt.Sprintf("%.2f/s", rate), nil

	case config.MetricIterations:
		if th.Aggregation == "count" {
			return float64(s.Iterations), fmt.Sprintf("%d", s.Iterations), nil
		}
		rate := perSecond(s.Iterations, s.Elapsed)
		return rate, fmt.Sprintf("%.2f/s", rate), nil
	}

	return 0, "", fmt.Errorf("unknown metric: %s", th.Metric)
}

func perSecond(count int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
