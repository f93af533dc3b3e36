package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxFibonacciOrder is the largest order whose value fits in a uint64.
const MaxFibonacciOrder = 93

// Threshold metric names.
const (
	MetricHTTPReqFailed   = "http_req_failed"
	MetricHTTPReqDuration = "http_req_duration"
	MetricHTTPReqs        = "http_reqs"
	MetricChecks          = "checks"
	MetricIterations      = "iterations"
)

// aggregations lists the aggregation names each metric accepts.
var aggregations = map[string][]string{
	MetricHTTPReqFailed:   {"rate"},
	MetricChecks:          {"rate"},
	MetricHTTPReqDuration: {"min", "max", "avg", "med", "p50", "p90", "p95", "p99"},
	MetricHTTPReqs:        {"count", "rate"},
	MetricIterations:      {"count", "rate"},
}

var thresholdExpr = regexp.MustCompile(`^(\w+)\s*(<=|>=|==|!=|<|>)\s*(.+)$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors holding every problem found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	for name, scenario := range c.Scenarios {
		if scenario == nil {
			errs.Add("scenarios."+name, "scenario is empty")
			continue
		}
		validateScenario(name, scenario, errs)
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	switch sc.Executor {
	case "", DefaultExecutor:
	default:
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	if sc.VUs < 1 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}

	if sc.Duration == "" {
		errs.Add(prefix+".duration", "duration is required for constant-vus executor")
	} else if d, err := ParseDurationString(sc.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}

	validateNonNegativeDuration(prefix+".gracefulStop", sc.GracefulStop, errs)
	validateNonNegativeDuration(prefix+".thinkTime", sc.ThinkTime, errs)

	if sc.Path != "" {
		if !strings.Contains(sc.Path, "{{n}}") {
			errs.Add(prefix+".path", "path must contain the {{n}} placeholder")
		}
		sample := strings.NewReplacer("{{baseUrl}}", "http://example.com", "{{baseURL}}", "http://example.com", "{{n}}", "0").Replace(sc.Path)
		if _, err := url.Parse(sample); err != nil {
			errs.Add(prefix+".path", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	for i, n := range sc.Inputs {
		if n < 0 || n > MaxFibonacciOrder {
			errs.Add(fmt.Sprintf("%s.inputs[%d]", prefix, i), fmt.Sprintf("input %d is outside [0, %d]", n, MaxFibonacciOrder))
		}
	}

	if sc.ExpectedStatus != 0 && (sc.ExpectedStatus < 100 || sc.ExpectedStatus > 599) {
		errs.Add(prefix+".expectedStatus", fmt.Sprintf("invalid HTTP status: %d", sc.ExpectedStatus))
	}
}

func validateNonNegativeDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "cannot be negative")
	}
}

func validateThresholds(t *ThresholdsConfig, errs *ValidationErrors) {
	groups := []struct {
		metric string
		exprs  []string
	}{
		{MetricHTTPReqFailed, t.HTTPReqFailed},
		{MetricHTTPReqDuration, t.HTTPReqDuration},
		{MetricHTTPReqs, t.HTTPReqs},
		{MetricChecks, t.Checks},
		{MetricIterations, t.Iterations},
	}

	for _, g := range groups {
		for i, expr := range g.exprs {
			if _, err := ParseThreshold(g.metric, expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", g.metric, i), err.Error())
			}
		}
	}
}

func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}
	}

	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
	if s.MaxRPS < 0 {
		errs.Add("settings.maxRps", "cannot be negative")
	}
}

// Threshold is a parsed threshold expression such as "rate < 0.01".
type Threshold struct {
	Metric      string
	Expression  string
	Aggregation string
	Operator    string
	// Value is the bound; durations are stored in nanoseconds.
	Value float64
}

// ParseThreshold parses expr for the given metric.
//
// Durations for http_req_duration accept Go syntax ("500ms") or a bare
// number of milliseconds.
func ParseThreshold(metric, expr string) (*Threshold, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("threshold expression cannot be empty")
	}

	allowed, ok := aggregations[metric]
	if !ok {
		return nil, fmt.Errorf("unknown threshold metric: %s", metric)
	}

	m := thresholdExpr.FindStringSubmatch(expr)
	if len(m) != 4 {
		return nil, fmt.Errorf("invalid expression format: %s", expr)
	}

	agg, op, raw := m[1], m[2], strings.TrimSpace(m[3])

	valid := false
	for _, a := range allowed {
		if a == agg {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%s only supports %s, got: %s", metric, strings.Join(allowed, ", "), agg)
	}

	var value float64
	if metric == MetricHTTPReqDuration {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			value = ms * float64(time.Millisecond)
		} else {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q in threshold", raw)
			}
			value = float64(d)
		}
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q in threshold", raw)
		}
		value = v
	}

	return &Threshold{
		Metric:      metric,
		Expression:  expr,
		Aggregation: agg,
		Operator:    op,
		Value:       value,
	}, nil
}
