// Package perf runs the Fibonacci iteration on behalf of virtual users.
package perf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"github.com/fiblab/fibload/internal/perf/metrics"
)

// ErrVUStopped is returned by RunIteration once the VU was asked to stop.
var ErrVUStopped = errors.New("virtual user stopped")

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running iterations.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is one simulated client looping the Fibonacci iteration.
//
// Each VU has its own random source and iteration counter. The HTTP client,
// metrics engine and rate limiter are shared and safe for concurrent use.
type VirtualUser struct {
	ID int

	Scenario   *Scenario
	HTTPClient *http.Client
	Metrics    *metrics.Engine

	// Limiter caps the global request rate; nil means unlimited.
	Limiter ratelimit.Limiter

	rng *rand.Rand

	state     atomic.Int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	iteration atomic.Int64
}

// NewVirtualUser creates a new Virtual User seeded with seed.
func NewVirtualUser(id int, scenario *Scenario, httpClient *http.Client, metricsEngine *metrics.Engine, seed int64) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: httpClient,
		Metrics:    metricsEngine,
		rng:        rand.New(rand.NewSource(seed)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RequestOutcome is the result of one iteration's request.
type RequestOutcome struct {
	VUID       int
	Iteration  int64
	Input      int
	URL        string
	StatusCode int
	// Passed is true when the status equals the expected status.
	Passed   bool
	Duration time.Duration
	Bytes    int64
	Err      error
	// Interrupted is set when the run ended while the request was in flight.
	Interrupted bool
}

// RunIteration executes one iteration: pick an input, GET the resolved URL,
// record the request and its checks, then sleep the think time.
//
// ctx bounds the in-flight request. The think time ends early when ctx is
// done or RequestStop is called. Request failures are recorded, never
// returned; the error is non-nil only when the iteration could not run to
// completion because the run is over.
func (vu *VirtualUser) RunIteration(ctx context.Context) (*RequestOutcome, error) {
	if vu.stopping() {
		return nil, ErrVUStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	iterStart := time.Now()

	sc := vu.Scenario
	n := sc.Inputs[vu.rng.Intn(len(sc.Inputs))]
	outcome := &RequestOutcome{
		VUID:      vu.ID,
		Iteration: vu.iteration.Add(1),
		Input:     n,
		URL:       sc.ResolveURL(n),
	}

	if vu.Limiter != nil {
		if err := vu.takeToken(ctx); err != nil {
			return nil, err
		}
	}

	body, err := vu.executeRequest(ctx, outcome)
	if err != nil && ctx.Err() != nil {
		outcome.Err = err
		outcome.Interrupted = true
		vu.Metrics.RecordInterruptedIteration()
		return outcome, ctx.Err()
	}

	outcome.Err = err
	outcome.Passed = err == nil && outcome.StatusCode == sc.ExpectedStatus
	vu.Metrics.RecordRequest(outcome.Duration, !outcome.Passed, outcome.Bytes)
	vu.recordChecks(outcome, body)

	if sc.ThinkTime > 0 {
		vu.applyThinkTime(ctx, sc.ThinkTime)
	}

	vu.Metrics.RecordIteration(time.Since(iterStart))
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return outcome, nil
}

func (vu *VirtualUser) executeRequest(ctx context.Context, outcome *RequestOutcome) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outcome.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range vu.Scenario.Headers {
		req.Header.Set(key, value)
	}
	if vu.Scenario.UserAgent != "" {
		req.Header.Set("User-Agent", vu.Scenario.UserAgent)
	}

	start := time.Now()
	resp, err := vu.HTTPClient.Do(req)
	if err != nil {
		outcome.Duration = time.Since(start)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	outcome.Duration = time.Since(start)
	outcome.StatusCode = resp.StatusCode
	outcome.Bytes = int64(len(body))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}

func (vu *VirtualUser) recordChecks(outcome *RequestOutcome, body []byte) {
	sc := vu.Scenario
	vu.Metrics.RecordCheck(sc.StatusCheckName(), outcome.Err == nil && outcome.StatusCode == sc.ExpectedStatus)

	if sc.Checker == nil {
		return
	}

	// Body checks only make sense against a successful response; anything
	// else already failed the status check and fails these too.
	schemaOK, valueOK := false, false
	if outcome.Passed {
		schemaOK = sc.Checker.CheckSchema(body) == nil
		valueOK = sc.Checker.CheckValue(body, outcome.Input) == nil
	}
	vu.Metrics.RecordCheck(CheckBodySchema, schemaOK)
	vu.Metrics.RecordCheck(CheckBodyValue, valueOK)
}

// takeToken waits for a rate limiter token. Take cannot be cancelled, so it
// runs on its own goroutine; a token granted after the VU gave up is dropped
// without sending a request.
func (vu *VirtualUser) takeToken(ctx context.Context) error {
	granted := make(chan struct{})
	go func() {
		vu.Limiter.Take()
		close(granted)
	}()

	select {
	case <-granted:
	case <-ctx.Done():
		return ctx.Err()
	case <-vu.stopCh:
		return ErrVUStopped
	}

	if vu.stopping() {
		return ErrVUStopped
	}
	return ctx.Err()
}

// applyThinkTime waits for the specified duration or until stopped.
func (vu *VirtualUser) applyThinkTime(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-vu.stopCh:
	case <-timer.C:
	}
}

func (vu *VirtualUser) stopping() bool {
	s := vu.GetState()
	return s == VUStateStopping || s == VUStateStopped
}

// RequestStop asks the VU not to start another iteration. A think time in
// progress ends immediately; an in-flight request is left alone.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	if vu.state.Swap(int32(VUStateStopped)) != int32(VUStateStopping) {
		// stopCh was never closed by RequestStop
		select {
		case <-vu.stopCh:
		default:
			close(vu.stopCh)
		}
	}
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}

// Scenario is the resolved, immutable definition of an iteration.
type Scenario struct {
	Name string

	// URLTemplate holds {{n}} and any {{variable}} placeholders.
	URLTemplate string

	Inputs         []int
	ThinkTime      time.Duration
	ExpectedStatus int

	Headers   map[string]string
	UserAgent string

	// Variables are substituted into URLTemplate, e.g. baseUrl.
	Variables map[string]string

	// Checker enables body verification when non-nil.
	Checker *BodyChecker
}

// StatusCheckName names the status check, e.g. "status is 200".
func (s *Scenario) StatusCheckName() string {
	return fmt.Sprintf("status is %d", s.ExpectedStatus)
}

// ResolveURL substitutes n and the scenario variables into the URL template.
func (s *Scenario) ResolveURL(n int) string {
	result := strings.ReplaceAll(s.URLTemplate, "{{n}}", strconv.Itoa(n))
	for key, value := range s.Variables {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}
