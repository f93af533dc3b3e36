package perf_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/ratelimit"

	"github.com/fiblab/fibload/internal/fibserver"
	"github.com/fiblab/fibload/internal/perf"
	"github.com/fiblab/fibload/internal/perf/config"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

// fibHandler answers like the Fibonacci service and records requested orders.
type fibHandler struct {
	mu     sync.Mutex
	orders []int
	status int
	wrong  bool
	delay  time.Duration
	hits   atomic.Int64
}

func (h *fibHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.hits.Add(1)
	n, err := strconv.Atoi(path.Base(r.URL.Path))
	if err != nil {
		http.Error(w, "bad order", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.orders = append(h.orders, n)
	h.mu.Unlock()

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	value := fibserver.Iterative(n)
	if h.wrong {
		value++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"order_number":%d,"fibonacci_number":%d,"status_code":%d,"message":"Computed in 1ms"}`, n, value, status)
}

func (h *fibHandler) seen() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.orders))
	copy(out, h.orders)
	return out
}

func newScenario(baseURL string) *perf.Scenario {
	return &perf.Scenario{
		Name:           "fibonacci",
		URLTemplate:    "{{baseUrl}}/api/v1/fibonacci/{{n}}",
		Inputs:         config.DefaultInputs(),
		ExpectedStatus: http.StatusOK,
		Variables:      map[string]string{"baseUrl": baseURL},
	}
}

func newVU(sc *perf.Scenario, engine *metrics.Engine) *perf.VirtualUser {
	return perf.NewVirtualUser(1, sc, &http.Client{Timeout: 5 * time.Second}, engine, 1)
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state perf.VUState
		want  string
	}{
		{perf.VUStateIdle, "idle"},
		{perf.VUStateRunning, "running"},
		{perf.VUStateStopping, "stopping"},
		{perf.VUStateStopped, "stopped"},
		{perf.VUState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestScenario_ResolveURL(t *testing.T) {
	sc := newScenario("http://fib.local")
	if got, want := sc.ResolveURL(35), "http://fib.local/api/v1/fibonacci/35"; got != want {
		t.Errorf("ResolveURL(35) = %q, want %q", got, want)
	}

	sc.URLTemplate = "{{baseUrl}}//api/v1/fibonacci/{{n}}"
	if got, want := sc.ResolveURL(33), "http://fib.local//api/v1/fibonacci/33"; got != want {
		t.Errorf("ResolveURL(33) = %q, want %q", got, want)
	}

	if got := sc.StatusCheckName(); got != "status is 200" {
		t.Errorf("StatusCheckName() = %q, want %q", got, "status is 200")
	}
}

func TestVirtualUser_RunIteration(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario(server.URL), engine)

	outcome, err := vu.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if !outcome.Passed {
		t.Errorf("outcome.Passed = false, want true (status %d, err %v)", outcome.StatusCode, outcome.Err)
	}
	if outcome.Input < 33 || outcome.Input > 36 {
		t.Errorf("outcome.Input = %d, want one of 33..36", outcome.Input)
	}
	if outcome.Bytes == 0 {
		t.Error("outcome.Bytes = 0, want > 0")
	}

	snap := engine.GetSnapshot()
	if snap.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", snap.TotalRequests)
	}
	if snap.FailedRequests != 0 {
		t.Errorf("FailedRequests = %d, want 0", snap.FailedRequests)
	}
	if snap.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", snap.Iterations)
	}
	check := snap.Checks["status is 200"]
	if check.Passes != 1 || check.Fails != 0 {
		t.Errorf("status check = %+v, want 1 pass", check)
	}
	if vu.GetIteration() != 1 {
		t.Errorf("GetIteration() = %d, want 1", vu.GetIteration())
	}
}

func TestVirtualUser_InputsAreUniform(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario(server.URL), engine)

	const iterations = 400
	for i := 0; i < iterations; i++ {
		if _, err := vu.RunIteration(context.Background()); err != nil {
			t.Fatalf("RunIteration() error = %v", err)
		}
	}

	counts := make(map[int]int)
	for _, n := range h.seen() {
		counts[n]++
	}
	if len(counts) != 4 {
		t.Fatalf("distinct inputs = %v, want all of 33..36", counts)
	}
	for n, c := range counts {
		if n < 33 || n > 36 {
			t.Errorf("unexpected input %d", n)
		}
		// expected 100 each; 50 is far outside any plausible deviation
		if c < 50 {
			t.Errorf("input %d chosen %d times out of %d", n, c, iterations)
		}
	}
}

func TestVirtualUser_SameSeedSameInputs(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	sc := newScenario(server.URL)
	client := &http.Client{Timeout: 5 * time.Second}
	a := perf.NewVirtualUser(1, sc, client, engine, 7)
	b := perf.NewVirtualUser(2, sc, client, engine, 7)

	for i := 0; i < 20; i++ {
		oa, _ := a.RunIteration(context.Background())
		ob, _ := b.RunIteration(context.Background())
		if oa.Input != ob.Input {
			t.Fatalf("iteration %d: inputs %d and %d differ for equal seeds", i, oa.Input, ob.Input)
		}
	}
}

func TestVirtualUser_Non200IsFailure(t *testing.T) {
	h := &fibHandler{status: http.StatusInternalServerError}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario(server.URL), engine)
	outcome, err := vu.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("RunIteration() error = %v, want nil for a failed request", err)
	}
	if outcome.Passed {
		t.Error("outcome.Passed = true, want false")
	}
	if outcome.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", outcome.StatusCode)
	}

	snap := engine.GetSnapshot()
	if snap.FailedRequests != 1 || snap.ErrorRate != 1 {
		t.Errorf("FailedRequests = %d, ErrorRate = %v, want 1 and 1", snap.FailedRequests, snap.ErrorRate)
	}
	if snap.Checks["status is 200"].Fails != 1 {
		t.Errorf("status check fails = %d, want 1", snap.Checks["status is 200"].Fails)
	}
	if h.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 (no retries)", h.hits.Load())
	}
}

func TestVirtualUser_TransportErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario(url), engine)
	outcome, err := vu.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("RunIteration() error = %v, want nil", err)
	}
	if outcome.Err == nil {
		t.Error("outcome.Err = nil, want connection error")
	}
	if outcome.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", outcome.StatusCode)
	}

	snap := engine.GetSnapshot()
	if snap.TotalRequests != 1 || snap.FailedRequests != 1 {
		t.Errorf("requests = %d/%d failed, want 1/1", snap.FailedRequests, snap.TotalRequests)
	}
	if snap.ChecksFailed != 1 {
		t.Errorf("ChecksFailed = %d, want 1", snap.ChecksFailed)
	}
}

func TestVirtualUser_VerifyBody(t *testing.T) {
	checker, err := perf.NewBodyChecker()
	if err != nil {
		t.Fatalf("NewBodyChecker() error = %v", err)
	}

	tests := []struct {
		name      string
		handler   *fibHandler
		wantValue bool
	}{
		{"correct", &fibHandler{}, true},
		{"wrong value", &fibHandler{wrong: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			engine := metrics.NewEngine()
			defer engine.Stop()

			sc := newScenario(server.URL)
			sc.Checker = checker
			vu := newVU(sc, engine)

			if _, err := vu.RunIteration(context.Background()); err != nil {
				t.Fatalf("RunIteration() error = %v", err)
			}

			checks := engine.GetCheckStats()
			if checks[perf.CheckBodySchema].Passes != 1 {
				t.Errorf("schema check = %+v, want pass", checks[perf.CheckBodySchema])
			}
			if got := checks[perf.CheckBodyValue].Passes == 1; got != tt.wantValue {
				t.Errorf("value check passed = %v, want %v", got, tt.wantValue)
			}
		})
	}
}

func TestVirtualUser_ThinkTime(t *testing.T) {
	server := httptest.NewServer(&fibHandler{})
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	sc := newScenario(server.URL)
	sc.ThinkTime = 200 * time.Millisecond
	vu := newVU(sc, engine)

	start := time.Now()
	if _, err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("iteration took %v, want >= think time", elapsed)
	}
}

func TestVirtualUser_RequestStopCutsThinkTime(t *testing.T) {
	server := httptest.NewServer(&fibHandler{})
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	sc := newScenario(server.URL)
	sc.ThinkTime = 10 * time.Second
	vu := newVU(sc, engine)

	go func() {
		time.Sleep(100 * time.Millisecond)
		vu.RequestStop()
	}()

	start := time.Now()
	outcome, err := vu.RunIteration(context.Background())
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if !outcome.Passed {
		t.Error("request should have completed before the stop")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("think time not interrupted, iteration took %v", elapsed)
	}

	if _, err := vu.RunIteration(context.Background()); err != perf.ErrVUStopped {
		t.Errorf("RunIteration() after stop error = %v, want ErrVUStopped", err)
	}
}

func TestVirtualUser_InterruptedRequestNotRecorded(t *testing.T) {
	server := httptest.NewServer(&fibHandler{delay: 5 * time.Second})
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario(server.URL), engine)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcome, err := vu.RunIteration(ctx)
	if err == nil {
		t.Fatal("RunIteration() error = nil, want context error")
	}
	if outcome == nil || !outcome.Interrupted {
		t.Fatalf("outcome = %+v, want interrupted", outcome)
	}

	snap := engine.GetSnapshot()
	if snap.TotalRequests != 0 {
		t.Errorf("TotalRequests = %d, want 0 for an interrupted request", snap.TotalRequests)
	}
	if snap.InterruptedIterations != 1 {
		t.Errorf("InterruptedIterations = %d, want 1", snap.InterruptedIterations)
	}
}

func TestVirtualUser_RateLimitWaitEndsWithRun(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	limiter := ratelimit.New(1)
	limiter.Take() // the next token is a second away

	stopped := newVU(newScenario(server.URL), engine)
	stopped.Limiter = limiter
	cancelled := newVU(newScenario(server.URL), engine)
	cancelled.Limiter = limiter

	go func() {
		time.Sleep(100 * time.Millisecond)
		stopped.RequestStop()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = stopped.RunIteration(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = cancelled.RunIteration(ctx)
	}()
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("waiting for a token took %v, want it cut at stop", elapsed)
	}
	if errs[0] != perf.ErrVUStopped {
		t.Errorf("stopped VU error = %v, want ErrVUStopped", errs[0])
	}
	if errs[1] == nil {
		t.Error("cancelled VU error = nil, want context error")
	}

	// late tokens are dropped, not spent on a request
	time.Sleep(2500 * time.Millisecond)
	if hits := h.hits.Load(); hits != 0 {
		t.Errorf("server saw %d requests, want 0", hits)
	}
	if engine.GetSnapshot().TotalRequests != 0 {
		t.Error("no request should be recorded")
	}
}

func TestVirtualUser_CancelledContext(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario("http://127.0.0.1:1"), engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := vu.RunIteration(ctx); err == nil {
		t.Error("RunIteration() with cancelled context error = nil")
	}
	if engine.GetSnapshot().TotalRequests != 0 {
		t.Error("no request should be issued with a cancelled context")
	}
}

func TestVirtualUser_MarkStopped(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := newVU(newScenario("http://127.0.0.1:1"), engine)

	if vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop() = true before MarkStopped")
	}

	vu.MarkStopped()
	vu.MarkStopped()

	if vu.GetState() != perf.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
	if !vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop() = false after MarkStopped")
	}

	// stopping a stopped VU is a no-op
	vu.RequestStop()
}
