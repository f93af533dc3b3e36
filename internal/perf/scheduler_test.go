package perf_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/ratelimit"

	"github.com/fiblab/fibload/internal/perf"
	"github.com/fiblab/fibload/internal/perf/metrics"
)

func TestDefaultHTTPClientConfig(t *testing.T) {
	cfg := perf.DefaultHTTPClientConfig()

	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.MaxIdleConns != 1000 {
		t.Errorf("MaxIdleConns = %d, want 1000", cfg.MaxIdleConns)
	}
	if cfg.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", cfg.MaxIdleConnsPerHost)
	}
	if !cfg.UseSharedClient {
		t.Error("UseSharedClient = false, want true")
	}
}

func TestVUScheduler_SpawnVU(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	s := perf.NewVUScheduler(newScenario("http://127.0.0.1:1"), engine, perf.DefaultHTTPClientConfig(), perf.SchedulerOptions{Seed: 1})

	vu1 := s.SpawnVU()
	vu2 := s.SpawnVU()

	if vu1.ID != 1 || vu2.ID != 2 {
		t.Errorf("IDs = %d, %d, want 1, 2", vu1.ID, vu2.ID)
	}
	if vu1.HTTPClient != vu2.HTTPClient {
		t.Error("VUs should share the HTTP client by default")
	}
	if vu1.GetState() != perf.VUStateIdle || vu2.GetState() != perf.VUStateIdle {
		t.Error("spawned VUs should be idle until run")
	}
}

func TestVUScheduler_SpawnVU_WithoutSharedClient(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	cfg := perf.DefaultHTTPClientConfig()
	cfg.UseSharedClient = false
	s := perf.NewVUScheduler(newScenario("http://127.0.0.1:1"), engine, cfg, perf.SchedulerOptions{})

	if s.SpawnVU().HTTPClient == s.SpawnVU().HTTPClient {
		t.Error("each VU should own its client when sharing is disabled")
	}
}

func TestVUScheduler_RunVU(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	var outcomes atomic.Int64
	s := perf.NewVUScheduler(newScenario(server.URL), engine, perf.DefaultHTTPClientConfig(), perf.SchedulerOptions{
		OnOutcome: func(*perf.RequestOutcome) { outcomes.Add(1) },
	})
	vu := s.SpawnVU()

	done := make(chan struct{})
	go func() {
		s.RunVU(context.Background(), vu)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	vu.RequestStop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunVU did not return after RequestStop")
	}

	if vu.GetState() != perf.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
	if vu.GetIteration() == 0 {
		t.Error("no iterations ran")
	}
	if outcomes.Load() != engine.GetSnapshot().TotalRequests {
		t.Errorf("observed %d outcomes, recorded %d requests", outcomes.Load(), engine.GetSnapshot().TotalRequests)
	}
}

func TestVUScheduler_StopAllAndWait(t *testing.T) {
	server := httptest.NewServer(&fibHandler{})
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	sc := newScenario(server.URL)
	sc.ThinkTime = time.Second
	s := perf.NewVUScheduler(sc, engine, perf.DefaultHTTPClientConfig(), perf.SchedulerOptions{})

	for i := 0; i < 5; i++ {
		vu := s.SpawnVU()
		go s.RunVU(context.Background(), vu)
	}

	time.Sleep(100 * time.Millisecond)
	s.StopAllVUs()

	if n := s.WaitForAllVUs(2 * time.Second); n != 0 {
		t.Errorf("WaitForAllVUs() = %d VUs still running, want 0", n)
	}
	if n := s.WaitForAllVUs(0); n != 0 {
		t.Errorf("WaitForAllVUs(0) = %d after stop, want 0", n)
	}
}

func TestVUScheduler_RateLimit(t *testing.T) {
	h := &fibHandler{}
	server := httptest.NewServer(h)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	s := perf.NewVUScheduler(newScenario(server.URL), engine, perf.DefaultHTTPClientConfig(), perf.SchedulerOptions{
		Limiter: ratelimit.New(20),
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		vu := s.SpawnVU()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunVU(context.Background(), vu)
		}()
	}

	time.Sleep(time.Second)
	s.Shutdown(2 * time.Second)
	wg.Wait()

	// 20 req/s for one second, plus slack for the first token and timing
	if hits := h.hits.Load(); hits > 30 {
		t.Errorf("server hits = %d, want <= 30 with a 20 rps cap", hits)
	}
}

func TestVUScheduler_Shutdown(t *testing.T) {
	server := httptest.NewServer(&fibHandler{})
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	s := perf.NewVUScheduler(newScenario(server.URL), engine, perf.DefaultHTTPClientConfig(), perf.SchedulerOptions{})
	for i := 0; i < 3; i++ {
		go s.RunVU(context.Background(), s.SpawnVU())
	}

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	s.Shutdown(2 * time.Second)
	s.Shutdown(time.Second)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}
}
