package perf

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/fiblab/fibload/internal/perf/metrics"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It provides:
// - VU pool management (spawning/ stopping VUs)
// - Shared HTTP client configuration
// - Graceful shutdown coordination
//
// The scheduler is used by executors to control VU counts.
type VUScheduler struct {
	scenario *Scenario
	metrics  *metrics.Engine

	httpClientConfig HTTPClientConfig
	opts             SchedulerOptions

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	sharedClient *http.Client

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// UseSharedClient indicates whether VUs share a single HTTP client
	UseSharedClient bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             60 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
		UseSharedClient:     true,
	}
}

// SchedulerOptions holds run-wide settings shared by every VU.
type SchedulerOptions struct {
	// Seed derives each VU's random source; 0 uses the clock.
	Seed int64

	// Limiter caps the global request rate; nil means unlimited.
	Limiter ratelimit.Limiter

	// Logger receives per-request debug output. Defaults to a no-op logger.
	Logger *zap.Logger

	// OnOutcome, if set, observes every iteration outcome.
	OnOutcome func(*RequestOutcome)
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig, opts SchedulerOptions) *VUScheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	scheduler := &VUScheduler{
		scenario:         scenario,
		metrics:          metricsEngine,
		httpClientConfig: httpConfig,
		opts:             opts,
		vus:              make(map[int]*VirtualUser),
		shutdownCh:       make(chan struct{}),
	}

	if httpConfig.UseSharedClient {
		scheduler.sharedClient = scheduler.createHTTPClient()
	}

	return scheduler
}

// createHTTPClient creates an HTTP client with the configured settings.
func (s *VUScheduler) createHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        s.httpClientConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpClientConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.httpClientConfig.MaxConnsPerHost,
		IdleConnTimeout:     s.httpClientConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpClientConfig.DisableKeepAlives,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.httpClientConfig.Timeout,
	}
}

// SpawnVU creates and returns a new Virtual User.
//
// The VU is registered with the scheduler but not started.
// The caller is responsible for running the VU.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	var client *http.Client
	if s.httpClientConfig.UseSharedClient {
		client = s.sharedClient
	} else {
		client = s.createHTTPClient()
	}

	vu := NewVirtualUser(id, s.scenario, client, s.metrics, s.vuSeed(id))
	vu.Limiter = s.opts.Limiter

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

func (s *VUScheduler) vuSeed(id int) int64 {
	if s.opts.Seed != 0 {
		return s.opts.Seed + int64(id)
	}
	return time.Now().UnixNano() + int64(id)
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		if !vu.WaitForStop(time.Until(deadline)) {
			notStopped++
		}
	}

	return notStopped
}

// RunVU loops iterations on vu until it is asked to stop or ctx is done.
//
// ctx is handed to every request, so cancelling it interrupts requests in
// flight. Use RequestStop (or StopAllVUs) to let the current request finish.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser) {
	s.shutdownWg.Add(1)
	defer s.shutdownWg.Done()
	defer vu.MarkStopped()

	log := s.opts.Logger.With(zap.Int("vu", vu.ID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
		}

		outcome, err := vu.RunIteration(ctx)
		if outcome != nil {
			if s.opts.OnOutcome != nil {
				s.opts.OnOutcome(outcome)
			}
			if !outcome.Passed && !outcome.Interrupted {
				log.Debug("request failed",
					zap.String("url", outcome.URL),
					zap.Int("status", outcome.StatusCode),
					zap.Duration("duration", outcome.Duration),
					zap.Error(outcome.Err))
			}
		}
		if err != nil {
			if !errors.Is(err, ErrVUStopped) && ctx.Err() == nil {
				log.Warn("iteration aborted", zap.Error(err))
			}
			return
		}
	}
}

// Shutdown stops all VUs and waits up to timeout for their goroutines.
func (s *VUScheduler) Shutdown(timeout time.Duration) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}

	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
}
