package fibserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// RoutePattern is the Fibonacci endpoint.
	RoutePattern = "/api/v1/fibonacci/:order_number"

	DefaultAddr = ":8080"

	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// FibonacciResponse is the body of a successful request.
type FibonacciResponse struct {
	OrderNumber     int    `json:"order_number"`
	FibonacciNumber uint64 `json:"fibonacci_number"`
	StatusCode      int    `json:"status_code"`
	Message         string `json:"message"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// Options configures a Server.
type Options struct {
	Logger *zap.Logger

	// Compute overrides the Fibonacci function. Defaults to Recursive.
	Compute func(n int) uint64
}

// Server is the CPU bound Fibonacci HTTP service the load test targets.
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	metrics *serviceMetrics
	compute func(n int) uint64
}

// New builds the service router.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Compute == nil {
		opts.Compute = Recursive
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		logger:  opts.Logger,
		metrics: newServiceMetrics(),
		compute: opts.Compute,
	}

	// Routes //api/v1/... the same as /api/v1/...
	s.router.RemoveExtraSlash = true

	s.router.Use(recovery(s.logger), accessLog(s.logger))
	s.router.GET(RoutePattern, s.handleFibonacci)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleFibonacci(c *gin.Context) {
	order, err := strconv.Atoi(c.Param("order_number"))
	if err != nil {
		s.reject(c, fmt.Sprintf("order_number must be an integer, got %q", c.Param("order_number")))
		return
	}
	if order < 0 || order > MaxOrder {
		s.reject(c, fmt.Sprintf("order_number must be between 0 and %d, got %d", MaxOrder, order))
		return
	}

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	start := time.Now()
	value := s.compute(order)
	elapsed := time.Since(start)
	s.metrics.observeCompute(elapsed)

	s.logger.Debug("computed fibonacci",
		zap.Int("order", order),
		zap.Uint64("value", value),
		zap.Duration("elapsed", elapsed),
	)

	s.metrics.observeRequest(http.StatusOK)
	c.JSON(http.StatusOK, FibonacciResponse{
		OrderNumber:     order,
		FibonacciNumber: value,
		StatusCode:      http.StatusOK,
		Message:         fmt.Sprintf("Computed in %v", elapsed),
	})
}

func (s *Server) reject(c *gin.Context, msg string) {
	s.metrics.observeRequest(http.StatusBadRequest)
	c.JSON(http.StatusBadRequest, ErrorResponse{StatusCode: http.StatusBadRequest, Message: msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully, letting in-flight computations finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("fibonacci service listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down fibonacci service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
