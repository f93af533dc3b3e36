package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fiblab/fibload/internal/fibserver"
	"github.com/fiblab/fibload/internal/logging"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Fibonacci HTTP service",
		Long: `Serve GET /api/v1/fibonacci/{order_number} for orders 0 to 93, computed
with the exponential recursive algorithm so the service stays CPU bound.
Also exposes /healthz and Prometheus metrics on /metrics.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logging.Config{Level: logLevel, Encoding: logFormat})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return fibserver.New(fibserver.Options{Logger: logger}).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", fibserver.DefaultAddr, "Address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", logging.DefaultLevel, "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", logging.DefaultEncoding, "Log format: console or json")

	return cmd
}
