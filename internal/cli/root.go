package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fiblab/fibload/internal/perf/engine"
)

var version = "0.1.0"

// Process exit codes. A failed threshold uses 99 like k6.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
)

// NewRootCmd builds the fibload command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "fibload",
		Short:   "Closed-model load generator for the Fibonacci service",
		Version: version,
		Long: `fibload drives a fixed pool of virtual users against a CPU bound
Fibonacci HTTP service, checks every response and reports k6 style metrics.
A run fails when any threshold (by default http_req_failed rate < 0.01)
does not hold.`,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newPresetsCmd())

	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// ExitCode maps the error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, engine.ErrThresholdsFailed):
		return ExitThresholdsFailed
	default:
		return ExitError
	}
}
