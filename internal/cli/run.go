package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fiblab/fibload/internal/logging"
	"github.com/fiblab/fibload/internal/perf/config"
	"github.com/fiblab/fibload/internal/perf/engine"
	"github.com/fiblab/fibload/internal/perf/output"
)

const defaultPreset = "short"

// runOptions holds the flags of the run command.
type runOptions struct {
	preset     string
	configFile string
	envFile    string

	url        string
	vus        int
	duration   string
	thinkTime  string
	maxRPS     int
	seed       int64
	verifyBody bool

	jsonOutput bool
	outputPath string
	quiet      bool

	logLevel  string
	logFormat string
}

func newRunCmd() *cobra.Command {
	return newRunCommand(&runOptions{})
}

// newRunCommand binds the run flags to opts.
func newRunCommand(opts *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against the Fibonacci service",
		Long: `Run a closed-model load test: a fixed number of VUs each loop
GET {{baseUrl}}/api/v1/fibonacci/{{n}} with n drawn from {33, 34, 35, 36},
check the status, then sleep for the think time.

Configuration is layered: a preset or config file, then .env and
FIBLOAD_* environment variables, then flags.

  fibload run --preset short
  fibload run --preset long --url http://localhost:8080
  fibload run --config test.yaml --vus 10 --duration 30s --json --output out.json

Exit code is 0 when every threshold passes, 99 when one fails and 1 on
errors.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.preset, "preset", "p", "", "Built-in preset: short or long (default short)")
	f.StringVarP(&opts.configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	f.StringVar(&opts.envFile, "env-file", ".env", "Environment file to load before reading FIBLOAD_* variables")
	f.StringVar(&opts.url, "url", "", "Base URL of the Fibonacci service")
	f.IntVar(&opts.vus, "vus", 0, "Number of virtual users")
	f.StringVarP(&opts.duration, "duration", "d", "", "Test duration (e.g. 10s, 1m)")
	f.StringVar(&opts.thinkTime, "think-time", "", "Sleep after each iteration (e.g. 1s)")
	f.IntVar(&opts.maxRPS, "max-rps", 0, "Cap on requests per second across all VUs (0 = unlimited)")
	f.Int64Var(&opts.seed, "seed", 0, "Seed for input selection (0 = time based)")
	f.BoolVar(&opts.verifyBody, "verify-body", false, "Also check the response body schema and value")
	f.BoolVar(&opts.jsonOutput, "json", false, "Write a JSON summary (to --output, or stdout)")
	f.StringVarP(&opts.outputPath, "output", "o", "", "File for the JSON summary")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, print only PASSED or FAILED")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", logging.DefaultEncoding, "Log format: console or json")

	return cmd
}

// buildConfig layers preset or file, environment and flags.
func buildConfig(cmd *cobra.Command, opts *runOptions, lookup func(string) (string, bool)) (*config.TestConfig, error) {
	if opts.preset != "" && opts.configFile != "" {
		return nil, fmt.Errorf("--preset and --config are mutually exclusive")
	}

	var (
		cfg *config.TestConfig
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadConfig(opts.configFile)
	} else {
		name := opts.preset
		if name == "" {
			name = defaultPreset
		}
		cfg, err = config.Preset(name)
	}
	if err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("vus") && opts.vus < 1 {
		return nil, fmt.Errorf("invalid --vus %d: must be greater than 0", opts.vus)
	}
	if flags.Changed("url") {
		cfg.Settings.BaseURL = opts.url
	}
	if flags.Changed("max-rps") {
		cfg.Settings.MaxRPS = opts.maxRPS
	}
	if flags.Changed("seed") {
		cfg.Settings.Seed = opts.seed
	}
	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		if flags.Changed("vus") {
			sc.VUs = opts.vus
		}
		if flags.Changed("duration") {
			sc.Duration = opts.duration
		}
		if flags.Changed("think-time") {
			sc.ThinkTime = opts.thinkTime
		}
		if opts.verifyBody {
			sc.VerifyBody = true
		}
	}

	return cfg, nil
}

func runLoadTest(cmd *cobra.Command, opts *runOptions) error {
	logger, err := logging.New(logging.Config{Level: opts.logLevel, Encoding: opts.logFormat})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}

	cfg, err := buildConfig(cmd, opts, os.LookupEnv)
	if err != nil {
		return err
	}

	eng, err := engine.NewEngine(cfg, logger)
	if err != nil {
		return err
	}

	// With --json and no file the summary document owns stdout.
	var consoleWriter io.Writer = cmd.OutOrStdout()
	jsonToStdout := opts.jsonOutput && opts.outputPath == ""
	if jsonToStdout {
		consoleWriter = cmd.ErrOrStderr()
	}

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:       cfg.Name,
		ExecutorType:   config.DefaultExecutor,
		TotalDuration:  eng.TotalDuration(),
		UpdateInterval: time.Second,
		Writer:         consoleWriter,
		Quiet:          opts.quiet,
	})
	console.PrintHeader()

	result, runErr := runWithProgress(cmd.Context(), eng, console, targetVUs(cfg), opts.quiet, logger)

	if result != nil {
		console.PrintSummary(result)

		if opts.jsonOutput || opts.outputPath != "" {
			if err := writeSummary(cmd.OutOrStdout(), opts.outputPath, result); err != nil {
				return err
			}
			if opts.outputPath != "" && !opts.quiet {
				fmt.Fprintf(consoleWriter, "Results written to: %s\n", opts.outputPath)
			}
		}
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if !result.Passed {
		return engine.ErrThresholdsFailed
	}
	return nil
}

// runWithProgress runs the engine while refreshing the console once per
// second. The first interrupt stops VUs gracefully; a second one cancels
// in-flight requests.
func runWithProgress(
	ctx context.Context,
	eng *engine.Engine,
	console *output.ConsoleOutput,
	target int,
	quiet bool,
	logger *zap.Logger,
) (*engine.TestResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type runResult struct {
		result *engine.TestResult
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		r, err := eng.Run(runCtx)
		done <- runResult{r, err}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case r := <-done:
			return r.result, r.err

		case <-sigCh:
			if interrupted {
				logger.Warn("second interrupt, aborting in-flight requests")
				cancel()
				continue
			}
			interrupted = true
			logger.Warn("interrupt received, stopping virtual users")
			go func() { _ = eng.Stop(context.Background()) }()

		case <-ticker.C:
			if quiet || !eng.IsRunning() {
				continue
			}
			stats := output.StatsFromMetrics(eng.GetMetrics(), eng.GetProgress(), eng.TotalDuration(), target)
			if console.IsTTY() {
				console.Update(stats)
			} else {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}
}

func writeSummary(stdout io.Writer, path string, result *engine.TestResult) error {
	if path == "" {
		return output.WriteJSON(stdout, result)
	}
	if err := output.WriteJSONFile(path, result); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// targetVUs is the most VUs that run at once.
func targetVUs(cfg *config.TestConfig) int {
	total, most := 0, 0
	for _, sc := range cfg.Scenarios {
		total += sc.VUs
		if sc.VUs > most {
			most = sc.VUs
		}
	}
	if cfg.Options != nil && cfg.Options.Sequential {
		return most
	}
	return total
}
