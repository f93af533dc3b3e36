package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fiblab/fibload/internal/cli"
	"github.com/fiblab/fibload/internal/perf/engine"
)

// Main is the entry point for the application.
// It's exported to make it testable.
func Main() int {
	err := cli.Execute()
	if err != nil && !errors.Is(err, engine.ErrThresholdsFailed) {
		// The summary already reports failed thresholds.
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cli.ExitCode(err)
}

func main() {
	os.Exit(Main())
}
