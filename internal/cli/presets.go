package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fiblab/fibload/internal/perf/config"
)

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the built-in test presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVUS\tDURATION\tTARGET\tDESCRIPTION")
			for _, name := range config.PresetNames() {
				cfg, err := config.Preset(name)
				if err != nil {
					return err
				}
				sc := cfg.Scenarios["fibonacci"]
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					name, sc.VUs, sc.Duration, cfg.Settings.BaseURL, config.PresetDescription(name))
			}
			return w.Flush()
		},
	}
}
