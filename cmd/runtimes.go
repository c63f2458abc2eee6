package main

import (
	"os"

	"github.com/flanksource/commons/logger"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flanksource/pgcluster/pkg/runtime"
)

func createRuntimesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runtimes",
		Short: "List discovered PostgreSQL runtimes",
		Long: `List the PostgreSQL runtimes found on PATH and in well-known install
locations. The runtime marked with => is the default, i.e. the one used
when creating a new cluster.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimes, warnings := runtime.DefaultStrategy().Runtimes()
			for _, warning := range warnings {
				logger.Warnf("skipped runtime candidate: %s", warning)
			}
			if len(runtimes) == 0 {
				return runtime.ErrNotFound
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"", "Version", "Bin directory"})
			for i, rt := range runtimes {
				marker := ""
				if i == 0 {
					marker = "=>"
				}
				t.AppendRow(table.Row{marker, rt.Version.String(), rt.BinDir})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
			return nil
		},
	}
}
