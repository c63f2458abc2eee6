package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Print the merged configuration after defaults, environment variables, config file, and flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(map[string]any{
				"datadir":  conf.DataDir,
				"database": conf.Database,
				"runtime":  conf.Runtime,
				"destroy":  conf.Destroy,
			})
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
