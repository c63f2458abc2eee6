package main

import (
	"errors"
	"fmt"
	"os"
	osexec "os/exec"

	"github.com/flanksource/commons/logger"
	"github.com/spf13/cobra"

	"github.com/flanksource/pgcluster/pkg/cluster"
	"github.com/flanksource/pgcluster/pkg/config"
	"github.com/flanksource/pgcluster/pkg/coordinate"
	"github.com/flanksource/pgcluster/pkg/interrupt"
	"github.com/flanksource/pgcluster/pkg/runtime"
)

var (
	conf       = &config.Config{}
	configFile string
	dataDir    string
	database   string
	binDir     string
	destroy    bool
)

func main() {
	interrupt.Install()

	rootCmd := &cobra.Command{
		Use:   "pgcluster",
		Short: "Work with ephemeral PostgreSQL clusters",
		Long: `Create, start, use, and tear down short-lived PostgreSQL clusters.

The cluster lives in a data directory you own and listens only on a UNIX
socket inside that directory. Any number of pgcluster invocations may share
one data directory: the first one in starts the cluster, the last one out
stops it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configFile)
			if err != nil {
				return err
			}
			conf = loaded
			if dataDir != "" {
				conf.DataDir = dataDir
			}
			if database != "" {
				conf.Database = database
			}
			if binDir != "" {
				conf.Runtime = binDir
			}
			if cmd.Flags().Changed("destroy") {
				conf.Destroy = destroy
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&dataDir, "datadir", "D", "", "The directory in which to place, or find, the cluster (default \"cluster\")")
	rootCmd.PersistentFlags().StringVarP(&database, "database", "d", "", "The database to connect to (default \"postgres\")")
	rootCmd.PersistentFlags().StringVar(&binDir, "runtime", "", "PostgreSQL bin directory to use (discovered if not specified)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&destroy, "destroy", false, "Destroy the cluster after use. WARNING: this deletes the data directory")

	rootCmd.AddCommand(
		createShellCommand(),
		createExecCommand(),
		createDatabasesCommand(),
		createRuntimesCommand(),
		createConfigCommand(),
		createVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(cluster.KindOf(err).ExitCode())
	}
}

// openCluster builds the cluster handle from the effective configuration.
func openCluster() (*cluster.Cluster, error) {
	if conf.Runtime != "" {
		rt, err := runtime.NewRuntime(conf.Runtime)
		if err != nil {
			return nil, err
		}
		return cluster.New(conf.DataDir, rt)
	}
	return cluster.NewWithStrategy(conf.DataDir, runtime.DefaultStrategy())
}

// coordinated runs body inside a coordinated region, stopping or destroying
// the cluster on the way out per the --destroy flag.
func coordinated(c *cluster.Cluster, body func(*cluster.Cluster) error) error {
	wrapped := func(c *cluster.Cluster) (struct{}, error) {
		return struct{}{}, body(c)
	}
	var err error
	if conf.Destroy {
		_, err = coordinate.RunAndDestroy(c, wrapped)
	} else {
		_, err = coordinate.RunAndStop(c, wrapped)
	}
	return passthroughExit(err)
}

// passthroughExit propagates the exit code of a wrapped interactive command
// (shell, exec) directly, once the coordinated region has been left.
func passthroughExit(err error) error {
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	return err
}

// ensureDatabase creates the requested database if it is not present yet.
func ensureDatabase(c *cluster.Cluster, name string) error {
	databases, err := c.Databases()
	if err != nil {
		return err
	}
	for _, existing := range databases {
		if existing == name {
			return nil
		}
	}
	logger.Infof("creating database %s", name)
	return c.CreateDatabase(name)
}

func createShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start a psql shell, creating and starting the cluster as necessary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster()
			if err != nil {
				return err
			}
			return coordinated(c, func(c *cluster.Cluster) error {
				if err := ensureDatabase(c, conf.Database); err != nil {
					return err
				}
				return c.Shell(conf.Database)
			})
		},
	}
}

func createExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec COMMAND [ARGUMENTS...]",
		Short: "Execute an arbitrary command, creating and starting the cluster as necessary",
		Long: `Execute an arbitrary command with the cluster up, its bin directory first
on PATH, and PGHOST/PGDATA/PGDATABASE pointing at the cluster.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster()
			if err != nil {
				return err
			}
			return coordinated(c, func(c *cluster.Cluster) error {
				if err := ensureDatabase(c, conf.Database); err != nil {
					return err
				}
				return c.Exec(conf.Database, args[0], args[1:]...)
			})
		},
	}
}

func createDatabasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "List the cluster's databases, starting the cluster as necessary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCluster()
			if err != nil {
				return err
			}
			return coordinated(c, func(c *cluster.Cluster) error {
				names, err := c.Databases()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}
