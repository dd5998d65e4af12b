package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/threadmesh/config"
)

type rootFlags struct {
	configPath string
}

// loadConfig reads the --config file when given and the environment otherwise.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

func newRootCmd(version string) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "threadmesh",
		Short:        "threadmesh - durable thread executions for conversational agents",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file (env: THREADMESH_*)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newReactCmd(flags))
	cmd.AddCommand(newTraceCmd(flags))
	cmd.AddCommand(newThreadsCmd(flags))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}
