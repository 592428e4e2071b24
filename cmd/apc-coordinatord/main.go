// Command apc-coordinatord runs the multi-agent coordination control plane
// as a standalone daemon: it wires every internal component in dependency
// order, starts the metrics and tracing surfaces, and blocks until asked to
// shut down.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "apc-coordinatord",
		Short: "Multi-agent task coordination daemon",
		Long: bold("apc-coordinatord") + ` runs the agent pool, task store, workflow
engine, coordinator agent loop, idle monitor, and completion rendezvous that
together dispatch and supervise external coding-agent CLI processes across
concurrent sessions.`,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (when unset, apc-coordinator.yaml is searched for in . and $HOME)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"
