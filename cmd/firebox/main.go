// firebox manages Firecracker microVMs on a single host.
package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/aledbf/firebox/internal/config"
	"github.com/aledbf/firebox/internal/version"
	"github.com/aledbf/firebox/microvm"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:           "firebox",
		Short:         "Manage Firecracker microVMs on this host",
		Version:       version.Info(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if debug {
				level = "debug"
			}
			return log.SetLevel(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		createCmd(),
		listCmd(),
		statusCmd(),
		pauseCmd(),
		resumeCmd(),
		deleteCmd(),
		portForwardCmd(),
		snapshotCmd(),
		cleanupCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newManager loads and validates the configuration and wires up the
// lifecycle manager.
func newManager(cmd *cobra.Command) (*microvm.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return microvm.New(cmd.Context(), cfg)
}
