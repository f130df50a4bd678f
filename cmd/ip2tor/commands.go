package main

import (
	"github.com/spf13/cobra"
)

const rootDesc = `
ip2tor sells Tor bridges and reverse SSH tunnels on operator hosts and takes
payment over Lightning. Run "serve" for the HTTP API and "worker" for order
processing, settlement and the periodic maintenance jobs.
`

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "ip2tor",
		Short:        "IP2Tor shop",
		Long:         rootDesc,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (default ./config.yaml or /etc/ip2tor/config.yaml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newWorkerCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newSweepCmd(&configPath))
	cmd.AddCommand(newSeedCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	return cmd
}
