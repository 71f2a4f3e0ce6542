package si64

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() { //nolint:gochecknoinits // Using init in cobra command is idiomatic
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(versionCmd)
}

var RootCmd = &cobra.Command{
	Use:   "si64",
	Short: "Compute fleet coordination and settlement",
	Long:  `Coordinates a fleet of compute nodes, schedules jobs by hardware class and settles payouts on chain.`,
}

func Execute(version string) {
	RootCmd.Version = version

	template := fmt.Sprintf("si64 version: %s\n", RootCmd.Version)
	RootCmd.SetVersionTemplate(template)

	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
