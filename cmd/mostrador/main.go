package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "time/tzdata" // business hours use America/Argentina zones
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "mostrador.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mostrador",
		Short:        "Mostrador — WhatsApp sales assistant for tire retail",
		Long:         "Mostrador answers WhatsApp customers with live stock, equivalences and service bookings.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newConversationCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mostrador %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
