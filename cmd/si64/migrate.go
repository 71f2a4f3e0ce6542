package si64

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/si64-net/si64/pkg/ledger"
)

var migrateDatabasePath string

func init() { //nolint:gochecknoinits // Using init in cobra command is idiomatic
	migrateCmd.Flags().StringVar(
		&migrateDatabasePath, "db", "si64_vault.db",
		`Path of the ledger database to import into.`,
	)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [legacy-db-path]",
	Short: "Import payout rows from a legacy database",
	Long:  `Imports rows from an old-format ledger whose payouts live in a "tx" table. Imported rows are tagged MIGRATED; rows whose job id already exists are skipped.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := ledger.New(ledger.Params{DatabasePath: migrateDatabasePath})
		if err != nil {
			return err
		}
		defer vault.Close()

		report, err := vault.MigrateLegacy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("migrated %d rows, skipped %d duplicates\n", report.Migrated, report.Skipped)
		return nil
	},
}
