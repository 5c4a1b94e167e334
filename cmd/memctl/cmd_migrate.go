package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy kv_memory entries into structured blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		needed, err := eng.MigrationNeeded()
		if err != nil {
			return err
		}
		if !needed {
			fmt.Println("no migration needed")
			return nil
		}

		result, err := eng.MigrateKVToBlocks(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("migrated %d/%d entries (%d skipped)\n", result.Migrated, result.Total, result.Skipped)
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back a prior migration, restoring kv_memory from its backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.RollbackMigration(context.Background()); err != nil {
			return err
		}
		fmt.Println("rollback complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
}
