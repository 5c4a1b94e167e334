package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerdlabs/memstore/internal/memstore/blocks"
)

var inspectBlockType string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List blocks, archival entries, and kv_memory entries in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		all, err := eng.Blocks.GetAllBlocks(blocks.Type(inspectBlockType))
		if err != nil {
			return err
		}
		fmt.Printf("blocks (%d):\n", len(all))
		for _, b := range all {
			fmt.Printf("  %-20s [%s] %-10s updated %d\n", b.ID, b.Type, b.Label, b.UpdatedAt)
		}

		archival, err := eng.Blocks.GetAllArchival()
		if err != nil {
			return err
		}
		fmt.Printf("\narchival entries (%d):\n", len(archival))
		for _, a := range archival {
			fmt.Printf("  %-30s created %d\n", a.ID, a.CreatedAt)
		}

		kvEntries, err := eng.KV.LoadAll()
		if err != nil {
			return err
		}
		fmt.Printf("\nkv_memory entries (%d):\n", len(kvEntries))
		for _, e := range kvEntries {
			fmt.Printf("  %-30s updated %d\n", e.Purpose, e.UpdatedAt)
		}

		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectBlockType, "type", "", "filter blocks by type (core|archival)")
	rootCmd.AddCommand(inspectCmd)
}
