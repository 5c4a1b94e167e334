package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Check and run a pending summary-ladder promotion",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		promoted, err := eng.PromoteIfNeeded(context.Background())
		if err != nil {
			return err
		}
		if promoted {
			fmt.Println("promotion ran")
		} else {
			fmt.Println("no promotion needed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
}
