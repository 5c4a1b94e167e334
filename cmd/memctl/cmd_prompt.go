package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var promptPersona string

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Assemble and print the current prompt fragment",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := loadEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		assembled, err := eng.AssemblePrompt(context.Background(), promptPersona)
		if err != nil {
			return err
		}
		fmt.Println(assembled)
		return nil
	},
}

func init() {
	promptCmd.Flags().StringVar(&promptPersona, "persona", "", "override the configured persona prompt")
	rootCmd.AddCommand(promptCmd)
}
