// Command memctl is an operational CLI over a memory store: it inspects,
// migrates, and manually drives the engine outside of a hosting agent
// process, for debugging and one-off maintenance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerdlabs/memstore/internal/memstore/engine"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "memctl inspects and maintains a memory engine store",
	Long: `memctl is an operational CLI over a durable memory engine store.

It opens the store directly (no hosting agent process required) to inspect
blocks, archival entries and kv_memory entries, run or roll back the legacy
kv_memory migration, and preview the assembled prompt.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a memctl YAML config file (optional)")
}

func loadEngine() (*engine.Engine, error) {
	cfg := engine.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = engine.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	return engine.Open(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
