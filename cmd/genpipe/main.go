package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by release builds with
// -ldflags "-X main.version=v1.2.3"
var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "genpipe",
		Short: "genpipe - generative pipeline orchestrator",
		Long: `genpipe runs multi-stage generation pipelines against LLM backends.
It renders each phase prompt from templates and earlier outputs, validates
and repairs what the backend returns, and records every transition in a
local database, so interrupted batches resume exactly where they stopped.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
