// Package main provides the reconciler CLI: it turns completed generation
// tasks into generation/variant records and resolves fanned-out workflows.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Generation reconciliation engine",
	Long:  "Reconciles completed image/video generation tasks into generations and variants, including multi-segment workflows that fan out and back in.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
