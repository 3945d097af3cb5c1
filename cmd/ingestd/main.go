// Command ingestd runs the rate-limited ingestion scheduler.
package main

import (
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ingestd",
	Short:         "Rate-limited ingestion scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// A missing .env is fine: configuration also comes from the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INGEST_CONFIG"), "path to YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
