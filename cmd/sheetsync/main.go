// Command sheetsync pulls rows appended to spreadsheet worksheets into a
// record store, one cursor per mapping.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// Global flags
var (
	envFile      string
	mappingsFile string
)

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Incremental worksheet sync and reconciliation",
	Long: `sheetsync reads rows added to Google Sheets or xlsx worksheets since the
last committed cursor, reconciles them against the target record store and
advances the cursor only after the batch is committed.

Configuration comes from the environment (a .env file is loaded when present).
Mappings and record kinds are declared in a YAML file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Overload overwrites existing env vars
		if err := godotenv.Overload(envFile); err != nil {
			if cmd.Flags().Changed("env-file") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			slog.Debug("no .env file found, using environment variables")
		}
		if mappingsFile != "" {
			return os.Setenv("SYNC_MAPPINGS_FILE", mappingsFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load")
	rootCmd.PersistentFlags().StringVarP(&mappingsFile, "mappings", "m", "", "mappings file (overrides SYNC_MAPPINGS_FILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
