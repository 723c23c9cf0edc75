package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rental-meter",
	Short: "Rental Meter CLI - manage metered rental sessions",
	Long: `Rental Meter is a billing engine for time-metered rentals.

This CLI tool allows you to:
- Start, pause, resume, and stop metered sessions
- Inspect session state and accrued cost
- Manage tenant policies and resource tariffs
- Trigger expiration sweeps and review the revenue ledger`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("RENTAL_METER_URL", "http://localhost:8080"), "Rental Meter server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
