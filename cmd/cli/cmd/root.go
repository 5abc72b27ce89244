package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL  string
	endpoint string
)

var rootCmd = &cobra.Command{
	Use:   "asdctl",
	Short: "Inspect a running autoscaled control plane",
	Long: `asdctl is a command-line tool for inspecting an autoscaled control plane.

It reads the fleet snapshot from the control plane's monitoring endpoint and
reports instance counts, per-instance load and health, and capacity usage.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url",
		getEnvOrDefault("AUTOSCALED_API_URL", "http://localhost:8080"), "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint",
		getEnvOrDefault("AUTOSCALED_MONITORING_ENDPOINT", "/healthz"), "monitoring endpoint path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
