package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	serviceName = "guarddog"
	version     = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:     serviceName,
	Short:   "GuardDog compliance detection and escalation service",
	Long:    `GuardDog scans text, transactions, API telemetry and AI usage for compliance violations and escalates them into classifications, alerts and incidents.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file or directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
