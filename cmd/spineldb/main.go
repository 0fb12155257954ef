package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spineldb",
	Short: "SpinelDB - an in-memory key/value store with built-in HTTP caching",
	Long: `SpinelDB is an in-memory data store combining Redis-style key/value
commands with a built-in HTTP caching layer, append-only persistence,
primary/replica replication, and Raft-coordinated clustering.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}
