package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autorun",
	Short: "Autorun - rule-based automation engine",
	Long:  `Autorun evaluates declarative rules against subject state and events, plans idempotent runs, and executes their jobs under crash-tolerant locks.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(subjectsCmd)
	rootCmd.AddCommand(fireCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
