package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	rootCmd    = &cobra.Command{
		Use:   "testrun-bot",
		Short: "Test Run Bot - chat-driven test suite orchestration",
		Long: `Test Run Bot accepts chat commands that start automated test suites,
runs them with bounded concurrency, aggregates the JUnit reports and
posts a summary back to the chat that asked for the run.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
