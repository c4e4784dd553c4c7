package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "trufflesd",
		Short: "Truffles - autonomous remediation run daemon",
		Long: `Truffles runs coding agents against detected issues. Each run gets an
isolated git worktree, a bounded slot in the concurrency pool, and a
durable record of everything the agent did. The daemon exposes a JSON
API with SSE and WebSocket event streams.`,
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
