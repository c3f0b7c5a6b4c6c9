package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "fleetctl",
		Short: "Fleet Dispatch - coding-agent fleet dispatch and monitoring",
		Long: `Fleet Dispatch routes coding-agent work to self-hosted job servers or a
cloud CLI, tracks every dispatch in a durable state document, and watches
running sessions for hangs, stalls, and timeouts.`,
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
