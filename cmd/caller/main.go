package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "?"

var rootCmd = &cobra.Command{
	Use:     "caller",
	Short:   "Peer-to-peer calls with chat through a room coordinator",
	Version: Version,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(newJoinCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
