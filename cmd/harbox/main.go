// harbox — composable agent sandboxes over pluggable storage backends.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harbox",
	Short: "harbox — composable agent sandboxes over pluggable storage backends.",
	Long: `harbox runs agent commands inside isolated sandboxes whose filesystems
are assembled from mountable storage backends (in-memory, host directory,
or composites of both). Guest code signals host-side actions through
file-based spawn requests collected after every command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(execCmd, shellCmd, sandboxCmd, versionCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (or HARBOX_CONFIG env)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
