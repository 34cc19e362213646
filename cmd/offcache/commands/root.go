// Package commands implements the offcache CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "offcache",
	Short: "Offline media cache and download scheduler for signage players",
	Long: `offcache keeps the media a signage player needs on local disk. It downloads
catalog content in priority order while the network allows it, evicts least
recently used files to stay within budget, and serves cached paths to the player.

Commands other than run operate directly on the cache directory and should be
used while the daemon is stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(resolveCmd)
}
