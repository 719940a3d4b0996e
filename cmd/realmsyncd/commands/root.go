// Package commands implements the realmsyncd CLI: the cobra command tree
// for starting the server, generating a starting configuration, and
// checking status against the admin HTTP surface.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "realmsyncd",
	Short: "realmsyncd - realm synchronization server",
	Long: `realmsyncd is a multi-tenant synchronization server: clients upload and
download changesets against file-backed realm databases over a persistent
binary WebSocket protocol.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/realmsyncd/config.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/realmsyncd/config.yaml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd exposes the root command, for the main package's error
// handling and for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetConfigFile returns the --config flag value, empty if unset.
func GetConfigFile() string {
	return cfgFile
}

// PrintErr prints a formatted error to stderr.
func PrintErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Exit prints a formatted error to stderr and exits with status 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
