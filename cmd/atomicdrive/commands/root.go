// Package commands implements the atomicdrive CLI commands.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "atomicdrive",
	Short: "A linearizable, replicated sector store",
	Long: `atomicdrive runs one process of a replicated atomic disk drive: a
fixed-size array of 4096-byte sectors kept linearizable across a set of
processes via a majority-quorum (N,N)-AtomicRegister protocol.

Use "atomicdrive [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetConfigFile returns the --config flag value, or "" for the default location.
func GetConfigFile() string {
	return configFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/atomicdrive/config.yaml)")
	rootCmd.AddCommand(startCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
