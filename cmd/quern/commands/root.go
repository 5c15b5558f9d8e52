// Package commands implements the quern CLI.
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
	cfgFile string
	verbose bool
	loud    bool
)

var rootCmd = &cobra.Command{
	Use:   "quern",
	Short: "quern - a distributed map/reduce coordinator",
	Long: `Quern runs map/reduce jobs across a fleet of worker processes
connected over authenticated TCP. One process runs the coordinator with
the job definition; any number of workers connect with the shared
secret and execute map and reduce assignments until the job finishes.

Use "quern [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "info-level logging")
	rootCmd.PersistentFlags().BoolVarP(&loud, "loud", "V", false, "debug-level logging")

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// verbosityLevel maps the -v/-V flags onto a log level override, or ""
// to keep the configured level.
func verbosityLevel() string {
	switch {
	case loud:
		return "DEBUG"
	case verbose:
		return "INFO"
	default:
		return ""
	}
}
