// Package commands implements the filedevice command-line front-end:
// a thin Cobra/Viper wrapper translating
// library/location/job/index/network/files/status operations into calls
// against the core packages. Flag surfaces and exit codes are this
// package's own concern; the core below only returns structured results
// or errors.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/config"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "filedevice",
	Short: "Index, copy, and sync files across your devices",
	Long: `filedevice is a personal file management engine: it indexes
directories into a queryable entry graph, runs resumable copy/move jobs,
pairs and syncs state across your own devices, and watches locations for
changes.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (not read: configuration always loads from $XDG_CONFIG_HOME/filedevice/config.yaml or ~/.config/filedevice/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging switch (not read: no command changes its logging)")
}

// loadConfig loads the daemon configuration using the real environment.
func loadConfig() (*config.Config, error) {
	return config.Load()
}
