package commands

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("filedevice %s (%s)\n", Version, resolveCommit())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// resolveCommit prefers the ldflags-injected GitCommit, falling back to
// the VCS revision embedded by the Go toolchain in builds that skip
// ldflags (e.g. `go install`).
func resolveCommit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return GitCommit
}
