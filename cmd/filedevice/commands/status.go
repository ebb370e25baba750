// The status command gives a one-shot overview of this device: its
// identity, the libraries it knows about, and the current library's
// location and job counts. It reads the same manifest and stores every
// other command reads; there is no separate status daemon to query.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/jobs"
)

var statusLibraryFlag string

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show device identity, library, and job counts",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusLibraryFlag, "library", "", "library name (default: current library)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	identity, err := loadOrCreateDeviceIdentity(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("device:     %s\n", identity.DeviceID)

	m, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("libraries:  %d known, current %q\n", len(m.Libraries), m.Current)

	libName, err := resolveLibrary(cfg, m, statusLibraryFlag)
	if err != nil {
		fmt.Println("no library selected; run `filedevice library create <name>` to get started")
		return nil
	}
	if _, ok := m.Libraries[libName]; !ok {
		return fmt.Errorf("unknown library %q", libName)
	}

	store, err := openLibraryStore(m, libName)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	locs, err := store.ListLocations(ctx)
	if err != nil {
		return err
	}
	var fileCount, byteSize int64
	for _, loc := range locs {
		fileCount += loc.FileCount
		byteSize += loc.ByteSize
	}
	fmt.Printf("library %q: %d location(s), %d file(s), %d byte(s)\n", libName, len(locs), fileCount, byteSize)

	sched, _, cleanup, err := openJobSchedulerForLibrary(libName)
	if err != nil {
		fmt.Println("jobs: unavailable (" + err.Error() + ")")
		return nil
	}
	defer cleanup()

	counts := map[jobs.Status]int{}
	summaries, err := sched.List("")
	if err != nil {
		return err
	}
	for _, s := range summaries {
		counts[s.Status]++
	}
	fmt.Printf("jobs:       %d total (%d queued, %d running, %d paused, %d completed, %d failed, %d cancelled)\n",
		len(summaries),
		counts[jobs.StatusQueued], counts[jobs.StatusRunning], counts[jobs.StatusPaused],
		counts[jobs.StatusCompleted], counts[jobs.StatusFailed], counts[jobs.StatusCancelled])
	return nil
}
