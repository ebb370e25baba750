// Job commands operate against the job scheduler's persisted state.
// list/info read the jobs table directly and work from any process.
// pause/cancel only affect a job actually running inside this process,
// since the scheduler has no cross-process RPC surface; resume
// re-dispatches a paused row from its persisted state and blocks until
// it finishes, which is the practical one-shot substitute for a
// long-lived daemon here.
package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/copyengine"
	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/eventbus"
	"github.com/filedevice/core/internal/jobs"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/walker"
)

var jobLibraryFlag string

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "List, inspect, pause, resume, cancel, and monitor jobs",
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.PersistentFlags().StringVar(&jobLibraryFlag, "library", "", "library name (default: current library)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE:  runJobList,
	}
	listCmd.Flags().String("status", "", "filter by status (queued, running, paused, completed, failed, cancelled)")
	jobCmd.AddCommand(listCmd)

	jobCmd.AddCommand(&cobra.Command{
		Use:   "info <job-id>",
		Short: "Show a job's status and timestamps",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobInfo,
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a job running in this process",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobPause,
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobResume,
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job running in this process",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobCancel,
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "monitor <job-id>",
		Short: "Stream progress events for a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobMonitor,
	})
	jobCmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List known job types and the shape of their persisted state",
		Args:  cobra.NoArgs,
		RunE:  runJobTypes,
	})
}

func runJobTypes(cmd *cobra.Command, args []string) error {
	registry := buildJobRegistry(nil)
	for _, t := range registry.Types() {
		desc, _ := registry.Schema(t)
		fmt.Printf("%s\t%s\n", t, desc)
	}
	return nil
}

// buildJobRegistry assembles the registry mapping every job type this
// module dispatches to its deserializer. store may be nil for callers
// that only need type names/descriptions and never invoke a
// deserializer closure (e.g. "job types").
func buildJobRegistry(store *entrystore.Store) *jobs.Registry {
	registry := jobs.NewRegistry()
	defaultRuler := rules.New()
	registry.RegisterDescribed("walker.scan", "locationID|absPath|isoPrefix|stage|mode", func(state []byte) (jobs.Job, error) {
		return walker.DeserializeWalkerJob(state, store, defaultRuler)
	})
	registry.RegisterDescribed("file_copy", "JSON: sources, destination, options, completed_indices, files_copied, bytes_copied", func(state []byte) (jobs.Job, error) {
		return copyengine.DeserializeFileCopyJob(state)
	})
	return registry
}

// openJobScheduler opens the current library's job database along with a
// registry that can deserialize every job type this module dispatches.
func openJobScheduler() (*jobs.Scheduler, *entrystore.Store, func(), error) {
	return openJobSchedulerForLibrary(jobLibraryFlag)
}

// openJobSchedulerForLibrary is openJobScheduler parameterized by an
// explicit library name flag, shared with the files commands' own
// --library flag.
func openJobSchedulerForLibrary(libraryFlag string) (*jobs.Scheduler, *entrystore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := loadManifest(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	name, err := resolveLibrary(cfg, m, libraryFlag)
	if err != nil {
		return nil, nil, nil, err
	}
	rec, ok := m.Libraries[name]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown library %q", name)
	}

	store, err := entrystore.Open(rec.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	registry := buildJobRegistry(store)

	bus := eventbus.New(64)
	jobsDBPath := filepath.Join(filepath.Dir(rec.DBPath), "jobs.db")
	sched, err := jobs.Open(jobsDBPath, registry, bus, int64(4))
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		sched.Shutdown(5 * time.Second)
		store.Close()
	}
	return sched, store, cleanup, nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	statusFilter, _ := cmd.Flags().GetString("status")
	summaries, err := sched.List(jobs.Status(statusFilter))
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.TypeName, s.Status, s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runJobInfo(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := sched.Info(id)
	if err != nil {
		return err
	}
	fmt.Printf("id:         %s\n", s.ID)
	fmt.Printf("type:       %s\n", s.TypeName)
	fmt.Printf("status:     %s\n", s.Status)
	fmt.Printf("created at: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated at: %s\n", s.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runJobPause(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sched.Pause(id, 10*time.Second); err != nil {
		return err
	}
	fmt.Printf("Paused job %s.\n", id)
	return nil
}

func runJobResume(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	newID, err := sched.Resume(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Resumed job %s as %s, waiting for completion...\n", id, newID)

	info, err := sched.Info(newID)
	for err == nil && !info.Status.Terminal() {
		time.Sleep(time.Second)
		info, err = sched.Info(newID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Job %s finished with status %s.\n", newID, info.Status)
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sched.Cancel(id); err != nil {
		return err
	}
	fmt.Printf("Cancelled job %s.\n", id)
	return nil
}

func runJobMonitor(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	sched, _, cleanup, err := openJobScheduler()
	if err != nil {
		return err
	}
	defer cleanup()

	for {
		s, err := sched.Info(id)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), s.Status)
		if s.Status.Terminal() {
			return nil
		}
		time.Sleep(time.Second)
	}
}
