// Files commands dispatch copy and move operations through the job
// scheduler rather than running them inline, since a multi-gigabyte copy
// is exactly the kind of long-running, resumable work the scheduler
// exists for. Use `filedevice job monitor <id>` to follow progress.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filedevice/core/internal/copyengine"
)

var filesLibraryFlag string

func init() {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "Copy and move files through the resumable job scheduler",
	}
	filesCmd.PersistentFlags().StringVar(&filesLibraryFlag, "library", "", "library name (default: current library)")
	rootCmd.AddCommand(filesCmd)

	copyCmd := &cobra.Command{
		Use:   "copy <source>... <destination>",
		Short: "Copy one or more files/directories to a destination",
		Args:  cobra.MinimumNArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runFilesDispatch(cmd, args, false) },
	}
	addCopyFlags(copyCmd)
	filesCmd.AddCommand(copyCmd)

	moveCmd := &cobra.Command{
		Use:   "move <source>... <destination>",
		Short: "Move one or more files/directories to a destination",
		Args:  cobra.MinimumNArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runFilesDispatch(cmd, args, true) },
	}
	addCopyFlags(moveCmd)
	filesCmd.AddCommand(moveCmd)
}

func addCopyFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("overwrite", false, "overwrite an existing destination instead of resolving per --conflict")
	cmd.Flags().Bool("verify-checksum", false, "recorded in the job options; the copy engine does not hash or compare the copied files")
	cmd.Flags().Bool("preserve-timestamps", false, "preserve source modification times on the destination")
	cmd.Flags().String("method", "auto", "copy strategy: auto, clone, or stream")
	cmd.Flags().String("conflict", "auto_modify_name", "conflict policy: skip, auto_modify_name, overwrite, or abort")
}

func runFilesDispatch(cmd *cobra.Command, args []string, move bool) error {
	sources := args[:len(args)-1]
	destination := args[len(args)-1]

	overwrite, _ := cmd.Flags().GetBool("overwrite")
	verify, _ := cmd.Flags().GetBool("verify-checksum")
	preserve, _ := cmd.Flags().GetBool("preserve-timestamps")
	method, _ := cmd.Flags().GetString("method")
	conflict, _ := cmd.Flags().GetString("conflict")

	opts := copyengine.Options{
		Overwrite:          overwrite,
		VerifyChecksum:     verify,
		PreserveTimestamps: preserve,
		DeleteAfterCopy:    move,
		Method:             copyengine.Method(method),
		Conflict:           copyengine.Conflict(conflict),
	}

	job := copyengine.NewFileCopyJob(sources, destination, opts)

	sched, _, cleanup, err := openJobSchedulerForLibrary(filesLibraryFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	handle, err := sched.Dispatch(context.Background(), job, false)
	if err != nil {
		return fmt.Errorf("dispatch %s job: %w", job.TypeName(), err)
	}

	verb := "Copying"
	if move {
		verb = "Moving"
	}
	fmt.Printf("%s %d source(s) to %s as job %s. Use `filedevice job monitor %s` to follow progress.\n",
		verb, len(sources), destination, handle.ID, handle.ID)
	return nil
}
