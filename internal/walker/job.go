package walker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/filedevice/core/internal/entrystore"
	"github.com/filedevice/core/internal/jobs"
	"github.com/filedevice/core/internal/rules"
	"github.com/filedevice/core/internal/tasksys"
)

// JobAdapter wraps a walker Task as a jobs.Job so a directory scan can be
// dispatched, paused, resumed, and cancelled through the job scheduler
// like any other long-running operation.
type JobAdapter struct {
	task *Task
}

// NewJobAdapter wraps task for dispatch through a jobs.Scheduler.
func NewJobAdapter(task *Task) *JobAdapter {
	return &JobAdapter{task: task}
}

func (a *JobAdapter) TypeName() string    { return "walker.scan" }
func (a *JobAdapter) ShouldPersist() bool { return true }

func (a *JobAdapter) Serialize() ([]byte, error) {
	return a.task.serialize(), nil
}

func (a *JobAdapter) Run(ctx context.Context, jctx *jobs.JobContext) tasksys.Result {
	jctx.Progress("walking", a.task.absPath)
	a.task.SetCheckpoint(func(stage Stage) {
		if err := jctx.Checkpoint(a); err != nil {
			log.Printf("[walker] %s: checkpoint after stage %s failed: %v", a.task.absPath, stage, err)
		}
	})
	res := a.task.Run(ctx, jctx.Interrupter())
	if res.Status == tasksys.StatusDone && res.Err == nil {
		jctx.Progress("done", a.task.absPath)
	}
	return res
}

// DeserializeWalkerJob rebuilds a walker job from its persisted
// "locationID|absPath|isoPrefix|stage|mode" state. The
// stream iterator is not itself serializable, so a resumed scan restarts
// from Start for the same directory rather than resuming mid-stage; the
// store and ruler are re-acquired from the scheduler's injected
// collaborators rather than from the state blob.
func DeserializeWalkerJob(state []byte, store *entrystore.Store, ruler *rules.Ruler) (jobs.Job, error) {
	parts := strings.SplitN(string(state), "|", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("malformed walker job state %q", state)
	}
	locationID, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, fmt.Errorf("parse location id: %w", err)
	}
	mode, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, fmt.Errorf("parse mode: %w", err)
	}
	task := New(uuid.NewString(), false, locationID, parts[1], parts[2], Mode(mode), ruler, store)
	return NewJobAdapter(task), nil
}
