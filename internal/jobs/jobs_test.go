package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/filedevice/core/internal/eventbus"
	"github.com/filedevice/core/internal/tasksys"
)

type fakeJob struct {
	typeName  string
	persist   bool
	behavior  func(ctx context.Context, jctx *JobContext) tasksys.Result
}

func (j *fakeJob) TypeName() string       { return j.typeName }
func (j *fakeJob) ShouldPersist() bool    { return j.persist }
func (j *fakeJob) Serialize() ([]byte, error) { return []byte("{}"), nil }
func (j *fakeJob) Run(ctx context.Context, jctx *JobContext) tasksys.Result {
	return j.behavior(ctx, jctx)
}

func openTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	reg := NewRegistry()
	bus := eventbus.New(0)
	s, err := Open(filepath.Join(dir, "jobs.db"), reg, bus, 4)
	if err != nil {
		t.Fatalf("open scheduler: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(5 * time.Second) })
	return s
}

func TestDispatchRunsToCompletion(t *testing.T) {
	s := openTestScheduler(t)
	job := &fakeJob{typeName: "noop", persist: true, behavior: func(ctx context.Context, jctx *JobContext) tasksys.Result {
		jctx.Progress("Running", 50)
		return tasksys.Result{Status: tasksys.StatusDone, Output: "ok"}
	}}

	h, err := s.Dispatch(context.Background(), job, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	res := h.Wait()
	if res.Status != tasksys.StatusDone {
		t.Fatalf("expected done, got %v", res.Status)
	}
	if res.Output.(string) != "ok" {
		t.Fatalf("unexpected output: %v", res.Output)
	}
}

func TestPauseBlocksUntilJobPersistsState(t *testing.T) {
	s := openTestScheduler(t)
	proceed := make(chan struct{})
	job := &fakeJob{typeName: "pausable", persist: true, behavior: func(ctx context.Context, jctx *JobContext) tasksys.Result {
		<-proceed
		if paused, _ := jctx.Interrupter().CheckInterrupt(); paused {
			return tasksys.Result{Status: tasksys.StatusPaused, State: []byte("checkpoint")}
		}
		return tasksys.Result{Status: tasksys.StatusDone}
	}}

	h, err := s.Dispatch(context.Background(), job, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(proceed)
	}()

	if err := s.Pause(h.ID, 2*time.Second); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res := h.Wait()
	if res.Status != tasksys.StatusPaused {
		t.Fatalf("expected paused, got %v", res.Status)
	}
}

func TestCancelPropagatesToJob(t *testing.T) {
	s := openTestScheduler(t)
	proceed := make(chan struct{})
	job := &fakeJob{typeName: "cancellable", persist: true, behavior: func(ctx context.Context, jctx *JobContext) tasksys.Result {
		<-proceed
		if _, cancelled := jctx.Interrupter().CheckInterrupt(); cancelled {
			return tasksys.Result{Status: tasksys.StatusCancelled}
		}
		return tasksys.Result{Status: tasksys.StatusDone}
	}}

	h, err := s.Dispatch(context.Background(), job, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(proceed)
	}()

	if err := s.Cancel(h.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res := h.Wait()
	if res.Status != tasksys.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", res.Status)
	}
}

func TestUnknownJobTypeSkippedOnResume(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	bus := eventbus.New(0)
	s, err := Open(filepath.Join(dir, "jobs.db"), reg, bus, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Shutdown(time.Second)

	if _, err := s.db.Exec(`
		INSERT INTO jobs (id, type_name, status, state, created_at, updated_at)
		VALUES ('11111111-1111-1111-1111-111111111111', 'unknown-type', 'running', '{}', ?, ?)
	`, time.Now().UTC(), time.Now().UTC()); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	if err := s.ResumeOnStartup(context.Background()); err != nil {
		t.Fatalf("resume on startup: %v", err)
	}
}

func TestRegistryTypesAndSchemaReflectRegisteredDeserializers(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterDescribed("zeta", "zeta schema", func(state []byte) (Job, error) { return nil, nil })
	reg.RegisterDescribed("alpha", "alpha schema", func(state []byte) (Job, error) { return nil, nil })

	types := reg.Types()
	if len(types) != 2 || types[0] != "alpha" || types[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", types)
	}

	desc, ok := reg.Schema("alpha")
	if !ok || desc != "alpha schema" {
		t.Fatalf("expected alpha schema, got %q ok=%v", desc, ok)
	}

	if _, ok := reg.Schema("unknown"); ok {
		t.Fatal("expected no schema for an unregistered type")
	}
}
