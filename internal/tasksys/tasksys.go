// Package tasksys implements the generic, interruptible, serializable task
// dispatcher. It underlies the walker and individual
// job steps.
package tasksys

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ExecStatus is the terminal result of a single Run call.
type ExecStatus int

const (
	// StatusDone carries a successful output.
	StatusDone ExecStatus = iota
	// StatusPaused carries serialized state for later resumption.
	StatusPaused
	// StatusCancelled means the task observed cancellation and stopped.
	StatusCancelled
)

func (s ExecStatus) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusPaused:
		return "paused"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is returned by a task's Run method.
type Result struct {
	Status ExecStatus
	Output any   // only meaningful when Status == StatusDone
	State  []byte // only meaningful when Status == StatusPaused
	Err    error
}

// Interrupter is the cooperative pause/cancel signal a task polls at stage
// boundaries.
type Interrupter struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	ctx       context.Context
}

// NewInterrupter creates an interrupter bound to ctx; ctx.Done() is treated
// as a cancellation request.
func NewInterrupter(ctx context.Context) *Interrupter {
	return &Interrupter{ctx: ctx}
}

// Pause requests the running task to serialize and stop at its next stage
// boundary.
func (in *Interrupter) Pause() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.paused = true
}

// Cancel requests the running task to abandon work at its next stage
// boundary.
func (in *Interrupter) Cancel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cancelled = true
}

// CheckInterrupt returns the pending signal, if any. A task calls this at
// every stage boundary via `check_interrupt()`.
func (in *Interrupter) CheckInterrupt() (paused, cancelled bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctx != nil {
		select {
		case <-in.ctx.Done():
			in.cancelled = true
		default:
		}
	}
	return in.paused, in.cancelled
}

// Task is the generic unit of interruptible, serializable work, subject to
// the same pause/cancel contract as Interrupter.
type Task interface {
	ID() string
	// WithPriority floats shallow/UI tasks ahead of background ones when
	// true.
	WithPriority() bool
	Run(ctx context.Context, in *Interrupter) Result
}

// Dispatcher runs tasks concurrently with bounded parallelism. Priority
// only affects the order in which DispatchMany submits tasks.
type Dispatcher struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher that runs at most maxConcurrent tasks
// at once.
func NewDispatcher(maxConcurrent int64) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Handle is returned by Dispatch; callers await Wait() for the Result.
type Handle struct {
	resultCh chan Result
}

// Wait blocks until the task completes and returns its Result.
func (h *Handle) Wait() Result {
	return <-h.resultCh
}

// Dispatch submits a single task. Every task, priority or not, waits for
// one semaphore slot (weight 1) on its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, t Task, in *Interrupter) *Handle {
	h := &Handle{resultCh: make(chan Result, 1)}
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		weight := int64(1)
		if err := d.sem.Acquire(ctx, weight); err != nil {
			h.resultCh <- Result{Status: StatusCancelled, Err: err}
			return
		}
		defer d.sem.Release(weight)

		h.resultCh <- t.Run(ctx, in)
	}()

	return h
}

// DispatchMany submits a batch of tasks, priority tasks before background
// ones. Each submission acquires its slot on its own goroutine, so when
// the dispatcher is saturated the order in which tasks obtain slots is not
// guaranteed to follow submission order.
func (d *Dispatcher) DispatchMany(ctx context.Context, tasks []Task, in *Interrupter) []*Handle {
	ordered := make([]Task, 0, len(tasks))
	var background []Task
	for _, t := range tasks {
		if t.WithPriority() {
			ordered = append(ordered, t)
		} else {
			background = append(background, t)
		}
	}
	ordered = append(ordered, background...)

	handles := make([]*Handle, len(ordered))
	for i, t := range ordered {
		handles[i] = d.Dispatch(ctx, t, in)
	}
	return handles
}

// Wait blocks until every task submitted to the dispatcher has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
