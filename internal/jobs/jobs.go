// Package jobs implements the priority job scheduler: a persistent
// state machine over Queued/Running/Paused/Completed/
// Failed/Cancelled, progress streaming with throttled persistence and
// event emission, a type registry for resume-on-startup, and graceful
// shutdown.
package jobs

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/filedevice/core/internal/eventbus"
	"github.com/filedevice/core/internal/tasksys"
)

// Status is the job's lifecycle state in the scheduler's state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

// Progress is one tick on a job's progress channel.
type Progress struct {
	JobID     uuid.UUID
	Phase     string
	Payload   any
	Timestamp time.Time
}

// Job is the unit of work dispatched by the scheduler. Implementations
// provide their own serialization so the scheduler can checkpoint and
// resume them without knowing their concrete shape.
type Job interface {
	TypeName() string
	ShouldPersist() bool
	Serialize() ([]byte, error)
	Run(ctx context.Context, jctx *JobContext) tasksys.Result
}

// Deserializer rebuilds a Job of a given type from its persisted state.
type Deserializer func(state []byte) (Job, error)

// Registry maps a job type name to its deserializer, so the scheduler can
// resume persisted rows of unknown-at-compile-time concrete type.
type Registry struct {
	mu            sync.RWMutex
	deserializers map[string]Deserializer
	descriptions  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		deserializers: make(map[string]Deserializer),
		descriptions:  make(map[string]string),
	}
}

func (r *Registry) Register(typeName string, d Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deserializers[typeName] = d
}

// RegisterDescribed behaves like Register but also records a short
// human-readable description of the job type's persisted state, surfaced
// through Types and Schema for CLI introspection.
func (r *Registry) RegisterDescribed(typeName, description string, d Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deserializers[typeName] = d
	r.descriptions[typeName] = description
}

// Types lists every job type name known to the registry, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.deserializers))
	for name := range r.deserializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the description registered for typeName via
// RegisterDescribed, if any.
func (r *Registry) Schema(typeName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptions[typeName]
	return desc, ok
}

func (r *Registry) Deserialize(typeName string, state []byte) (Job, error) {
	r.mu.RLock()
	d, ok := r.deserializers[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job type %q unknown to registry", typeName)
	}
	return d(state)
}

// JobContext is handed to a running job. Checkpoint triggers a
// serialize-and-persist at a safe point; Progress pushes a tick onto the
// progress channel.
type JobContext struct {
	in       *tasksys.Interrupter
	progress chan<- Progress
	jobID    uuid.UUID
	scheduler *Scheduler
}

func (c *JobContext) Interrupter() *tasksys.Interrupter { return c.in }

func (c *JobContext) Progress(phase string, payload any) {
	select {
	case c.progress <- Progress{JobID: c.jobID, Phase: phase, Payload: payload, Timestamp: time.Now()}:
	default:
		// The progress channel has a fixed buffer; a full buffer here means
		// the drain loop is behind, and this tick is dropped (neither
		// broadcast nor persisted) rather than blocking the job.
	}
}

// Checkpoint persists the job's current serialized state immediately,
// outside the normal throttled cadence, at a caller-chosen safe point.
func (c *JobContext) Checkpoint(job Job) error {
	return c.scheduler.persistState(c.jobID, job)
}

// Handle is returned by Dispatch; callers can watch status, subscribe to
// progress, or await the final result.
type Handle struct {
	ID         uuid.UUID
	statusCh   chan Status
	progress   *eventbus.Bus
	resultCh   chan tasksys.Result
}

func (h *Handle) Status() <-chan Status                { return h.statusCh }
func (h *Handle) Subscribe() *eventbus.Receiver         { return h.progress.Subscribe() }
func (h *Handle) Wait() tasksys.Result                  { return <-h.resultCh }

//go:embed schema.sql
var schemaSQL string

// runningJob tracks an active job's control surface for pause/cancel.
type runningJob struct {
	job        Job
	in         *tasksys.Interrupter
	handle     *Handle
	pausedDone chan struct{}
}

// Scheduler is the process-wide job scheduler.
type Scheduler struct {
	db         *sql.DB
	registry   *Registry
	dispatcher *tasksys.Dispatcher
	bus        *eventbus.Bus
	lock       *flock.Flock

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob
}

// Open creates a scheduler backed by a SQLite job database at dbPath and
// a filesystem advisory lock alongside it, enforcing one scheduler
// instance per database at a time.
func Open(dbPath string, registry *Registry, bus *eventbus.Bus, maxConcurrent int64) (*Scheduler, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create job store directory: %w", err)
	}

	lockPath := dbPath + ".lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire job scheduler lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another scheduler instance holds %s", lockPath)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open job store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			lock.Unlock()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("initialize job store schema: %w", err)
	}

	return &Scheduler{
		db:         db,
		registry:   registry,
		dispatcher: tasksys.NewDispatcher(maxConcurrent),
		bus:        bus,
		lock:       lock,
		running:    make(map[uuid.UUID]*runningJob),
	}, nil
}

// Dispatch submits a job to the scheduler, following a fixed dispatch
// sequence: assign id, persist if requested, create progress plumbing,
// submit to the task dispatcher, return a handle.
func (s *Scheduler) Dispatch(ctx context.Context, job Job, priority bool) (*Handle, error) {
	id := uuid.New()

	if job.ShouldPersist() {
		if err := s.insertRow(id, job, StatusQueued); err != nil {
			return nil, fmt.Errorf("persist job %s: %w", id, err)
		}
	}

	progressBus := eventbus.New(0)
	h := &Handle{
		ID:       id,
		statusCh: make(chan Status, 8),
		progress: progressBus,
		resultCh: make(chan tasksys.Result, 1),
	}

	in := tasksys.NewInterrupter(ctx)
	rj := &runningJob{job: job, in: in, handle: h, pausedDone: make(chan struct{})}
	s.mu.Lock()
	s.running[id] = rj
	s.mu.Unlock()

	progressCh := make(chan Progress, 256)
	go s.drainProgress(id, progressCh, progressBus)

	jctx := &JobContext{in: in, progress: progressCh, jobID: id, scheduler: s}

	task := jobTaskAdapter{id: id.String(), priority: priority, job: job, jctx: jctx}
	handle := s.dispatcher.Dispatch(ctx, task, in)

	s.setStatus(id, StatusRunning)
	h.statusCh <- StatusRunning
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobStarted, Payload: id})

	go func() {
		res := handle.Wait()
		close(progressCh)

		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()

		switch res.Status {
		case tasksys.StatusDone:
			if res.Err != nil {
				s.setStatus(id, StatusFailed)
				h.statusCh <- StatusFailed
				s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobFailed, Payload: id})
			} else {
				s.onCompleted(id)
				h.statusCh <- StatusCompleted
				s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobCompleted, Payload: id})
			}
		case tasksys.StatusPaused:
			s.persistRawState(id, res.State)
			s.setStatus(id, StatusPaused)
			h.statusCh <- StatusPaused
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobPaused, Payload: id})
			close(rj.pausedDone)
		case tasksys.StatusCancelled:
			s.setStatus(id, StatusCancelled)
			h.statusCh <- StatusCancelled
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobCancelled, Payload: id})
		}

		h.resultCh <- res
	}()

	return h, nil
}

type jobTaskAdapter struct {
	id       string
	priority bool
	job      Job
	jctx     *JobContext
}

func (a jobTaskAdapter) ID() string         { return a.id }
func (a jobTaskAdapter) WithPriority() bool { return a.priority }
func (a jobTaskAdapter) Run(ctx context.Context, in *tasksys.Interrupter) tasksys.Result {
	return a.job.Run(ctx, a.jctx)
}

// drainProgress is the dedicated task that drains the progress
// channel": broadcast every tick, persist at most once per 2s, emit a
// JobProgress event at most once per 100ms, and force a final persist on
// channel close.
func (s *Scheduler) drainProgress(id uuid.UUID, ch <-chan Progress, bus *eventbus.Bus) {
	const persistInterval = 2 * time.Second
	const eventInterval = 100 * time.Millisecond

	var lastPersist, lastEvent time.Time
	var lastTick Progress
	haveTick := false

	for p := range ch {
		lastTick = p
		haveTick = true
		bus.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "progress.broadcast", Payload: p})

		now := time.Now()
		if now.Sub(lastPersist) >= persistInterval {
			s.persistProgressRow(id, p)
			lastPersist = now
		}
		if now.Sub(lastEvent) >= eventInterval {
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindJobProgress, Payload: p})
			lastEvent = now
		}
	}

	if haveTick {
		s.persistProgressRow(id, lastTick)
	}
}

// Pause instructs a running job to serialize-and-stop at its next stage
// boundary, and blocks until that persist completes or the timeout
// elapses.
func (s *Scheduler) Pause(id uuid.UUID, timeout time.Duration) error {
	s.mu.Lock()
	rj, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", id)
	}

	rj.in.Pause()

	select {
	case <-rj.pausedDone:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("job %s did not pause within %s", id, timeout)
	}
}

// Cancel signals the running task to stop; it is removed from the
// running set on its status transition.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	rj, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", id)
	}
	rj.in.Cancel()
	return nil
}

// ResumeOnStartup selects rows with status in {Running, Paused},
// deserializes them via the registry, and re-dispatches. Rows whose type
// is unknown to the registry are logged and skipped.
func (s *Scheduler) ResumeOnStartup(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type_name, state, priority FROM jobs WHERE status IN (?, ?)
	`, string(StatusRunning), string(StatusPaused))
	if err != nil {
		return fmt.Errorf("query resumable jobs: %w", err)
	}
	defer rows.Close()

	type resumable struct {
		id       string
		typeName string
		state    []byte
		priority bool
	}
	var toResume []resumable
	for rows.Next() {
		var r resumable
		if err := rows.Scan(&r.id, &r.typeName, &r.state, &r.priority); err != nil {
			return err
		}
		toResume = append(toResume, r)
	}

	for _, r := range toResume {
		job, err := s.registry.Deserialize(r.typeName, r.state)
		if err != nil {
			log.Printf("[jobs] skipping unresumable job %s (type %s): %v", r.id, r.typeName, err)
			continue
		}
		if _, err := s.Dispatch(ctx, job, r.priority); err != nil {
			log.Printf("[jobs] failed to re-dispatch job %s: %v", r.id, err)
		}
	}

	return nil
}

// Resume re-dispatches a single paused job by id, the same way
// ResumeOnStartup re-dispatches every paused row. It returns the new
// handle's job id, which callers should use for subsequent status
// queries (the scheduler assigns a fresh runtime id on every dispatch,
// matching ResumeOnStartup's own behavior).
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var typeName string
	var state []byte
	var priority bool
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT type_name, state, priority, status FROM jobs WHERE id = ?`, id.String()).
		Scan(&typeName, &state, &priority, &status)
	if err != nil {
		return uuid.Nil, fmt.Errorf("job %s: %w", id, err)
	}
	if status != string(StatusPaused) {
		return uuid.Nil, fmt.Errorf("job %s is %s, not paused", id, status)
	}

	job, err := s.registry.Deserialize(typeName, state)
	if err != nil {
		return uuid.Nil, fmt.Errorf("deserialize job %s: %w", id, err)
	}
	h, err := s.Dispatch(ctx, job, priority)
	if err != nil {
		return uuid.Nil, fmt.Errorf("re-dispatch job %s: %w", id, err)
	}
	return h.ID, nil
}

// Shutdown pauses all running jobs, waits up to the given timeout for
// them to persist, force-checkpoints the job database, and closes the
// connection. It proceeds even on timeout to avoid hanging.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.running))
	for id, rj := range s.running {
		rj.in.Pause()
		ids = append(ids, id)
	}
	s.mu.Unlock()

	deadline := time.After(timeout)
	for _, id := range ids {
		s.mu.Lock()
		rj, ok := s.running[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-rj.pausedDone:
		case <-deadline:
			log.Printf("[jobs] shutdown timeout exceeded waiting for job %s to pause", id)
		}
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("[jobs] wal checkpoint on shutdown failed: %v", err)
	}

	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil {
		log.Printf("[jobs] release scheduler lock failed: %v", unlockErr)
	}
	return err
}

// Summary is a row projection used by list/info callers (e.g. the CLI)
// that don't need the full serialized state.
type Summary struct {
	ID        uuid.UUID
	TypeName  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// List returns job summaries, optionally filtered by status, newest first.
func (s *Scheduler) List(status Status) ([]Summary, error) {
	query := `SELECT id, type_name, status, created_at, updated_at FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var idStr, typeName, statusStr string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&idStr, &typeName, &statusStr, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse job id %q: %w", idStr, err)
		}
		out = append(out, Summary{ID: id, TypeName: typeName, Status: Status(statusStr), CreatedAt: createdAt, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

// Info returns a single job's summary by id.
func (s *Scheduler) Info(id uuid.UUID) (Summary, error) {
	var typeName, statusStr string
	var createdAt, updatedAt time.Time
	err := s.db.QueryRow(`SELECT type_name, status, created_at, updated_at FROM jobs WHERE id = ?`, id.String()).
		Scan(&typeName, &statusStr, &createdAt, &updatedAt)
	if err != nil {
		return Summary{}, fmt.Errorf("job %s: %w", id, err)
	}
	return Summary{ID: id, TypeName: typeName, Status: Status(statusStr), CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func (s *Scheduler) insertRow(id uuid.UUID, job Job, status Status) error {
	state, err := job.Serialize()
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type_name, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), job.TypeName(), string(status), state, time.Now().UTC(), time.Now().UTC())
	return err
}

func (s *Scheduler) setStatus(id uuid.UUID, status Status) {
	if _, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id.String()); err != nil {
		log.Printf("[jobs] update status for %s failed: %v", id, err)
	}
	if status.Terminal() {
		if _, err := s.db.Exec(`DELETE FROM job_checkpoints WHERE job_id = ?`, id.String()); err != nil {
			log.Printf("[jobs] delete checkpoint for %s failed: %v", id, err)
		}
	}
}

func (s *Scheduler) persistState(id uuid.UUID, job Job) error {
	state, err := job.Serialize()
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", id, err)
	}
	return s.persistRawState(id, state)
}

func (s *Scheduler) persistRawState(id uuid.UUID, state []byte) error {
	_, err := s.db.Exec(`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("persist state for %s: %w", id, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO job_checkpoints (job_id, state, checkpointed_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET state = excluded.state, checkpointed_at = excluded.checkpointed_at
	`, id.String(), state, time.Now().UTC())
	return err
}

func (s *Scheduler) persistProgressRow(id uuid.UUID, p Progress) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		payload = []byte("null")
	}
	if _, err := s.db.Exec(`
		UPDATE jobs SET last_progress_phase = ?, last_progress_payload = ?, updated_at = ? WHERE id = ?
	`, p.Phase, payload, time.Now().UTC(), id.String()); err != nil {
		log.Printf("[jobs] persist progress for %s failed: %v", id, err)
	}
}

// onCompleted runs the Completed side-effects before the caller emits the
// JobCompleted event: it cleans up the checkpoint row via setStatus and
// triggers the async stats recalculation hook.
func (s *Scheduler) onCompleted(id uuid.UUID) {
	s.setStatus(id, StatusCompleted)
	go s.bus.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "library.stats.recalculate", Payload: id})
}
