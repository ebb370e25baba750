// Package syncengine implements the causal sync engine: an append-only
// per-device journal, per-origin watermark
// tracking, dependency-parked idempotent apply, union-merge for user
// metadata, a backfill state machine, and per-library routing.
package syncengine

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/filedevice/core/internal/eventbus"
)

// ResourceType names one of the fixed set of resources exchanged between
// paired devices.
type ResourceType string

const (
	ResourceEntry           ResourceType = "entry"
	ResourceLocation        ResourceType = "location"
	ResourceContentIdentity ResourceType = "content_identity"
	ResourceUserMetadata    ResourceType = "user_metadata"
	ResourceDevice          ResourceType = "device"
	ResourceFile            ResourceType = "file"
)

// Operation is the mutation a journal row records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Dependency names a resource a journal row cannot be applied without.
type Dependency struct {
	ResourceType ResourceType
	ID           string
}

// JournalRow is one append-only journal entry. The write that produced it
// and its append must be one logical transaction; callers
// enforce that at the call site, not in this package.
type JournalRow struct {
	OriginDeviceID string
	Watermark      uint64
	ResourceType   ResourceType
	Operation      Operation
	ResourceID     string
	DependsOn      []Dependency
	Payload        []byte
	RecordedAt     time.Time
}

// Journal is the local append-only log plus per-origin watermark state.
// last-observed watermarks are coarse (last_sync_at-style); applied
// watermarks below are the exact per-device logical counter bound this
// package guarantees.
type Journal struct {
	mu               sync.Mutex
	rows             []JournalRow
	localCounter     uint64
	appliedWatermark map[string]uint64
}

func NewJournal() *Journal {
	return &Journal{appliedWatermark: make(map[string]uint64)}
}

// Append records a locally-originated write, assigning it the next local
// logical watermark.
func (j *Journal) Append(localDeviceID string, resourceType ResourceType, op Operation, resourceID string, deps []Dependency, payload []byte) JournalRow {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.localCounter++
	row := JournalRow{
		OriginDeviceID: localDeviceID,
		Watermark:      j.localCounter,
		ResourceType:   resourceType,
		Operation:      op,
		ResourceID:     resourceID,
		DependsOn:      deps,
		Payload:        payload,
		RecordedAt:     time.Now(),
	}
	j.rows = append(j.rows, row)
	return row
}

// RowsSince returns locally-originated rows with watermark strictly
// greater than since, in watermark order, for the outbound streaming step.
func (j *Journal) RowsSince(since uint64) []JournalRow {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []JournalRow
	for _, r := range j.rows {
		if r.Watermark > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Watermark < out[k].Watermark })
	return out
}

// AppliedWatermark returns the highest watermark already applied from the
// given origin.
func (j *Journal) AppliedWatermark(origin string) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appliedWatermark[origin]
}

// SetAppliedWatermark records that rows up to wm from origin have been
// applied.
func (j *Journal) SetAppliedWatermark(origin string, wm uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if wm > j.appliedWatermark[origin] {
		j.appliedWatermark[origin] = wm
	}
}

// LocalWatermark returns the local device's current logical counter, for
// WatermarkRequest construction.
func (j *Journal) LocalWatermark() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.localCounter
}

// ApplyStore is the idempotent create/update/delete surface the sync
// engine applies inbound rows against; internal/entrystore (and sibling
// resource stores) implement it.
type ApplyStore interface {
	HasResource(resourceType ResourceType, id string) bool
	ApplyCreate(resourceType ResourceType, id string, payload []byte) error
	ApplyUpdate(resourceType ResourceType, id string, payload []byte) error
	ApplyDelete(resourceType ResourceType, id string) error
}

// pendingRow is a journal row parked because one or more dependencies are
// not yet present locally.
type pendingRow struct {
	row         JournalRow
	missing     map[Dependency]struct{}
	firstParked time.Time
	retries     int
}

// maxDependencyRetries and stalledAfter implement the bounded
// retry/stall-detection rule for parked rows.
const (
	maxDependencyRetries = 10
	stalledAfter         = 5 * time.Second
)

// DependencyQueue parks journal rows whose dependencies have not yet
// arrived, keyed by each missing dependency so arrival can unpark them.
type DependencyQueue struct {
	mu         sync.Mutex
	byMissing  map[Dependency][]*pendingRow
	all        []*pendingRow
}

func NewDependencyQueue() *DependencyQueue {
	return &DependencyQueue{byMissing: make(map[Dependency][]*pendingRow)}
}

// Park records a row as pending on the given missing dependencies.
func (q *DependencyQueue) Park(row JournalRow, missing []Dependency) {
	q.mu.Lock()
	defer q.mu.Unlock()

	missingSet := make(map[Dependency]struct{}, len(missing))
	for _, d := range missing {
		missingSet[d] = struct{}{}
	}

	p := &pendingRow{row: row, missing: missingSet, firstParked: time.Now()}
	q.all = append(q.all, p)
	for d := range missingSet {
		q.byMissing[d] = append(q.byMissing[d], p)
	}
}

// Unpark is called when a dependency becomes available locally. It
// returns the rows that are now fully satisfied and removes them from the
// queue; rows still missing other dependencies remain parked.
func (q *DependencyQueue) Unpark(arrived Dependency) []JournalRow {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting, ok := q.byMissing[arrived]
	if !ok {
		return nil
	}
	delete(q.byMissing, arrived)

	var ready []JournalRow
	for _, p := range waiting {
		delete(p.missing, arrived)
		if len(p.missing) == 0 {
			ready = append(ready, p.row)
			q.removeFromAll(p)
		}
	}
	return ready
}

func (q *DependencyQueue) removeFromAll(target *pendingRow) {
	for i, p := range q.all {
		if p == target {
			q.all = append(q.all[:i], q.all[i+1:]...)
			return
		}
	}
}

// Tick increments the retry counter on every still-parked row and reports
// rows that have exceeded the bounded retry count with no progress for
// longer than the stall window, the sync-stalled condition.
func (q *DependencyQueue) Tick() []JournalRow {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stalled []JournalRow
	now := time.Now()
	for _, p := range q.all {
		p.retries++
		if p.retries > maxDependencyRetries && now.Sub(p.firstParked) > stalledAfter {
			stalled = append(stalled, p.row)
		}
	}
	return stalled
}

// Len reports how many rows are currently parked.
func (q *DependencyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.all)
}

// ErrSyncStalled is returned when a parked row has exceeded the bounded
// retry count with no dependency progress.
type ErrSyncStalled struct {
	Row JournalRow
}

func (e *ErrSyncStalled) Error() string {
	return fmt.Sprintf("sync stalled: row %s/%s from %s waiting on unresolved dependencies", e.Row.ResourceType, e.Row.ResourceID, e.Row.OriginDeviceID)
}

// Event is published on the engine's dedicated SyncEvent channel,
// separate from the main resource event bus.
type Event struct {
	Kind       string
	LibraryID  string
	ResourceID string
	Detail     any
}

// Engine drives one library's sync session: journal, dependency queue,
// apply store, and backfill state.
type Engine struct {
	LibraryID      string
	LocalDeviceID  string
	Journal        *Journal
	DepQueue       *DependencyQueue
	Store          ApplyStore
	Events         *eventbus.Bus
	Backfill       *Backfill
}

// NewEngine wires a sync engine for one library.
func NewEngine(libraryID, localDeviceID string, store ApplyStore) *Engine {
	return &Engine{
		LibraryID:     libraryID,
		LocalDeviceID: localDeviceID,
		Journal:       NewJournal(),
		DepQueue:      NewDependencyQueue(),
		Store:         store,
		Events:        eventbus.New(0),
		Backfill:      NewBackfill(),
	}
}

// BroadcastAdvance publishes notice that the local journal advanced, per
// outbound-flow step 1.
func (e *Engine) BroadcastAdvance() {
	e.Events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "sync.journal_advanced", Payload: Event{Kind: "JournalAdvanced", LibraryID: e.LibraryID}})
}

// RowsForPeer answers a peer's WatermarkRequest: rows with watermark
// greater than the peer's last-observed bound, in watermark order.
func (e *Engine) RowsForPeer(peerLastObserved uint64) []JournalRow {
	return e.Journal.RowsSince(peerLastObserved)
}

// ApplyRow applies one inbound journal row idempotently: drop if already
// observed, park if a dependency is missing, else apply and advance the
// per-origin applied watermark.
func (e *Engine) ApplyRow(row JournalRow) error {
	if row.Watermark <= e.Journal.AppliedWatermark(row.OriginDeviceID) {
		return nil
	}

	var missing []Dependency
	for _, dep := range row.DependsOn {
		if !e.Store.HasResource(dep.ResourceType, dep.ID) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		e.DepQueue.Park(row, missing)
		e.Events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "sync.row_parked", Payload: Event{Kind: "RowParked", LibraryID: e.LibraryID, ResourceID: row.ResourceID}})
		return nil
	}

	if err := e.applyToStore(row); err != nil {
		return fmt.Errorf("apply row %s/%s: %w", row.ResourceType, row.ResourceID, err)
	}

	e.Journal.SetAppliedWatermark(row.OriginDeviceID, row.Watermark)
	e.Events.Publish(eventbus.Event{Kind: eventbus.KindCustom, CustomType: "sync.row_applied", Payload: Event{Kind: "RowApplied", LibraryID: e.LibraryID, ResourceID: row.ResourceID}})

	e.unparkDependents(Dependency{ResourceType: row.ResourceType, ID: row.ResourceID})
	return nil
}

func (e *Engine) applyToStore(row JournalRow) error {
	switch row.Operation {
	case OpCreate:
		return e.Store.ApplyCreate(row.ResourceType, row.ResourceID, row.Payload)
	case OpUpdate:
		return e.Store.ApplyUpdate(row.ResourceType, row.ResourceID, row.Payload)
	case OpDelete:
		return e.Store.ApplyDelete(row.ResourceType, row.ResourceID)
	default:
		return fmt.Errorf("unknown operation %q", row.Operation)
	}
}

// unparkDependents re-applies any rows that were only waiting on the
// dependency that just became available. Recurses through chains of
// dependent rows.
func (e *Engine) unparkDependents(arrived Dependency) {
	ready := e.DepQueue.Unpark(arrived)
	for _, row := range ready {
		if err := e.ApplyRow(row); err != nil {
			log.Printf("[syncengine] unparked row %s/%s failed to apply: %v", row.ResourceType, row.ResourceID, err)
		}
	}
}

// CheckStalled sweeps the dependency queue and returns sync-stalled
// errors for rows that exceeded the bounded retry/stall window. Callers
// run this periodically (e.g. from a ticker) and surface the errors.
func (e *Engine) CheckStalled() []error {
	stalled := e.DepQueue.Tick()
	if len(stalled) == 0 {
		return nil
	}
	errs := make([]error, len(stalled))
	for i, row := range stalled {
		errs[i] = &ErrSyncStalled{Row: row}
	}
	return errs
}

// UserMetadataValue is the mergeable shape of one user_metadata row.
type UserMetadataValue struct {
	Confidence int
	UpdatedAt  time.Time
	Scalars    map[string]string
	Attributes map[string]string
}

// MergeUserMetadata implements the union-merge rule: scalar fields
// prefer the higher-confidence side (later updated_at breaks ties);
// attribute maps union-merge with local winning key collisions.
func MergeUserMetadata(local, remote UserMetadataValue) UserMetadataValue {
	merged := UserMetadataValue{
		Confidence: local.Confidence,
		UpdatedAt:  local.UpdatedAt,
		Scalars:    local.Scalars,
	}

	remoteWins := remote.Confidence > local.Confidence ||
		(remote.Confidence == local.Confidence && remote.UpdatedAt.After(local.UpdatedAt))
	if remoteWins {
		merged.Confidence = remote.Confidence
		merged.UpdatedAt = remote.UpdatedAt
		merged.Scalars = remote.Scalars
	}

	merged.Attributes = make(map[string]string, len(local.Attributes)+len(remote.Attributes))
	for k, v := range remote.Attributes {
		merged.Attributes[k] = v
	}
	for k, v := range local.Attributes {
		merged.Attributes[k] = v // local wins on key collision
	}

	return merged
}

// BackfillStage is the backfill state machine's current position.
type BackfillStage string

const (
	BackfillIdle                BackfillStage = "idle"
	BackfillRequestingManifest  BackfillStage = "requesting_manifest"
	BackfillReceivingBatches    BackfillStage = "receiving_batches"
	BackfillApplyingBatches     BackfillStage = "applying_batches"
	BackfillVerifyingCounts     BackfillStage = "verifying_counts"
	BackfillReady               BackfillStage = "ready"
)

// backfillCountTolerance is the small-divergence tolerance per resource
// type before a re-request is triggered.
const backfillCountTolerance = 5

// Manifest carries per-resource row counts for backfill progress
// verification.
type Manifest struct {
	CountsByResource map[ResourceType]int
}

// Backfill drives Idle -> RequestingManifest -> ReceivingBatches ->
// ApplyingBatches -> VerifyingCounts -> Ready.
type Backfill struct {
	mu           sync.Mutex
	Stage        BackfillStage
	remoteCounts map[ResourceType]int
}

func NewBackfill() *Backfill {
	return &Backfill{Stage: BackfillIdle}
}

func (b *Backfill) transition(to BackfillStage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Stage = to
}

func (b *Backfill) CurrentStage() BackfillStage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Stage
}

// RequestManifest begins (or re-begins) a backfill round.
func (b *Backfill) RequestManifest() {
	b.transition(BackfillRequestingManifest)
}

// ReceiveManifest records the peer's per-resource counts and advances to
// receiving batches.
func (b *Backfill) ReceiveManifest(m Manifest) {
	b.mu.Lock()
	b.remoteCounts = m.CountsByResource
	b.Stage = BackfillReceivingBatches
	b.mu.Unlock()
}

// BeginApplying marks the transition once batches start landing.
func (b *Backfill) BeginApplying() {
	b.transition(BackfillApplyingBatches)
}

// VerifyCounts compares local resource counts against the remote
// manifest. If any resource type diverges by more than the tolerance, the
// state machine re-enters RequestingManifest and this returns false;
// otherwise it transitions to Ready and returns true.
func (b *Backfill) VerifyCounts(local map[ResourceType]int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Stage = BackfillVerifyingCounts
	for rt, remoteCount := range b.remoteCounts {
		diff := remoteCount - local[rt]
		if diff < 0 {
			diff = -diff
		}
		if diff > backfillCountTolerance {
			b.Stage = BackfillRequestingManifest
			return false
		}
	}
	b.Stage = BackfillReady
	return true
}

// Multiplexer routes incoming sync traffic to the matching per-library
// Engine, rejecting unknown library ids.
type Multiplexer struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{engines: make(map[string]*Engine)}
}

// Register wires an Engine under its library id.
func (m *Multiplexer) Register(e *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[e.LibraryID] = e
}

// Unregister removes a library's engine, e.g. on unpair.
func (m *Multiplexer) Unregister(libraryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, libraryID)
}

// Route dispatches an inbound row to its library's engine.
func (m *Multiplexer) Route(libraryID string, row JournalRow) error {
	m.mu.RLock()
	e, ok := m.engines[libraryID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown library id %q", libraryID)
	}
	return e.ApplyRow(row)
}

// Engine looks up a registered engine by library id.
func (m *Multiplexer) Engine(libraryID string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[libraryID]
	return e, ok
}
