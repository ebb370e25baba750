package syncengine

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory ApplyStore double used for engine tests.
type fakeStore struct {
	mu        sync.Mutex
	resources map[ResourceType]map[string][]byte
	deleted   map[ResourceType]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resources: make(map[ResourceType]map[string][]byte),
		deleted:   make(map[ResourceType]map[string]bool),
	}
}

func (s *fakeStore) HasResource(rt ResourceType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.resources[rt]
	if !ok {
		return false
	}
	_, exists := m[id]
	return exists
}

func (s *fakeStore) ApplyCreate(rt ResourceType, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[rt] == nil {
		s.resources[rt] = make(map[string][]byte)
	}
	s.resources[rt][id] = payload
	return nil
}

func (s *fakeStore) ApplyUpdate(rt ResourceType, id string, payload []byte) error {
	return s.ApplyCreate(rt, id, payload)
}

func (s *fakeStore) ApplyDelete(rt ResourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources[rt], id)
	if s.deleted[rt] == nil {
		s.deleted[rt] = make(map[string]bool)
	}
	s.deleted[rt][id] = true
	return nil
}

func (s *fakeStore) count(rt ResourceType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources[rt])
}

func TestJournalRowsSinceReturnsWatermarkOrder(t *testing.T) {
	j := NewJournal()
	j.Append("device-a", ResourceEntry, OpCreate, "e1", nil, nil)
	j.Append("device-a", ResourceEntry, OpCreate, "e2", nil, nil)
	j.Append("device-a", ResourceEntry, OpCreate, "e3", nil, nil)

	rows := j.RowsSince(1)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows since watermark 1, got %d", len(rows))
	}
	if rows[0].ResourceID != "e2" || rows[1].ResourceID != "e3" {
		t.Fatalf("expected ordered [e2, e3], got %v", rows)
	}
}

func TestApplyRowDropsAlreadyObserved(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine("lib-1", "device-b", store)

	row := JournalRow{OriginDeviceID: "device-a", Watermark: 1, ResourceType: ResourceEntry, Operation: OpCreate, ResourceID: "e1"}
	if err := engine.ApplyRow(row); err != nil {
		t.Fatalf("apply row: %v", err)
	}
	if store.count(ResourceEntry) != 1 {
		t.Fatalf("expected 1 entry applied, got %d", store.count(ResourceEntry))
	}

	// P16: re-delivering an already-applied row is a no-op.
	if err := engine.ApplyRow(row); err != nil {
		t.Fatalf("re-apply row: %v", err)
	}
	if store.count(ResourceEntry) != 1 {
		t.Fatalf("expected idempotent re-apply to leave count at 1, got %d", store.count(ResourceEntry))
	}
}

func TestApplyRowParksOnMissingDependency(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine("lib-1", "device-b", store)

	child := JournalRow{
		OriginDeviceID: "device-a", Watermark: 5, ResourceType: ResourceEntry, Operation: OpCreate, ResourceID: "child",
		DependsOn: []Dependency{{ResourceType: ResourceEntry, ID: "parent"}},
	}
	if err := engine.ApplyRow(child); err != nil {
		t.Fatalf("apply child row: %v", err)
	}
	if store.count(ResourceEntry) != 0 {
		t.Fatal("expected child row to be parked, not applied, while parent is missing")
	}
	if engine.DepQueue.Len() != 1 {
		t.Fatalf("expected 1 parked row, got %d", engine.DepQueue.Len())
	}

	parent := JournalRow{OriginDeviceID: "device-a", Watermark: 4, ResourceType: ResourceEntry, Operation: OpCreate, ResourceID: "parent"}
	if err := engine.ApplyRow(parent); err != nil {
		t.Fatalf("apply parent row: %v", err)
	}

	if store.count(ResourceEntry) != 2 {
		t.Fatalf("expected parent arrival to unpark child, got count %d", store.count(ResourceEntry))
	}
	if engine.DepQueue.Len() != 0 {
		t.Fatalf("expected dependency queue to drain after unpark, got %d remaining", engine.DepQueue.Len())
	}
}

func TestDependencyQueueTickReportsStalledAfterRetriesAndWindow(t *testing.T) {
	q := NewDependencyQueue()
	q.Park(JournalRow{ResourceID: "stuck"}, []Dependency{{ResourceType: ResourceEntry, ID: "never-arrives"}})

	for i := 0; i < maxDependencyRetries; i++ {
		if stalled := q.Tick(); len(stalled) != 0 {
			t.Fatalf("expected no stall report before retry budget exhausted, got %v at tick %d", stalled, i)
		}
	}

	time.Sleep(stalledAfter + 10*time.Millisecond)
	stalled := q.Tick()
	if len(stalled) != 1 {
		t.Fatalf("expected 1 stalled row after exceeding retries and stall window, got %d", len(stalled))
	}
}

// TestApplyRandomPermutationConvergesLikeWatermarkOrder is the P15
// property: applying a captured journal at the receiver in a random
// permutation converges to the same final state as applying it in
// watermark order, modulo dependency parking.
func TestApplyRandomPermutationConvergesLikeWatermarkOrder(t *testing.T) {
	rows := buildChainedJournal(20)

	orderedStore := newFakeStore()
	orderedEngine := NewEngine("lib-1", "device-b", orderedStore)
	for _, r := range rows {
		if err := orderedEngine.ApplyRow(r); err != nil {
			t.Fatalf("ordered apply: %v", err)
		}
	}

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]JournalRow(nil), rows...)
		rand.Shuffle(len(shuffled), func(i, k int) { shuffled[i], shuffled[k] = shuffled[k], shuffled[i] })

		shuffledStore := newFakeStore()
		shuffledEngine := NewEngine("lib-1", "device-b", shuffledStore)
		for _, r := range shuffled {
			if err := shuffledEngine.ApplyRow(r); err != nil {
				t.Fatalf("shuffled apply: %v", err)
			}
		}

		if shuffledStore.count(ResourceEntry) != orderedStore.count(ResourceEntry) {
			t.Fatalf("trial %d: expected final counts to converge regardless of delivery order, ordered=%d shuffled=%d",
				trial, orderedStore.count(ResourceEntry), shuffledStore.count(ResourceEntry))
		}
		if shuffledEngine.DepQueue.Len() != 0 {
			t.Fatalf("trial %d: expected all rows to eventually unpark, %d still parked", trial, shuffledEngine.DepQueue.Len())
		}
	}
}

// buildChainedJournal builds n rows where each entry depends on the prior
// one, simulating a directory chain (parent -> child -> grandchild -> ...).
func buildChainedJournal(n int) []JournalRow {
	rows := make([]JournalRow, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("entry-%d", i)
		var deps []Dependency
		if i > 0 {
			deps = []Dependency{{ResourceType: ResourceEntry, ID: fmt.Sprintf("entry-%d", i-1)}}
		}
		rows[i] = JournalRow{
			OriginDeviceID: "device-a",
			Watermark:      uint64(i + 1),
			ResourceType:   ResourceEntry,
			Operation:      OpCreate,
			ResourceID:     id,
			DependsOn:      deps,
		}
	}
	return rows
}

func TestMergeUserMetadataPrefersHigherConfidence(t *testing.T) {
	local := UserMetadataValue{Confidence: 1, UpdatedAt: time.Unix(100, 0), Scalars: map[string]string{"title": "local"}}
	remote := UserMetadataValue{Confidence: 5, UpdatedAt: time.Unix(50, 0), Scalars: map[string]string{"title": "remote"}}

	merged := MergeUserMetadata(local, remote)
	if merged.Scalars["title"] != "remote" {
		t.Fatalf("expected higher-confidence remote scalar to win, got %q", merged.Scalars["title"])
	}
}

func TestMergeUserMetadataTieBreaksOnLaterUpdatedAt(t *testing.T) {
	local := UserMetadataValue{Confidence: 3, UpdatedAt: time.Unix(100, 0), Scalars: map[string]string{"title": "local"}}
	remote := UserMetadataValue{Confidence: 3, UpdatedAt: time.Unix(200, 0), Scalars: map[string]string{"title": "remote"}}

	merged := MergeUserMetadata(local, remote)
	if merged.Scalars["title"] != "remote" {
		t.Fatalf("expected later updated_at to win on confidence tie, got %q", merged.Scalars["title"])
	}
}

func TestMergeUserMetadataAttributesUnionPrefersLocalOnCollision(t *testing.T) {
	local := UserMetadataValue{Attributes: map[string]string{"color": "blue", "shared": "local-value"}}
	remote := UserMetadataValue{Attributes: map[string]string{"size": "large", "shared": "remote-value"}}

	merged := MergeUserMetadata(local, remote)
	if merged.Attributes["color"] != "blue" || merged.Attributes["size"] != "large" {
		t.Fatalf("expected union of non-colliding keys, got %v", merged.Attributes)
	}
	if merged.Attributes["shared"] != "local-value" {
		t.Fatalf("expected local to win on key collision, got %q", merged.Attributes["shared"])
	}
}

func TestBackfillStateMachineReachesReadyWhenCountsMatch(t *testing.T) {
	b := NewBackfill()
	b.RequestManifest()
	if b.CurrentStage() != BackfillRequestingManifest {
		t.Fatalf("expected RequestingManifest, got %s", b.CurrentStage())
	}

	b.ReceiveManifest(Manifest{CountsByResource: map[ResourceType]int{ResourceEntry: 100}})
	if b.CurrentStage() != BackfillReceivingBatches {
		t.Fatalf("expected ReceivingBatches, got %s", b.CurrentStage())
	}

	b.BeginApplying()
	if ok := b.VerifyCounts(map[ResourceType]int{ResourceEntry: 102}); !ok {
		t.Fatal("expected counts within tolerance to reach Ready")
	}
	if b.CurrentStage() != BackfillReady {
		t.Fatalf("expected Ready, got %s", b.CurrentStage())
	}
}

func TestBackfillStateMachineReRequestsOnLargeDivergence(t *testing.T) {
	b := NewBackfill()
	b.RequestManifest()
	b.ReceiveManifest(Manifest{CountsByResource: map[ResourceType]int{ResourceEntry: 100}})
	b.BeginApplying()

	if ok := b.VerifyCounts(map[ResourceType]int{ResourceEntry: 80}); ok {
		t.Fatal("expected large divergence to fail verification")
	}
	if b.CurrentStage() != BackfillRequestingManifest {
		t.Fatalf("expected re-entry to RequestingManifest, got %s", b.CurrentStage())
	}
}

func TestMultiplexerRejectsUnknownLibraryID(t *testing.T) {
	mux := NewMultiplexer()
	err := mux.Route("unknown-lib", JournalRow{ResourceID: "x"})
	if err == nil {
		t.Fatal("expected unknown library id to be rejected")
	}
}

func TestMultiplexerRoutesToRegisteredEngine(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine("lib-1", "device-b", store)

	mux := NewMultiplexer()
	mux.Register(engine)

	row := JournalRow{OriginDeviceID: "device-a", Watermark: 1, ResourceType: ResourceEntry, Operation: OpCreate, ResourceID: "e1"}
	if err := mux.Route("lib-1", row); err != nil {
		t.Fatalf("route: %v", err)
	}
	if store.count(ResourceEntry) != 1 {
		t.Fatal("expected routed row to be applied by the registered engine")
	}
}
