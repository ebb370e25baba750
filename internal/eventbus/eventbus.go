// Package eventbus implements the typed, multi-producer, multi-subscriber
// broadcast channel. Senders never block on subscribers;
// slow subscribers observe Lagged semantics by missing intermediate events.
package eventbus

import "sync"

// Kind discriminates the broad event families carried on the bus.
type Kind string

const (
	KindResourceCreated Kind = "resource.created"
	KindResourceChanged Kind = "resource.changed"
	KindResourceDeleted Kind = "resource.deleted"
	KindResourceBatch   Kind = "resource.batch"

	KindFSRawCreate Kind = "fsraw.create"
	KindFSRawModify Kind = "fsraw.modify"
	KindFSRawRemove Kind = "fsraw.remove"
	KindFSRawRename Kind = "fsraw.rename"

	KindJobStarted   Kind = "job.started"
	KindJobProgress  Kind = "job.progress"
	KindJobPaused    Kind = "job.paused"
	KindJobResumed   Kind = "job.resumed"
	KindJobCancelled Kind = "job.cancelled"
	KindJobCompleted Kind = "job.completed"
	KindJobFailed    Kind = "job.failed"

	KindCustom Kind = "custom"
)

// Event is one message published on the bus.
type Event struct {
	Kind Kind
	// CustomType further discriminates KindCustom events by string.
	CustomType string
	Payload    any
}

// defaultCapacity is the minimum bounded capacity.
const defaultCapacity = 1000

// Receiver is a subscriber's inbound channel. A subscriber that falls
// behind silently drops the oldest queued events (Lagged semantics) rather
// than blocking the publisher.
type Receiver struct {
	ch     chan Event
	lagged *uint64
}

// C returns the channel to range/select over.
func (r *Receiver) C() <-chan Event {
	return r.ch
}

// Lagged returns the number of events dropped for this subscriber due to a
// full buffer.
func (r *Receiver) Lagged() uint64 {
	return *r.lagged
}

// Bus is a broadcast bus: publishing holds a read lock and copies the
// event onto each subscriber's buffered channel without blocking.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Receiver]struct{}
	capacity int
}

// New creates a Bus with the given per-subscriber buffer capacity. A
// capacity below the spec's minimum of 1000 is rounded up.
func New(capacity int) *Bus {
	if capacity < defaultCapacity {
		capacity = defaultCapacity
	}
	return &Bus{subs: make(map[*Receiver]struct{}), capacity: capacity}
}

// Subscribe registers a new Receiver. Callers should call Unsubscribe when
// done to free the buffer.
func (b *Bus) Subscribe() *Receiver {
	lagged := new(uint64)
	r := &Receiver{ch: make(chan Event, b.capacity), lagged: lagged}
	b.mu.Lock()
	b.subs[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// Unsubscribe drops a Receiver from the bus and closes its channel.
func (b *Bus) Unsubscribe(r *Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[r]; ok {
		delete(b.subs, r)
		close(r.ch)
	}
}

// Publish fans an event out to every current subscriber. Within a single
// subscriber, events are delivered in publication order modulo lag; across
// subscribers, no ordering is guaranteed.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for r := range b.subs {
		select {
		case r.ch <- e:
		default:
			// Buffer full: drop the oldest queued event to make room
			// rather than block the publisher, and count the loss.
			select {
			case <-r.ch:
			default:
			}
			select {
			case r.ch <- e:
			default:
			}
			*r.lagged++
		}
	}
}

// SubscriberCount reports the number of currently registered receivers
// (diagnostic use only).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
