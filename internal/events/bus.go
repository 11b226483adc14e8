// Package events carries controller progress events to observers and the
// append-only run log.
package events

import (
	"sync"
	"time"

	"github.com/mtakala/simq/internal/model"
)

// EventType identifies what happened in the queue.
type EventType string

const (
	// EventQueueStarted is published once before the first run is attempted.
	EventQueueStarted EventType = "queue_started"
	// EventRunStarted is published after a run is marked running and its
	// state persisted, before the script process is spawned.
	EventRunStarted EventType = "run_started"
	// EventRunFinished is published after a run's outcome is persisted;
	// Status carries completed or failed.
	EventRunFinished EventType = "run_finished"
	// EventRunSkipped is published when a disabled run is passed over.
	EventRunSkipped EventType = "run_skipped"
	// EventRunPlanned is published by dry runs in place of execution.
	EventRunPlanned EventType = "run_planned"
	// EventQueueFinished is published once after the last attempted run.
	EventQueueFinished EventType = "queue_finished"
)

// Event is one progress notification. Index is -1 for queue-level events.
type Event struct {
	Type         EventType
	Timestamp    time.Time
	Queue        string
	Index        int
	Total        int
	Description  string
	Status       model.Status
	Message      string
	OutputFolder string
	// Sweep is the serialized effective sweep override set, populated for
	// run_started and run_planned so operators can review the merge.
	Sweep  string
	DryRun bool
}

// Subscriber receives events.
type Subscriber func(Event)

// Bus is a synchronous publish/subscribe fan-out. Delivery happens on the
// publisher's goroutine so progress output interleaves correctly with child
// process output; a panicking subscriber is recovered and never aborts the
// controller.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]Subscriber
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]Subscriber)}
}

// Subscribe registers a subscriber for all events and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish delivers the event to every subscriber in turn.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				// Observers must never break execution.
				_ = recover()
			}()
			fn(e)
		}()
	}
}
