package orchestration

import (
	"sort"
	"sync"

	events "github.com/danstonedev/emrsim-session/core/events"
)

const debugHistoryCapacity = 256

// listenerRegistry fans events and debug entries out to subscribers.
// Listeners are invoked inline in registration order; a listener that
// blocks stalls the pipeline, so subscribers hand work off themselves.
type listenerRegistry struct {
	mu             sync.Mutex
	nextID         int
	eventListeners map[int]func(events.Event)
	debugListeners map[int]func(DebugEntry)
	debugHistory   []DebugEntry
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		eventListeners: map[int]func(events.Event){},
		debugListeners: map[int]func(DebugEntry){},
	}
}

// addEventListener registers a listener and returns its unsubscribe
// function. Unsubscribing twice is a no-op.
func (r *listenerRegistry) addEventListener(listener func(events.Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.eventListeners[id] = listener
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.eventListeners, id)
		r.mu.Unlock()
	}
}

func (r *listenerRegistry) addDebugListener(listener func(DebugEntry)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.debugListeners[id] = listener
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.debugListeners, id)
		r.mu.Unlock()
	}
}

func (r *listenerRegistry) emitEvent(event events.Event) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.eventListeners))
	for id := range r.eventListeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(events.Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.eventListeners[id])
	}
	r.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// emitDebug appends to the bounded history and fans out. Arrival order is
// preserved; the history drops oldest entries first.
func (r *listenerRegistry) emitDebug(entry DebugEntry) {
	r.mu.Lock()
	r.debugHistory = append(r.debugHistory, entry)
	if len(r.debugHistory) > debugHistoryCapacity {
		r.debugHistory = r.debugHistory[len(r.debugHistory)-debugHistoryCapacity:]
	}
	ids := make([]int, 0, len(r.debugListeners))
	for id := range r.debugListeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(DebugEntry), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.debugListeners[id])
	}
	r.mu.Unlock()

	for _, listener := range listeners {
		listener(entry)
	}
}

func (r *listenerRegistry) history() []DebugEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]DebugEntry, len(r.debugHistory))
	copy(history, r.debugHistory)
	return history
}
