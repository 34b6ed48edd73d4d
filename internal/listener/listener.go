// Package listener implements the per-task set of bounded SSE event
// queues with slow-consumer-drop broadcast semantics (C4), grounded on
// the teacher's SSEMessageQueue/broadcastLoop fan-out pattern but
// reworked around per-task queue sets instead of a single global
// message queue with replay buffering (replay is the Event Store's job
// here, not the Listener Manager's).
package listener

import (
	"sync"

	"github.com/ashureev/taskexec/internal/domain"
)

// Queue is one listener's bounded event channel. The SSE writer goroutine
// ranges over Events until it is closed (either by the manager dropping a
// slow consumer, or by CloseAll when the task finishes). Remove detaches a
// queue without closing it.
type Queue struct {
	Events chan domain.Event
}

func newQueue(capacity int) *Queue {
	return &Queue{Events: make(chan domain.Event, capacity)}
}

// Manager holds the per-task listener sets.
type Manager struct {
	capacity int

	mu   sync.Mutex
	sets map[domain.Key]map[*Queue]struct{}
}

// New creates a listener manager whose queues have the given capacity.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		capacity: capacity,
		sets:     make(map[domain.Key]map[*Queue]struct{}),
	}
}

// Add registers a new listener for key and returns its queue.
func (m *Manager) Add(key domain.Key) *Queue {
	q := newQueue(m.capacity)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[*Queue]struct{})
		m.sets[key] = set
	}
	set[q] = struct{}{}
	return q
}

// Remove detaches q from key's listener set, if present.
func (m *Manager) Remove(key domain.Key, q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return
	}
	delete(set, q)
	if len(set) == 0 {
		delete(m.sets, key)
	}
}

// Broadcast attempts a non-blocking send of event to every listener of
// key. A listener whose queue is full is considered slow: its queue is
// closed and it is removed from the set. Executor progress is never
// blocked by a slow consumer.
func (m *Manager) Broadcast(key domain.Key, event domain.Event) {
	m.mu.Lock()
	set, ok := m.sets[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	// Snapshot to avoid holding the lock during channel sends.
	queues := make([]*Queue, 0, len(set))
	for q := range set {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		select {
		case q.Events <- event:
		default:
			close(q.Events)
			m.Remove(key, q)
		}
	}
}

// CloseAll closes every listener queue for key and removes the task's
// entry, used when the task reaches a terminal state and finalizes.
func (m *Manager) CloseAll(key domain.Key) {
	m.mu.Lock()
	set, ok := m.sets[key]
	delete(m.sets, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	for q := range set {
		close(q.Events)
	}
}
