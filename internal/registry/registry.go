// Package registry is the in-memory task index (C3): a map of tasks keyed
// by (client_id, request_id) plus a one-way secondary index from agent
// session id to task key. Both are guarded by a single mutex; all
// mutations are performed by the task manager.
package registry

import (
	"sync"

	"github.com/ashureev/taskexec/internal/domain"
)

// Registry holds the in-memory task map and session index.
type Registry struct {
	mu       sync.Mutex
	tasks    map[domain.Key]*domain.Task
	sessions map[string]domain.Key
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks:    make(map[domain.Key]*domain.Task),
		sessions: make(map[string]domain.Key),
	}
}

// Get returns a snapshot clone of the task for key, if any. The clone is
// taken while still holding r.mu so it can never race a concurrent
// WithTask mutation of the same task's fields.
func (r *Registry) Get(key domain.Key) (*domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetBySession returns a snapshot clone of the task whose claude_session_id
// is sessionID, if any.
func (r *Registry) GetBySession(sessionID string) (*domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	t, ok := r.tasks[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Put inserts or replaces the task at its key.
func (r *Registry) Put(t *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Key()] = t
}

// BindSession atomically registers key under sessionID in the session index.
func (r *Registry) BindSession(sessionID string, key domain.Key) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = key
}

// Delete removes the task at key and any session-index entry pointing to
// it, atomically.
func (r *Registry) Delete(key domain.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	delete(r.tasks, key)
	if ok && t.ClaudeSessionID != "" {
		if cur, exists := r.sessions[t.ClaudeSessionID]; exists && cur == key {
			delete(r.sessions, t.ClaudeSessionID)
		}
	}
}

// ListByClient returns a snapshot clone of every task (any status) owned
// by clientID.
func (r *Registry) ListByClient(clientID string) []*domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for k, t := range r.tasks {
		if k.ClientID == clientID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Snapshot returns a snapshot clone of every task currently in the
// registry, for scheduling a task-store save (the debounce timer reads
// and marshals these well after the lock is released, so they must not
// alias live tasks a concurrent WithTask could still be mutating).
func (r *Registry) Snapshot() []*domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Exists reports whether any task (running or terminal) currently
// occupies key.
func (r *Registry) Exists(key domain.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// WithLock runs fn while holding the registry mutex, for call sites that
// need a check-then-act sequence (e.g. create's conflict check) to be
// atomic. fn must not call back into any other Registry method.
func (r *Registry) WithLock(fn func(tasks map[domain.Key]*domain.Task, sessions map[string]domain.Key)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.tasks, r.sessions)
}

// WithTask runs fn with the live task at key, if present, while holding
// r.mu — the single synchronization point for every in-place read or
// write of a Task's fields, so a mutation (Complete/Error/MarkDelivered/
// bindSession) can never race a concurrent Get/Clone of the same task
// from another goroutine. Reports whether key was found. fn must not
// call back into any other Registry method, and the *domain.Task it
// receives must not escape fn (copy out whatever the caller needs).
func (r *Registry) WithTask(key domain.Key, fn func(t *domain.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	fn(t)
	return true
}
