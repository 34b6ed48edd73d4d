// Package taskmanager implements the Task Manager (C9): the façade
// exposed to the HTTP layer. It owns the task lifecycle state machine,
// composing the registry (C3), event store (C1), task storage (C2),
// listener manager (C4), and executor (C8) into the public operation
// table of spec.md §4.9.
package taskmanager

import (
	"fmt"
	"time"

	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/executor"
	"github.com/ashureev/taskexec/internal/listener"
	"github.com/ashureev/taskexec/internal/registry"
	"github.com/ashureev/taskexec/internal/taskstore"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// Hooks are the synchronous, function-typed pre/post-execute extension
// points (spec.md §9: "no plugin loader in core"). Either may be nil.
type Hooks struct {
	PreExecute  func(domain.Task) error
	PostExecute func(domain.Task)
}

// Manager is the Task Manager façade.
type Manager struct {
	registry  *registry.Registry
	events    *eventstore.Store
	snapshots *taskstore.Store
	listeners *listener.Manager
	exec      *executor.Executor
	hooks     Hooks

	interventions *interventionQueues
}

// New creates a task manager wired to its C1/C2/C3/C4/C8 dependencies.
// hooks.PreExecute/PostExecute, if set, are invoked by the executor around
// every execution.
func New(
	reg *registry.Registry,
	events *eventstore.Store,
	snapshots *taskstore.Store,
	listeners *listener.Manager,
	exec *executor.Executor,
	hooks Hooks,
) *Manager {
	return &Manager{
		registry:      reg,
		events:        events,
		snapshots:     snapshots,
		listeners:     listeners,
		exec:          exec,
		hooks:         hooks,
		interventions: newInterventionQueues(),
	}
}

// LoadSnapshot restores tasks from the C2 snapshot at startup. Restored
// tasks that were left `running` across a restart are not re-executed
// (no runner survives a restart); they are marked errored so clients
// observe a definite terminal state rather than a task stuck forever.
func (m *Manager) LoadSnapshot() error {
	tasks, err := m.snapshots.Load()
	if err != nil {
		return fmt.Errorf("load task snapshot: %w", err)
	}
	for _, t := range tasks {
		if t.Status == domain.StatusRunning {
			t.Status = domain.StatusError
			t.Error = "server restarted while task was running"
			now := timeNow()
			t.CompletedAt = &now
		}
		m.registry.Put(t)
		if t.ClaudeSessionID != "" {
			m.registry.BindSession(t.ClaudeSessionID, t.Key())
		}
	}
	return nil
}

// Create implements `create` (spec.md §4.9). A key is free for creation
// iff no record — running or terminal — currently occupies it (Open
// Question 1, resolved in SPEC_FULL.md §4.9): a still-present terminal
// record must be acknowledged first.
func (m *Manager) Create(key domain.Key, prompt string, opts domain.CreateOptions) (*domain.Task, error) {
	var conflict bool
	var task *domain.Task
	m.registry.WithLock(func(tasks map[domain.Key]*domain.Task, sessions map[string]domain.Key) {
		if _, exists := tasks[key]; exists {
			conflict = true
			return
		}
		task = &domain.Task{
			ClientID:        key.ClientID,
			RequestID:       key.RequestID,
			Status:          domain.StatusRunning,
			Prompt:          prompt,
			ResumeSessionID: opts.ResumeSessionID,
			AllowedTools:    opts.AllowedTools,
			DisallowedTools: opts.DisallowedTools,
			UseMCP:          opts.UseMCP,
			CreatedAt:       timeNow(),
		}
		tasks[key] = task
	})
	if conflict {
		return nil, domain.NewError(domain.ErrConflict, "a task already exists for this key")
	}

	m.scheduleSave()

	cb := executor.Callbacks{
		GetIntervention:    func() (domain.Intervention, bool) { return m.interventions.pop(key) },
		OnInterventionSent: func(domain.Intervention) {},
		OnSession:          func(sessionID string) { m.bindSession(key, sessionID) },
		OnComplete:         func(result string, attachments []string) { m.Complete(key, result, attachments) },
		OnError:            func(kind domain.ErrKind, message string) { m.Error(key, kind, message) },
	}
	if m.hooks.PreExecute != nil {
		cb.PreExecute = func() error { return m.hooks.PreExecute(*task) }
	}
	if m.hooks.PostExecute != nil {
		cb.PostExecute = func() { m.hooks.PostExecute(*task) }
	}

	if err := m.exec.Start(key, prompt, opts.ResumeSessionID, cb); err != nil {
		m.registry.Delete(key)
		m.interventions.drop(key)
		m.scheduleSave()
		return nil, err
	}
	return task.Clone(), nil
}

// bindSession records the agent session id learned mid-execution on both
// the task record and the registry's secondary index. The field write is
// performed under WithTask so it can never race a concurrent Get/Clone of
// the same task from an HTTP handler.
func (m *Manager) bindSession(key domain.Key, sessionID string) {
	if sessionID == "" {
		return
	}
	if found := m.registry.WithTask(key, func(t *domain.Task) {
		t.ClaudeSessionID = sessionID
	}); found {
		m.registry.BindSession(sessionID, key)
	}
	m.scheduleSave()
}

// Get implements `get`.
func (m *Manager) Get(key domain.Key) (*domain.Task, error) {
	t, ok := m.registry.Get(key)
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	return t.Clone(), nil
}

// GetBySession implements `get_by_session`.
func (m *Manager) GetBySession(sessionID string) (*domain.Task, error) {
	t, ok := m.registry.GetBySession(sessionID)
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "no task for this session")
	}
	return t.Clone(), nil
}

// ListByClient implements `list_by_client`.
func (m *Manager) ListByClient(clientID string) []*domain.Task {
	tasks := m.registry.ListByClient(clientID)
	out := make([]*domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Complete implements `complete`: called by the executor's OnComplete
// hook, not directly by HTTP handlers. The terminal transition is applied
// under WithTask so a client polling GET /tasks/:client/:req (which clones
// the task under the same lock) never observes a torn read.
func (m *Manager) Complete(key domain.Key, result string, attachments []string) error {
	var alreadyTerminal bool
	found := m.registry.WithTask(key, func(t *domain.Task) {
		if t.IsTerminal() {
			alreadyTerminal = true
			return
		}
		now := timeNow()
		t.Status = domain.StatusCompleted
		t.Result = result
		t.Attachments = attachments
		t.CompletedAt = &now
	})
	if !found {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	if alreadyTerminal {
		return domain.NewError(domain.ErrConflict, "task already terminal")
	}
	m.scheduleSave()
	return nil
}

// Error implements `error`: called by the executor's OnError hook.
func (m *Manager) Error(key domain.Key, kind domain.ErrKind, message string) error {
	var alreadyTerminal bool
	found := m.registry.WithTask(key, func(t *domain.Task) {
		if t.IsTerminal() {
			alreadyTerminal = true
			return
		}
		now := timeNow()
		t.Status = domain.StatusError
		t.Error = fmt.Sprintf("%s: %s", kind, message)
		t.CompletedAt = &now
	})
	if !found {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	if alreadyTerminal {
		return domain.NewError(domain.ErrConflict, "task already terminal")
	}
	m.scheduleSave()
	return nil
}

// Ack implements `ack`: deletes the task and its event file. Only
// terminal tasks may be acked; a running task returns not-running.
func (m *Manager) Ack(key domain.Key) error {
	t, ok := m.registry.Get(key)
	if !ok {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	if !t.IsTerminal() {
		return domain.NewError(domain.ErrNotRunning, "task has not reached a terminal state")
	}
	m.registry.Delete(key)
	m.interventions.drop(key)
	if err := m.events.DeleteSession(key); err != nil {
		return fmt.Errorf("delete event log: %w", err)
	}
	m.scheduleSave()
	return nil
}

// MarkDelivered implements `mark_delivered`.
func (m *Manager) MarkDelivered(key domain.Key) error {
	var alreadyDelivered bool
	found := m.registry.WithTask(key, func(t *domain.Task) {
		if t.DeliveredAt != nil {
			alreadyDelivered = true
			return
		}
		now := timeNow()
		t.DeliveredAt = &now
	})
	if !found {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	if alreadyDelivered {
		return domain.NewError(domain.ErrConflict, "task already delivered")
	}
	m.scheduleSave()
	return nil
}

// AddListener implements `add_listener`.
func (m *Manager) AddListener(key domain.Key) *listener.Queue {
	return m.listeners.Add(key)
}

// RemoveListener implements `remove_listener`.
func (m *Manager) RemoveListener(key domain.Key, q *listener.Queue) {
	m.listeners.Remove(key, q)
}

// AddIntervention implements `add_intervention`.
func (m *Manager) AddIntervention(key domain.Key, interv domain.Intervention) error {
	var notRunning bool
	found := m.registry.WithTask(key, func(t *domain.Task) {
		if t.Status != domain.StatusRunning {
			notRunning = true
		}
	})
	if !found {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	if notRunning {
		return domain.NewError(domain.ErrNotRunning, "task is not running")
	}
	m.interventions.push(key, interv)
	return nil
}

// AddInterventionBySession implements `add_intervention_by_session`. The
// session-id route wins when `claude_session_id` and `resume_session_id`
// disagree (Open Question 2, resolved in SPEC_FULL.md §4.9): the key is
// always resolved through the registry's session index.
func (m *Manager) AddInterventionBySession(sessionID string, interv domain.Intervention) error {
	t, ok := m.registry.GetBySession(sessionID)
	if !ok {
		return domain.NewError(domain.ErrNotFound, "no task for this session")
	}
	return m.AddIntervention(t.Key(), interv)
}

// GetIntervention implements `get_intervention`: non-blocking.
func (m *Manager) GetIntervention(key domain.Key) (domain.Intervention, bool) {
	return m.interventions.pop(key)
}

// SendReconnectStatus implements `send_reconnect_status`: enqueues a
// synthetic snapshot event onto q describing the task's current status,
// so a reconnecting client can render before the Last-Event-ID replay
// catches up.
func (m *Manager) SendReconnectStatus(key domain.Key, q *listener.Queue) error {
	t, ok := m.registry.Get(key)
	if !ok {
		return domain.NewError(domain.ErrNotFound, "no task for this key")
	}
	event := domain.NewEvent(domain.EventSession, map[string]any{
		"schema_version":    domain.SchemaVersion,
		"status":            string(t.Status),
		"claude_session_id": t.ClaudeSessionID,
		"reconnect":         true,
	})
	select {
	case q.Events <- event:
	default:
	}
	return nil
}

// CleanupOld implements `cleanup_old`: deletes every terminal task whose
// CompletedAt is older than maxAge, returning the count deleted.
func (m *Manager) CleanupOld(maxAge time.Duration) int {
	cutoff := timeNow().Add(-maxAge)
	var toDelete []domain.Key
	for _, t := range m.registry.Snapshot() {
		if t.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			toDelete = append(toDelete, t.Key())
		}
	}
	for _, key := range toDelete {
		m.registry.Delete(key)
		m.interventions.drop(key)
		if err := m.events.DeleteSession(key); err != nil {
			// Best-effort: the in-memory record is already gone regardless.
			continue
		}
	}
	if len(toDelete) > 0 {
		m.scheduleSave()
	}
	return len(toDelete)
}

// CancelAll signals every running execution to abort and waits up to
// timeout for them to wind down, used during graceful shutdown.
func (m *Manager) CancelAll(timeout time.Duration) {
	m.exec.CancelAll(timeout)
}

// Flush forces an immediate snapshot save, used during graceful shutdown.
func (m *Manager) Flush() error {
	return m.snapshots.Flush()
}

func (m *Manager) scheduleSave() {
	m.snapshots.ScheduleSave(m.registry.Snapshot())
}
