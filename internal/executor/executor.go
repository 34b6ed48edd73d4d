// Package executor implements the Task Executor (C8): one background
// activity per running task that acquires resource admission, drives the
// Engine Adapter, logs and broadcasts every event, and finalizes the
// task's terminal state.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskexec/internal/admission"
	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/engine"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/listener"
)

// Callbacks are the task-manager-supplied hooks invoked around one
// execution. They carry no concurrency guarantees beyond "called from
// the executor's own goroutine for this key" — the task manager is
// responsible for its own locking.
type Callbacks struct {
	GetIntervention    engine.GetInterventionFunc
	OnInterventionSent engine.OnInterventionSentFunc

	// OnSession is invoked the first time a `session` event is observed.
	OnSession func(sessionID string)
	// OnComplete is invoked exactly once on successful completion.
	OnComplete func(result string, attachments []string)
	// OnError is invoked exactly once on failure, cancellation, or
	// admission timeout.
	OnError func(kind domain.ErrKind, message string)

	// PreExecute/PostExecute are the task manager's synchronous,
	// function-typed hook points (spec.md §9: no plugin loader in core).
	PreExecute  func() error
	PostExecute func()
}

// Executor drives executions for many tasks concurrently, one goroutine
// per running key.
type Executor struct {
	events           *eventstore.Store
	listeners        *listener.Manager
	admission        *admission.Gate
	adapter          *engine.Adapter
	admissionTimeout time.Duration

	mu      sync.Mutex
	running map[domain.Key]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor wired to its C1/C4/C5/C7 dependencies.
func New(events *eventstore.Store, listeners *listener.Manager, gate *admission.Gate, adapter *engine.Adapter, admissionTimeout time.Duration) *Executor {
	return &Executor{
		events:           events,
		listeners:        listeners,
		admission:        gate,
		adapter:          adapter,
		admissionTimeout: admissionTimeout,
		running:          make(map[domain.Key]context.CancelFunc),
	}
}

// Start schedules a background activity driving key's task to completion.
// Non-blocking. Rejected with a conflict error if key already has a
// running execution (reentrancy guard).
func (e *Executor) Start(key domain.Key, prompt, resumeSessionID string, cb Callbacks) error {
	e.mu.Lock()
	if _, exists := e.running[key]; exists {
		e.mu.Unlock()
		return domain.NewError(domain.ErrConflict, "an execution is already running for this task")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running[key] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, key, prompt, resumeSessionID, cb)
	return nil
}

func (e *Executor) run(ctx context.Context, key domain.Key, prompt, resumeSessionID string, cb Callbacks) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}()

	if cb.PreExecute != nil {
		if err := cb.PreExecute(); err != nil {
			e.finish(key, cb, "", nil, domain.NewError(domain.ErrInternal, err.Error()))
			return
		}
	}

	if !e.admission.Acquire(e.admissionTimeout) {
		e.finish(key, cb, "", nil, domain.NewError(domain.ErrRateLimited, "resource admission timed out"))
		return
	}

	var released bool
	release := func() {
		if !released {
			released = true
			e.admission.Release()
		}
	}
	defer release()

	result, attachments, terminalErr := e.drive(ctx, key, prompt, resumeSessionID, cb)
	release()

	e.finish(key, cb, result, attachments, terminalErr)
}

// drive ranges over the adapter's event stream, appending and broadcasting
// each event, and returns the final outcome.
func (e *Executor) drive(ctx context.Context, key domain.Key, prompt, resumeSessionID string, cb Callbacks) (result string, attachments []string, terminalErr *domain.Error) {
	defer func() {
		if r := recover(); r != nil {
			terminalErr = domain.NewError(domain.ErrInternal, fmt.Sprintf("executor panic: %v", r))
		}
	}()

	ch := e.adapter.Execute(ctx, prompt, resumeSessionID, cb.GetIntervention, cb.OnInterventionSent)

	sawSession := false
	for res := range ch {
		if res.Err != nil {
			if ctx.Err() != nil {
				terminalErr = domain.NewError(domain.ErrCancelled, "execution cancelled")
			} else {
				terminalErr = domain.Wrap(domain.ErrAgentFailed, "engine execution failed", res.Err)
			}
			continue
		}

		firstSession := res.Event.Type == domain.EventSession && !sawSession
		if firstSession {
			sawSession = true
			res.Event.Payload["schema_version"] = domain.SchemaVersion
		}

		id, err := e.events.Append(key, res.Event)
		if err != nil {
			slog.Error("failed to append event", "client_id", key.ClientID, "request_id", key.RequestID, "error", err)
		} else {
			res.Event.ID = id
		}

		switch res.Event.Type {
		case domain.EventSession:
			if sid, ok := res.Event.Payload["session_id"].(string); ok && firstSession && cb.OnSession != nil {
				cb.OnSession(sid)
			}
		case domain.EventResult:
			success, _ := res.Event.Payload["success"].(bool)
			if success {
				if out, ok := res.Event.Payload["output"].(string); ok {
					result = out
				}
			} else {
				msg, _ := res.Event.Payload["error"].(string)
				terminalErr = domain.NewError(domain.ErrAgentFailed, msg)
			}
		}

		e.listeners.Broadcast(key, res.Event)
	}

	if ctx.Err() != nil && terminalErr == nil {
		terminalErr = domain.NewError(domain.ErrCancelled, "execution cancelled")
	}
	return result, attachments, terminalErr
}

// finish appends and broadcasts the terminal SSE event, invokes the
// task-manager completion/error hook, and closes all listeners for key.
func (e *Executor) finish(key domain.Key, cb Callbacks, result string, attachments []string, terminalErr *domain.Error) {
	if cb.PostExecute != nil {
		cb.PostExecute()
	}

	var finalEvent domain.Event
	if terminalErr != nil {
		finalEvent = domain.NewEvent(domain.EventError, map[string]any{
			"kind":    string(terminalErr.Kind),
			"message": terminalErr.Message,
		})
	} else {
		finalEvent = domain.NewEvent(domain.EventComplete, map[string]any{
			"result":      result,
			"attachments": attachments,
		})
	}

	if id, err := e.events.Append(key, finalEvent); err != nil {
		slog.Error("failed to append terminal event", "client_id", key.ClientID, "request_id", key.RequestID, "error", err)
	} else {
		finalEvent.ID = id
	}
	e.listeners.Broadcast(key, finalEvent)
	e.listeners.CloseAll(key)

	if terminalErr != nil {
		if cb.OnError != nil {
			cb.OnError(terminalErr.Kind, terminalErr.Message)
		}
		return
	}
	if cb.OnComplete != nil {
		cb.OnComplete(result, attachments)
	}
}

// Cancel signals key's running execution, if any, to abort. Returns false
// if no execution is running for key.
func (e *Executor) Cancel(key domain.Key) bool {
	e.mu.Lock()
	cancel, ok := e.running[key]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll signals every running execution to abort and waits up to
// timeout for them to wind down.
func (e *Executor) CancelAll(timeout time.Duration) {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, c := range e.running {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("cancel_running timed out waiting for executors to wind down", "timeout", timeout)
	}
}

// IsRunning reports whether key currently has an active execution.
func (e *Executor) IsRunning(key domain.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[key]
	return ok
}
