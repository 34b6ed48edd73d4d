package taskmanager

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/taskexec/internal/admission"
	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/engine"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/executor"
	"github.com/ashureev/taskexec/internal/listener"
	"github.com/ashureev/taskexec/internal/registry"
	"github.com/ashureev/taskexec/internal/runnerpool"
	"github.com/ashureev/taskexec/internal/taskstore"
)

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

type fakeBackend struct{}

func (fakeBackend) CreateRunner(ctx context.Context) (string, error) { return "container-x", nil }
func (fakeBackend) DisconnectRunner(ctx context.Context, containerID string) error { return nil }

// scriptedTransport replays its fixed lines for every Start call and then
// holds the stream open for scriptHold before EOF, long enough to let a
// test observe side effects before the execution finishes.
type scriptedTransport struct{ lines []string }

const scriptHold = 150 * time.Millisecond

// holdThenEOF blocks for scriptHold on its first read, then reports EOF.
type holdThenEOF struct{}

func (holdThenEOF) Read(p []byte) (int, error) {
	time.Sleep(scriptHold)
	return 0, io.EOF
}

func (s *scriptedTransport) Start(ctx context.Context, containerID string) (io.WriteCloser, io.ReadCloser, error) {
	body := strings.Join(s.lines, "\n") + "\n"
	return discardWriteCloser{io.Discard}, io.NopCloser(io.MultiReader(bytes.NewReader([]byte(body)), holdThenEOF{})), nil
}
func (s *scriptedTransport) Interrupt(ctx context.Context, containerID string) error { return nil }

func newTestManager(t *testing.T, lines []string, admissionCap int64) *Manager {
	t.Helper()
	pool := runnerpool.New(fakeBackend{}, runnerpool.Config{MaxSize: 2, MinGeneric: 0, IdleTTL: time.Minute, MaintenanceInterval: time.Minute})
	adapter := engine.New(pool, &scriptedTransport{lines: lines})
	events := eventstore.New(t.TempDir(), false)
	listeners := listener.New(16)
	gate := admission.New(admissionCap)
	exec := executor.New(events, listeners, gate, adapter, 200*time.Millisecond)
	snapshots := taskstore.New(t.TempDir()+"/tasks.json", 10*time.Millisecond)
	return New(registry.New(), events, snapshots, listeners, exec, Hooks{})
}

func waitForTerminal(t *testing.T, m *Manager, key domain.Key) *domain.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		task, err := m.Get(key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.IsTerminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateRejectsReentrantKey(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"result","success":true,"output":"done"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create(key, "hi again", domain.CreateOptions{}); domain.KindOf(err) != domain.ErrConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	waitForTerminal(t, m, key)
}

func TestCreateCompletesAndAckRequiresTerminal(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"result","success":true,"output":"done"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Ack(key); domain.KindOf(err) != domain.ErrNotRunning {
		t.Fatalf("expected not-running acking a running task, got %v", err)
	}

	task := waitForTerminal(t, m, key)
	if task.Status != domain.StatusCompleted || task.Result != "done" {
		t.Fatalf("unexpected terminal task: %+v", task)
	}

	if err := m.Ack(key); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := m.Get(key); domain.KindOf(err) != domain.ErrNotFound {
		t.Fatalf("expected not-found after ack, got %v", err)
	}

	// A key is free for creation only once its terminal record is gone.
	if _, err := m.Create(key, "hi once more", domain.CreateOptions{}); err != nil {
		t.Fatalf("recreate after ack: %v", err)
	}
}

func TestAddInterventionRequiresRunningTask(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if err := m.AddIntervention(key, domain.Intervention{Text: "hi"}); domain.KindOf(err) != domain.ErrNotFound {
		t.Fatalf("expected not-found before create, got %v", err)
	}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.AddIntervention(key, domain.Intervention{Text: "stop"}); err != nil {
		t.Fatalf("add intervention: %v", err)
	}
	interv, ok := m.GetIntervention(key)
	if !ok || interv.Text != "stop" {
		t.Fatalf("expected queued intervention, got %+v %v", interv, ok)
	}
}

func TestAddInterventionBySessionUsesSessionIndex(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if task, _ := m.Get(key); task.ClaudeSessionID == "s-A" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for session binding")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := m.AddInterventionBySession("s-A", domain.Intervention{Text: "via session"}); err != nil {
		t.Fatalf("add intervention by session: %v", err)
	}
	interv, ok := m.GetIntervention(key)
	if !ok || interv.Text != "via session" {
		t.Fatalf("expected intervention routed by session id, got %+v %v", interv, ok)
	}
}

func TestCleanupOldDeletesAgedTerminalTasks(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"result","success":true,"output":"done"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForTerminal(t, m, key)

	n := m.CleanupOld(time.Hour)
	if n != 0 {
		t.Fatalf("expected nothing aged out yet, deleted %d", n)
	}

	n = m.CleanupOld(0)
	if n != 1 {
		t.Fatalf("expected one task deleted, got %d", n)
	}
	if _, err := m.Get(key); domain.KindOf(err) != domain.ErrNotFound {
		t.Fatalf("expected not-found after cleanup, got %v", err)
	}
}

func TestMarkDeliveredOnlyOnce(t *testing.T) {
	m := newTestManager(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"result","success":true,"output":"done"}`,
	}, 5)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	if _, err := m.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForTerminal(t, m, key)

	if err := m.MarkDelivered(key); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := m.MarkDelivered(key); domain.KindOf(err) != domain.ErrConflict {
		t.Fatalf("expected conflict on second delivery, got %v", err)
	}
}
