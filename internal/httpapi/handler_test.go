package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/taskexec/internal/admission"
	"github.com/ashureev/taskexec/internal/attachments"
	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/engine"
	"github.com/ashureev/taskexec/internal/eventstore"
	"github.com/ashureev/taskexec/internal/executor"
	"github.com/ashureev/taskexec/internal/listener"
	"github.com/ashureev/taskexec/internal/registry"
	"github.com/ashureev/taskexec/internal/runnerpool"
	"github.com/ashureev/taskexec/internal/taskmanager"
	"github.com/ashureev/taskexec/internal/taskstore"
	"github.com/go-chi/chi/v5"
)

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

type fakeBackend struct{}

func (fakeBackend) CreateRunner(ctx context.Context) (string, error) { return "container-x", nil }
func (fakeBackend) DisconnectRunner(ctx context.Context, containerID string) error { return nil }

type scriptedTransport struct{ lines []string }

func (s *scriptedTransport) Start(ctx context.Context, containerID string) (io.WriteCloser, io.ReadCloser, error) {
	body := strings.Join(s.lines, "\n") + "\n"
	return discardWriteCloser{io.Discard}, io.NopCloser(bytes.NewReader([]byte(body))), nil
}
func (s *scriptedTransport) Interrupt(ctx context.Context, containerID string) error { return nil }

// gatedTransport serves engine output from a pipe the test feeds by hand,
// line by line, so a test can pause execution at an exact point (to
// disconnect, reconnect, or intervene) instead of the whole script
// replaying in one instantaneous read like scriptedTransport.
type gatedTransport struct{ pr *io.PipeReader }

func (g *gatedTransport) Start(ctx context.Context, containerID string) (io.WriteCloser, io.ReadCloser, error) {
	return discardWriteCloser{io.Discard}, g.pr, nil
}
func (g *gatedTransport) Interrupt(ctx context.Context, containerID string) error { return nil }

func newTestServerWithOpts(t *testing.T, transport engine.RunnerTransport, admissionCap int64, queueCapacity int) (*Handler, http.Handler, *eventstore.Store) {
	t.Helper()
	pool := runnerpool.New(fakeBackend{}, runnerpool.Config{MaxSize: 2, MinGeneric: 0, IdleTTL: time.Minute, MaintenanceInterval: time.Minute})
	adapter := engine.New(pool, transport)
	events := eventstore.New(t.TempDir(), false)
	listeners := listener.New(queueCapacity)
	gate := admission.New(admissionCap)
	exec := executor.New(events, listeners, gate, adapter, 100*time.Millisecond)
	snapshots := taskstore.New(t.TempDir()+"/tasks.json", 10*time.Millisecond)
	mgr := taskmanager.New(registry.New(), events, snapshots, listeners, exec, taskmanager.Hooks{})
	sink := attachments.New(t.TempDir(), 0, nil)

	h, err := New(mgr, events, sink, gate, pool, Config{
		RetryDelay:         0,
		KeepaliveInterval:  time.Minute,
		MaxRequestBodySize: 1 << 20,
	}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	r := chi.NewRouter()
	h.Routes(r)
	return h, r, events
}

func newTestServer(t *testing.T, lines []string, admissionCap int64) (http.Handler, *eventstore.Store) {
	t.Helper()
	_, r, events := newTestServerWithOpts(t, &scriptedTransport{lines: lines}, admissionCap, 16)
	return r, events
}

// writeLine feeds one newline-delimited engine event into a gatedTransport's
// pipe, blocking until the adapter's scanner goroutine has read it.
func writeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write line: %v", err)
	}
}

// waitForEventCount polls the event store until at least n events have
// been appended for key, or fails the test after a timeout.
func waitForEventCount(t *testing.T, events *eventstore.Store, key domain.Key, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		all, err := events.ReadAll(key)
		if err != nil {
			t.Fatalf("read events: %v", err)
		}
		if len(all) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", n, len(all))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForTaskRunning polls the manager until key's task is observed in
// the running state, or fails the test after a timeout.
func waitForTaskRunning(t *testing.T, h *Handler, key domain.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		task, err := h.manager.Get(key)
		if err == nil && task.Status == domain.StatusRunning {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task to be running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// sseFrame is one parsed "id: / event: / data:" SSE record.
type sseFrame struct {
	ID   string
	Type string
	Data string
}

func readSSEFrames(t *testing.T, body io.Reader, timeout time.Duration) []sseFrame {
	t.Helper()
	var frames []sseFrame
	cur := sseFrame{}
	scanner := bufio.NewScanner(body)
	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.Type != "" {
					frames = append(frames, cur)
				}
				cur = sseFrame{}
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return frames
}

func readSSEEventTypes(t *testing.T, body io.Reader, timeout time.Duration) []string {
	t.Helper()
	var types []string
	scanner := bufio.NewScanner(body)
	done := make(chan struct{})
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				types = append(types, strings.TrimPrefix(line, "event: "))
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return types
}

func TestExecuteHappyPathStreamsAndAcks(t *testing.T) {
	r, _ := newTestServer(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"text_start"}`,
		`{"type":"text_delta","text":"hello"}`,
		`{"type":"text_end"}`,
		`{"type":"result","success":true,"output":"hello"}`,
	}, 5)

	body := strings.NewReader(`{"client_id":"bot","request_id":"t1","prompt":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/execute", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 streaming response, got %d: %s", w.Code, w.Body.String())
	}
	types := readSSEEventTypes(t, w.Body, time.Second)
	foundComplete := false
	for _, ty := range types {
		if ty == "complete" {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Fatalf("expected a complete event, got %v", types)
	}

	ackReq := httptest.NewRequest(http.MethodPost, "/tasks/bot/t1/ack", nil)
	ackW := httptest.NewRecorder()
	r.ServeHTTP(ackW, ackReq)
	if ackW.Code != http.StatusOK {
		t.Fatalf("expected ack 200, got %d: %s", ackW.Code, ackW.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/tasks/bot/t1", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after ack, got %d", getW.Code)
	}
}

func TestExecuteConflictOnSecondCreate(t *testing.T) {
	r, _ := newTestServer(t, []string{
		`{"type":"session","session_id":"s-A"}`,
	}, 5)

	first := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"bot","request_id":"t2","prompt":"hi"}`))
	firstW := httptest.NewRecorder()
	go r.ServeHTTP(firstW, first)
	time.Sleep(20 * time.Millisecond)

	second := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"bot","request_id":"t2","prompt":"hi again"}`))
	secondW := httptest.NewRecorder()
	r.ServeHTTP(secondW, second)

	if secondW.Code != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %d: %s", secondW.Code, secondW.Body.String())
	}
	var body map[string]map[string]string
	if err := json.Unmarshal(secondW.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"]["kind"] != "conflict" {
		t.Fatalf("expected conflict kind, got %+v", body)
	}
}

func TestAdmissionTimeoutReturnsRateLimitedEvent(t *testing.T) {
	// The first task reads engine output from a pipe that stays open until
	// the end of the test, so it holds the single admission slot while the
	// second request waits.
	pr, pw := io.Pipe()
	_, r, _ := newTestServerWithOpts(t, &gatedTransport{pr: pr}, 1, 16)

	first := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"a","request_id":"1","prompt":"hi"}`))
	firstW := httptest.NewRecorder()
	firstDone := make(chan struct{})
	go func() {
		r.ServeHTTP(firstW, first)
		close(firstDone)
	}()
	time.Sleep(20 * time.Millisecond)

	second := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"a","request_id":"2","prompt":"hi"}`))
	secondW := httptest.NewRecorder()
	r.ServeHTTP(secondW, second)

	frames := readSSEFrames(t, secondW.Body, 2*time.Second)
	found := false
	for _, f := range frames {
		if f.Type == "error" && strings.Contains(f.Data, `"rate-limited"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a rate-limited error event, got %+v", frames)
	}

	pw.Close()
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
	}
}

func TestInterveneOnTerminalTaskReturnsNotRunning(t *testing.T) {
	r, _ := newTestServer(t, []string{
		`{"type":"session","session_id":"s-A"}`,
		`{"type":"result","success":true,"output":"done"}`,
	}, 5)

	execReq := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"bot","request_id":"t4","prompt":"hi"}`))
	execW := httptest.NewRecorder()
	r.ServeHTTP(execW, execReq)
	readSSEEventTypes(t, execW.Body, time.Second)

	interveneReq := httptest.NewRequest(http.MethodPost, "/tasks/bot/t4/intervene", strings.NewReader(`{"text":"x","user":"U1"}`))
	interveneW := httptest.NewRecorder()
	r.ServeHTTP(interveneW, interveneReq)

	if interveneW.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", interveneW.Code, interveneW.Body.String())
	}
	var body map[string]map[string]string
	if err := json.Unmarshal(interveneW.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"]["kind"] != "not-running" {
		t.Fatalf("expected not-running kind, got %+v", body)
	}
}

// TestReconnectReplaysEventsAfterLastEventID covers S1's reconnect half:
// a client that disconnected after seeing a few events reattaches with
// Last-Event-ID and must see exactly the events after that id, in order,
// followed by whatever completes the task live.
func TestReconnectReplaysEventsAfterLastEventID(t *testing.T) {
	pr, pw := io.Pipe()
	_, r, events := newTestServerWithOpts(t, &gatedTransport{pr: pr}, 5, 16)
	key := domain.Key{ClientID: "bot", RequestID: "t1"}

	execW := httptest.NewRecorder()
	execDone := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"bot","request_id":"t1","prompt":"hi"}`))
		r.ServeHTTP(execW, req)
		close(execDone)
	}()

	// session(1), text_start(2), text_delta(3), text_end(4): the client
	// observed up to id 2 before disconnecting.
	writeLine(t, pw, `{"type":"session","session_id":"s-A"}`)
	writeLine(t, pw, `{"type":"text_start"}`)
	writeLine(t, pw, `{"type":"text_delta","text":"hello"}`)
	writeLine(t, pw, `{"type":"text_end"}`)
	waitForEventCount(t, events, key, 4)

	reconnectReq := httptest.NewRequest(http.MethodGet, "/tasks/bot/t1/reconnect", nil)
	reconnectReq.Header.Set("Last-Event-ID", "2")
	reconnectW := httptest.NewRecorder()
	reconnectDone := make(chan struct{})
	go func() {
		r.ServeHTTP(reconnectW, reconnectReq)
		close(reconnectDone)
	}()
	time.Sleep(20 * time.Millisecond) // let reconnect attach its listener and replay ids 3,4

	// result(5), then the executor's own terminal complete(6): delivered
	// live to the reconnected listener, which then closes with the task.
	writeLine(t, pw, `{"type":"result","success":true,"output":"hello"}`)
	pw.Close()

	select {
	case <-execDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for original execute stream to finish")
	}
	select {
	case <-reconnectDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect stream to finish")
	}

	frames := readSSEFrames(t, reconnectW.Body, time.Second)
	var ids []string
	var sawComplete bool
	for _, f := range frames {
		if f.ID != "" {
			ids = append(ids, f.ID)
		}
		if f.Type == "complete" {
			sawComplete = true
		}
	}
	want := []string{"3", "4", "5", "6"}
	if len(ids) != len(want) {
		t.Fatalf("expected replayed+live ids %v, got %v (frames: %+v)", want, ids, frames)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected replayed+live ids %v, got %v", want, ids)
		}
	}
	if !sawComplete {
		t.Fatalf("expected a complete event on the reconnected stream, got %+v", frames)
	}
}

// TestInterveneDeliversInterventionMidStream covers S3: an intervention
// queued while a task is running is forwarded to the runner between
// turns, and the stream carries an intervention_sent event followed by
// the events the follow-up prompt produces.
func TestInterveneDeliversInterventionMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	h, r, _ := newTestServerWithOpts(t, &gatedTransport{pr: pr}, 5, 16)
	key := domain.Key{ClientID: "bot", RequestID: "t3"}

	execW := httptest.NewRecorder()
	execDone := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"client_id":"bot","request_id":"t3","prompt":"hi"}`))
		r.ServeHTTP(execW, req)
		close(execDone)
	}()

	writeLine(t, pw, `{"type":"session","session_id":"s-A"}`)
	writeLine(t, pw, `{"type":"text_start"}`)
	writeLine(t, pw, `{"type":"text_delta","text":"working"}`)
	writeLine(t, pw, `{"type":"text_end"}`)
	waitForTaskRunning(t, h, key)

	interveneReq := httptest.NewRequest(http.MethodPost, "/tasks/bot/t3/intervene", strings.NewReader(`{"text":"also check X","user":"U1"}`))
	interveneW := httptest.NewRecorder()
	r.ServeHTTP(interveneW, interveneReq)
	if interveneW.Code != http.StatusOK {
		t.Fatalf("expected intervene 200, got %d: %s", interveneW.Code, interveneW.Body.String())
	}

	// The adapter's 200ms intervention-polling ticker needs a couple of
	// ticks to pick up and forward the queued intervention.
	time.Sleep(450 * time.Millisecond)

	writeLine(t, pw, `{"type":"text_start"}`)
	writeLine(t, pw, `{"type":"text_delta","text":"also checked X"}`)
	writeLine(t, pw, `{"type":"text_end"}`)
	writeLine(t, pw, `{"type":"result","success":true,"output":"done"}`)
	pw.Close()

	select {
	case <-execDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for execute stream to finish")
	}

	frames := readSSEFrames(t, execW.Body, time.Second)
	interventionIdx := -1
	var interventionData string
	for i, f := range frames {
		if f.Type == "intervention_sent" {
			interventionIdx = i
			interventionData = f.Data
			break
		}
	}
	if interventionIdx == -1 {
		t.Fatalf("expected an intervention_sent event, got %+v", frames)
	}
	if !strings.Contains(interventionData, "also check X") || !strings.Contains(interventionData, "U1") {
		t.Fatalf("expected intervention_sent payload to carry the queued text/user, got %s", interventionData)
	}

	var laterTextDelta, laterComplete bool
	for _, f := range frames[interventionIdx+1:] {
		if f.Type == "text_delta" {
			laterTextDelta = true
		}
		if f.Type == "complete" {
			laterComplete = true
		}
	}
	if !laterTextDelta {
		t.Fatalf("expected further text_delta events after intervention_sent, got %+v", frames)
	}
	if !laterComplete {
		t.Fatalf("expected the stream to still reach complete after the intervention, got %+v", frames)
	}
}

// TestSlowConsumerListenerDropped covers S6: a listener that never drains
// its queue is dropped once the queue fills, without blocking the
// executor or any other listener on the same task.
func TestSlowConsumerListenerDropped(t *testing.T) {
	const capacity = 4

	lines := []string{`{"type":"session","session_id":"s-A"}`}
	for i := 0; i < capacity+6; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"text_delta","text":"chunk-%d"}`, i))
	}
	lines = append(lines, `{"type":"result","success":true,"output":"done"}`)

	h, _, _ := newTestServerWithOpts(t, &scriptedTransport{lines: lines}, 5, capacity)
	key := domain.Key{ClientID: "bot", RequestID: "t6"}

	slow := h.manager.AddListener(key) // never drained
	fast := h.manager.AddListener(key) // drained continuously

	var fastEvents []domain.Event
	drainDone := make(chan struct{})
	go func() {
		for ev := range fast.Events {
			fastEvents = append(fastEvents, ev)
		}
		close(drainDone)
	}()

	if _, err := h.manager.Create(key, "hi", domain.CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-drainDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fast listener to drain to completion")
	}

	// The slow listener's queue must have been closed once it filled
	// (slow-consumer-drop), not left open and starving the broadcaster.
	closed := false
	for i := 0; i <= capacity; i++ {
		select {
		case _, ok := <-slow.Events:
			if !ok {
				closed = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting to observe the slow listener's queue close")
		}
		if closed {
			break
		}
	}
	if !closed {
		t.Fatal("expected the slow listener's queue to be closed after overflow")
	}

	task, err := h.manager.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("expected the task to complete normally despite the slow listener, got %v", task.Status)
	}

	foundComplete := false
	for _, ev := range fastEvents {
		if ev.Type == domain.EventComplete {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Fatalf("expected the fast listener to receive the complete event, got %d events", len(fastEvents))
	}
}
