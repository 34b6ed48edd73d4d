package registry

import (
	"testing"

	"github.com/ashureev/taskexec/internal/domain"
)

func TestPutAndGet(t *testing.T) {
	r := New()
	task := &domain.Task{ClientID: "bot", RequestID: "t1", Status: domain.StatusRunning}
	r.Put(task)

	got, ok := r.Get(task.Key())
	if !ok || got.RequestID != "t1" {
		t.Fatalf("expected to find task, got %+v ok=%v", got, ok)
	}
}

func TestSessionIndexAndDeleteConsistency(t *testing.T) {
	r := New()
	task := &domain.Task{ClientID: "bot", RequestID: "t1", Status: domain.StatusRunning, ClaudeSessionID: "s-A"}
	r.Put(task)
	r.BindSession("s-A", task.Key())

	got, ok := r.GetBySession("s-A")
	if !ok || got.RequestID != "t1" {
		t.Fatalf("expected session lookup to find task, got %+v ok=%v", got, ok)
	}

	r.Delete(task.Key())

	if _, ok := r.Get(task.Key()); ok {
		t.Fatal("expected task removed")
	}
	if _, ok := r.GetBySession("s-A"); ok {
		t.Fatal("expected session index entry removed on delete (invariant 8)")
	}
}

func TestListByClient(t *testing.T) {
	r := New()
	r.Put(&domain.Task{ClientID: "bot", RequestID: "t1"})
	r.Put(&domain.Task{ClientID: "bot", RequestID: "t2"})
	r.Put(&domain.Task{ClientID: "other", RequestID: "t3"})

	got := r.ListByClient("bot")
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks for bot, got %d", len(got))
	}
}

func TestExists(t *testing.T) {
	r := New()
	key := domain.Key{ClientID: "bot", RequestID: "t1"}
	if r.Exists(key) {
		t.Fatal("expected key to not exist yet")
	}
	r.Put(&domain.Task{ClientID: "bot", RequestID: "t1"})
	if !r.Exists(key) {
		t.Fatal("expected key to exist after put")
	}
}
