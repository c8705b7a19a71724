package taskstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	task := Task{
		ID:        "11111111-1111-1111-1111-111111111111",
		Agent:     "builder",
		Model:     "default",
		Project:   "demo",
		Prompt:    "echo hi",
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.Save(task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("Get returned nil")
	}
	if got.Agent != "builder" || got.State != StateRunning {
		t.Fatalf("got = %+v", got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get = %+v, want nil", got)
	}
}

func TestUpdateMutatesAndPersists(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	task := Task{ID: "t1", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateRunning, StartedAt: time.Now().UTC()}
	if err := s.Save(task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := s.Update(task.ID, func(t *Task) {
		t.State = StateCompleted
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.Output = "done"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateCompleted || got.Output != "done" || got.CompletedAt == nil {
		t.Fatalf("got = %+v", got)
	}
}

func TestListRunning(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	now := time.Now().UTC()
	completedAt := now
	if err := s.Save(Task{ID: "running-1", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateRunning, StartedAt: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(Task{ID: "done-1", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateCompleted, StartedAt: now, CompletedAt: &completedAt}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	running, err := s.ListRunning()
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 1 || running[0].ID != "running-1" {
		t.Fatalf("running = %+v", running)
	}
}

func TestPruneDeletesOldTerminalTasks(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	old := time.Now().Add(-2 * time.Hour)
	if err := s.Save(Task{ID: "old-done", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateCompleted, StartedAt: old, CompletedAt: &old}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	recent := time.Now()
	if err := s.Save(Task{ID: "recent-done", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateCompleted, StartedAt: recent, CompletedAt: &recent}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := s.Prune(time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("Prune removed = %d, want 1", n)
	}
	if got, _ := s.Get("old-done"); got != nil {
		t.Fatalf("old task still present after prune")
	}
	if got, _ := s.Get("recent-done"); got == nil {
		t.Fatalf("recent task pruned unexpectedly")
	}
}

func TestOrphanRecoveryOnReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.db")
	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Save(Task{ID: "orphan", Agent: "a", Model: "m", Project: "p", Prompt: "x", State: StateRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Get("orphan")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.CompletedAt == nil {
		t.Fatalf("CompletedAt not stamped on orphan recovery")
	}
}
