package agentregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterGetAndPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.json")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Register("builder", "sonnet", os.Getpid()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	info, ok := r.Get("builder")
	if !ok {
		t.Fatalf("Get: agent not found")
	}
	if info.Status != StatusRunning {
		t.Fatalf("Status = %q, want running", info.Status)
	}
	if info.Model != "sonnet" {
		t.Fatalf("Model = %q, want sonnet", info.Model)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := r2.Get("builder"); !ok {
		t.Fatalf("agent not persisted across reopen")
	}
}

func TestUpdateStatusAndHeartbeat(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Register("reviewer", "sonnet", os.Getpid()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.UpdateStatus("reviewer", StatusWaiting, "task-1"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	info, _ := r.Get("reviewer")
	if info.Status != StatusWaiting || info.CurrentTask != "task-1" {
		t.Fatalf("info = %+v, want status=waiting task=task-1", info)
	}

	if err := r.Heartbeat("reviewer"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func TestDetectDeadRequiresBothStaleHeartbeatAndDeadPID(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Register("alive", "sonnet", os.Getpid()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Heartbeat is stale, but the PID is this test process: still alive,
	// so a stale heartbeat alone must not be enough to mark it dead.
	r.agents["alive"].LastHeartbeat = time.Now().Add(-2 * DeadAfter)

	if changed := r.DetectDead(); changed != 0 {
		t.Fatalf("DetectDead changed = %d, want 0 (PID still alive)", changed)
	}
	info, _ := r.Get("alive")
	if info.Status == StatusDead {
		t.Fatalf("agent marked dead despite a live PID")
	}
}

func TestDetectDeadByMissingPID(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// A PID essentially guaranteed not to exist, with a stale heartbeat:
	// both halves of the AND are satisfied.
	if err := r.Register("ghost", "sonnet", 1<<30); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.agents["ghost"].LastHeartbeat = time.Now().Add(-2 * DeadAfter)

	changed := r.DetectDead()
	if changed != 1 {
		t.Fatalf("DetectDead changed = %d, want 1", changed)
	}
	info, _ := r.Get("ghost")
	if info.Status != StatusDead {
		t.Fatalf("Status = %q, want dead", info.Status)
	}
}

func TestDetectDeadSkipsFreshHeartbeatEvenWithDeadPID(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Register("just-started", "sonnet", 1<<30); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if changed := r.DetectDead(); changed != 0 {
		t.Fatalf("DetectDead changed = %d, want 0 (heartbeat not yet stale)", changed)
	}
}

func TestPruneDeadAgents(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Register("ghost", "sonnet", 1<<30); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.agents["ghost"].LastHeartbeat = time.Now().Add(-2 * DeadAfter)
	r.DetectDead()

	removed, err := r.PruneDeadAgents()
	if err != nil {
		t.Fatalf("PruneDeadAgents: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := r.Get("ghost"); ok {
		t.Fatalf("dead agent still present after prune")
	}
}

func TestDeregisterUnknownAgentErrors(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Deregister("nobody"); err == nil {
		t.Fatalf("expected error deregistering unknown agent")
	}
}
