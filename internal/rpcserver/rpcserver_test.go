package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Holovkat/cli-team-bridge/internal/bridgeconfig"
	"github.com/Holovkat/cli-team-bridge/internal/metrics"
	"github.com/Holovkat/cli-team-bridge/internal/taskstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestValidTaskID(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"a1b2c3d4":                               true,
		"a1b2c3d4-e5f6-7890-abcd-ef1234567890":   true,
		"too-short":                               false,
		"CONTAINS-UPPERCASE-1234567":              false,
		"": false,
	}
	for id, want := range cases {
		if got := validTaskID(id); got != want {
			t.Errorf("validTaskID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestResolveModelFallsBackToDefault(t *testing.T) {
	t.Parallel()

	models := map[string]bridgeconfig.ModelConfig{"fast": {}, "smart": {}}
	if got := resolveModel("unknown", models, "fast"); got != "fast" {
		t.Fatalf("resolveModel = %q, want default %q", got, "fast")
	}
	if got := resolveModel("smart", models, "fast"); got != "smart" {
		t.Fatalf("resolveModel = %q, want requested %q", got, "smart")
	}
	if got := resolveModel("", models, "fast"); got != "fast" {
		t.Fatalf("resolveModel(\"\") = %q, want default", got)
	}
}

func newTestContext(t *testing.T, workspaceRoot string) *ServerContext {
	t.Helper()
	cfg := &bridgeconfig.Config{WorkspaceRoot: workspaceRoot, Agents: map[string]bridgeconfig.AgentConfig{}}
	return NewServerContext(cfg, nil, nil, nil, nil, metrics.NewRegistry(), nil, discardLogger())
}

func TestResolveProjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sc := newTestContext(t, root)

	if _, err := sc.resolveProject("../../etc"); err == nil {
		t.Fatal("expected traversal outside workspace root to be rejected")
	}
}

func TestResolveProjectAcceptsSubdirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sub := filepath.Join(root, "proj")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	sc := newTestContext(t, root)

	resolved, err := sc.resolveProject("proj")
	if err != nil {
		t.Fatalf("resolveProject: %v", err)
	}
	if resolved != sub {
		t.Fatalf("resolved = %q, want %q", resolved, sub)
	}
}

func TestResolveProjectRejectsMissingDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sc := newTestContext(t, root)

	if _, err := sc.resolveProject("does-not-exist"); err == nil {
		t.Fatal("expected missing directory to be rejected")
	}
}

func TestAdmissionControlEnforcesLimits(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())

	for i := 0; i < maxRunningPerAgent; i++ {
		if !sc.admit("agent-a") {
			t.Fatalf("admit %d should have succeeded", i)
		}
	}
	if sc.admit("agent-a") {
		t.Fatal("admit should fail once per-agent limit is reached")
	}

	sc.release("agent-a")
	if !sc.admit("agent-a") {
		t.Fatal("admit should succeed again after a release")
	}
}

func TestAdmissionControlEnforcesGlobalLimit(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())

	admitted := 0
	for i := 0; i < maxGlobalRunning+5; i++ {
		agent := "agent-" + string(rune('a'+i%5))
		if sc.admit(agent) {
			admitted++
		}
	}
	if admitted != maxGlobalRunning {
		t.Fatalf("admitted = %d, want %d", admitted, maxGlobalRunning)
	}
}

func TestPruneLockedKeepsRunningAndRecentTasks(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())

	sc.tasksMu.Lock()
	now := time.Now()
	for i := 0; i < maxTaskTableEntries+10; i++ {
		var completedAt *time.Time
		state := taskstore.StateRunning
		if i%2 == 0 {
			old := now.Add(-2 * time.Hour)
			completedAt = &old
			state = taskstore.StateCompleted
		}
		id := fmt.Sprintf("task-%d", i)
		sc.tasks[id] = &taskEntry{task: taskstore.Task{ID: id, State: state, CompletedAt: completedAt}}
		sc.taskOrder = append(sc.taskOrder, id)
	}
	sc.pruneLocked()
	remaining := len(sc.tasks)
	sc.tasksMu.Unlock()

	if remaining > maxTaskTableEntries+10 {
		t.Fatalf("pruneLocked left %d entries, expected pruning to occur", remaining)
	}
	for _, e := range sc.tasks {
		if e.task.State != taskstore.StateRunning && e.task.CompletedAt != nil && now.Sub(*e.task.CompletedAt) > taskRetention {
			t.Fatalf("task %q should have been pruned", e.task.ID)
		}
	}
}

func TestAssignTaskRejectsOversizedAgentName(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())
	args := AssignTaskArgs{Agent: strings.Repeat("a", maxNameBytes+1), Prompt: "hi", Project: "."}

	res, err := sc.assignTask(context.Background(), args)
	if err != nil {
		t.Fatalf("assignTask returned error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected an error result for an oversized agent name")
	}
}

func TestAssignTaskRejectsOversizedProject(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())
	args := AssignTaskArgs{Agent: "builder", Prompt: "hi", Project: strings.Repeat("p", maxNameBytes+1)}

	res, err := sc.assignTask(context.Background(), args)
	if err != nil {
		t.Fatalf("assignTask returned error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected an error result for an oversized project path")
	}
}

func TestAssignTaskRejectsControlCharInProject(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())
	args := AssignTaskArgs{Agent: "builder", Prompt: "hi", Project: "proj\ndir"}

	res, err := sc.assignTask(context.Background(), args)
	if err != nil {
		t.Fatalf("assignTask returned error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected an error result for a project path with a control character")
	}
}

func TestHasControlChar(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"clean/path":      false,
		"has\nnewline":    true,
		"has\ttab":        true,
		"has\x7fdelete":   true,
		"":                false,
	}
	for s, want := range cases {
		if got := hasControlChar(s); got != want {
			t.Errorf("hasControlChar(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestPruneLockedNeverDropsRunningTasks(t *testing.T) {
	t.Parallel()

	sc := newTestContext(t, t.TempDir())
	sc.tasksMu.Lock()
	for i := 0; i < maxTaskTableEntries+20; i++ {
		id := fmt.Sprintf("task-%d", i)
		sc.tasks[id] = &taskEntry{task: taskstore.Task{ID: id, State: taskstore.StateRunning}}
		sc.taskOrder = append(sc.taskOrder, id)
	}
	sc.pruneLocked()
	count := len(sc.tasks)
	sc.tasksMu.Unlock()

	if count != maxTaskTableEntries+20 {
		t.Fatalf("pruneLocked dropped running tasks: kept %d, want %d", count, maxTaskTableEntries+20)
	}
}
