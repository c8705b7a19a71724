package workflow

import (
	"fmt"
	"sync"
	"testing"
)

func TestCreateRejectsUnknownDependency(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.Create(Definition{
		Name: "w",
		Steps: []StepDefinition{
			{Name: "a", DependsOn: []string{"ghost"}},
		},
	})
	if err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
}

func TestCreateRejectsCycle(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.Create(Definition{
		Name: "w",
		Steps: []StepDefinition{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatalf("expected error for cyclic dependency")
	}
}

func TestCreateRejectsDuplicateStepName(t *testing.T) {
	t.Parallel()

	e := New()
	_, err := e.Create(Definition{
		Name: "w",
		Steps: []StepDefinition{
			{Name: "a"},
			{Name: "a"},
		},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate step name")
	}
}

func TestDiamondWorkflowCompletes(t *testing.T) {
	t.Parallel()

	e := New()
	w, err := e.Create(Definition{
		Name: "diamond",
		Steps: []StepDefinition{
			{Name: "init"},
			{Name: "b1", DependsOn: []string{"init"}},
			{Name: "b2", DependsOn: []string{"init"}},
			{Name: "merge", DependsOn: []string{"b1", "b2"}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var mu sync.Mutex
	order := []string{}
	w.Run(func(step StepDefinition, prompt string) (string, string, error) {
		mu.Lock()
		order = append(order, step.Name)
		mu.Unlock()
		return "ok:" + step.Name, "task-" + step.Name, nil
	})

	if w.State() != Completed {
		t.Fatalf("workflow state = %q, want completed", w.State())
	}

	results := w.StepResults()
	merge := results["merge"]
	b1 := results["b1"]
	b2 := results["b2"]
	if merge.StartedAt == nil || b1.CompletedAt == nil || b2.CompletedAt == nil {
		t.Fatalf("missing timestamps: merge=%+v b1=%+v b2=%+v", merge, b1, b2)
	}
	if merge.StartedAt.Before(*b1.CompletedAt) || merge.StartedAt.Before(*b2.CompletedAt) {
		t.Fatalf("merge started before its dependencies completed")
	}
}

func TestFailureCascadesToSkipped(t *testing.T) {
	t.Parallel()

	e := New()
	w, err := e.Create(Definition{
		Name: "chain",
		Steps: []StepDefinition{
			{Name: "a"},
			{Name: "b", DependsOn: []string{"a"}},
			{Name: "c", DependsOn: []string{"b"}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.Run(func(step StepDefinition, prompt string) (string, string, error) {
		if step.Name == "a" {
			return "", "", fmt.Errorf("boom")
		}
		return "ok", "task", nil
	})

	if w.State() != Failed {
		t.Fatalf("workflow state = %q, want failed", w.State())
	}
	results := w.StepResults()
	if results["a"].State != Failed {
		t.Fatalf("a.State = %q, want failed", results["a"].State)
	}
	if results["b"].State != Skipped || results["c"].State != Skipped {
		t.Fatalf("b=%q c=%q, want both skipped", results["b"].State, results["c"].State)
	}
}

func TestDependencyOutputPrefixedIntoPrompt(t *testing.T) {
	t.Parallel()

	e := New()
	w, err := e.Create(Definition{
		Name: "pipeline",
		Steps: []StepDefinition{
			{Name: "produce", Prompt: "produce something"},
			{Name: "consume", Prompt: "consume it", DependsOn: []string{"produce"}},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var consumePrompt string
	w.Run(func(step StepDefinition, prompt string) (string, string, error) {
		if step.Name == "produce" {
			return "the widget", "t1", nil
		}
		consumePrompt = prompt
		return "consumed", "t2", nil
	})

	if !contains(consumePrompt, "Output from \"produce\"") || !contains(consumePrompt, "the widget") || !contains(consumePrompt, "consume it") {
		t.Fatalf("consume prompt missing expected content: %q", consumePrompt)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
