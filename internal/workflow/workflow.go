// Package workflow implements the Workflow Engine: a DAG of agent
// invocation steps, validated for cycles on creation and dispatched
// with as much parallelism as the dependency graph allows.
//
// Nothing in the teacher repo models a dependency DAG, so this package
// is built fresh; its goroutine-per-runnable-step-plus-mutex-guarded-
// state shape follows the same "collect candidates, mutate under lock"
// discipline used throughout this module (internal/agentregistry,
// internal/daemon's spawn sweep) rather than a single global lock held
// across blocking work.
package workflow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a workflow or step's lifecycle state.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Skipped   State = "skipped"
)

// StepDefinition describes one node in the DAG.
type StepDefinition struct {
	Name      string
	Agent     string
	Prompt    string
	Model     string
	DependsOn []string
}

// Definition is the input to Create: a named DAG plus its project scope.
type Definition struct {
	Name    string
	Project string
	Steps   []StepDefinition
}

// StepResult is one step's runtime record.
type StepResult struct {
	Name        string
	State       State
	StartedAt   *time.Time
	CompletedAt *time.Time
	Output      string
	Error       string
	TaskID      string
}

// Workflow is a DAG instance plus its runtime state.
type Workflow struct {
	ID        string
	Name      string
	Project   string
	Steps     []StepDefinition
	CreatedAt time.Time

	mu      sync.Mutex
	state   State
	results map[string]*StepResult
}

// State returns the workflow's current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StepResults returns a snapshot of every step's current result.
func (w *Workflow) StepResults() map[string]StepResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]StepResult, len(w.results))
	for k, v := range w.results {
		out[k] = *v
	}
	return out
}

// Runner executes one step and returns its output or an error. It is
// invoked with the step's prompt already prefixed with dependency
// outputs.
type Runner func(step StepDefinition, prompt string) (output string, taskID string, err error)

// Engine holds every workflow created so far, keyed by id.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// New builds an empty Engine.
func New() *Engine {
	return &Engine{workflows: make(map[string]*Workflow)}
}

// Create validates def's DAG (unknown dependency references, cycles)
// and registers a new pending Workflow. It does not start execution —
// call the Workflow's Run for that.
func (e *Engine) Create(def Definition) (*Workflow, error) {
	if err := validate(def.Steps); err != nil {
		return nil, err
	}

	w := &Workflow{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Project:   def.Project,
		Steps:     def.Steps,
		CreatedAt: time.Now().UTC(),
		state:     Pending,
		results:   make(map[string]*StepResult),
	}
	for _, s := range def.Steps {
		w.results[s.Name] = &StepResult{Name: s.Name, State: Pending}
	}

	e.mu.Lock()
	e.workflows[w.ID] = w
	e.mu.Unlock()
	return w, nil
}

// Get returns a previously created workflow by id.
func (e *Engine) Get(id string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workflows[id]
	return w, ok
}

func validate(steps []StepDefinition) error {
	byName := make(map[string]StepDefinition, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("workflow step has an empty name")
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("workflow has a dependency cycle involving step %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}

func formatDependencyOutput(stepName, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Output from %q ---\n%s\n--- End ---", stepName, output)
	return b.String()
}

func buildPrompt(step StepDefinition, deps map[string]StepResult) string {
	if len(step.DependsOn) == 0 {
		return step.Prompt
	}
	var blocks []string
	for _, dep := range step.DependsOn {
		blocks = append(blocks, formatDependencyOutput(dep, deps[dep].Output))
	}
	return strings.Join(blocks, "\n\n") + "\n\n" + step.Prompt
}

// Run drives w to completion synchronously, invoking run for every
// runnable step (potentially several in parallel) until the DAG is
// exhausted or stuck. Callers that want asynchronous dispatch should
// invoke Run from their own goroutine.
func (w *Workflow) Run(run Runner) {
	w.mu.Lock()
	w.state = Running
	w.mu.Unlock()

	byName := make(map[string]StepDefinition, len(w.Steps))
	for _, s := range w.Steps {
		byName[s.Name] = s
	}

	var wg sync.WaitGroup
	anyFailed := false

	for {
		w.mu.Lock()
		var runnable []StepDefinition
		running := 0
		for _, s := range w.Steps {
			r := w.results[s.Name]
			switch r.State {
			case Running:
				running++
				continue
			case Pending:
				if allCompleted(w.results, s.DependsOn) {
					runnable = append(runnable, s)
				}
			}
		}
		if len(runnable) == 0 && running == 0 {
			// Nothing runnable and nothing in flight: classify the rest.
			progressed := skipDownstreamOfFailed(w.results, byName)
			w.mu.Unlock()
			if progressed {
				continue
			}
			break
		}
		for _, s := range runnable {
			w.results[s.Name].State = Running
			now := time.Now().UTC()
			w.results[s.Name].StartedAt = &now
		}
		w.mu.Unlock()

		for _, s := range runnable {
			s := s
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.runStep(s, run)
			}()
		}
		wg.Wait()
	}

	w.mu.Lock()
	for _, r := range w.results {
		if r.State == Failed || r.State == Skipped {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		w.state = Failed
	} else {
		w.state = Completed
	}
	w.mu.Unlock()
}

func (w *Workflow) runStep(step StepDefinition, run Runner) {
	deps := w.StepResults()
	prompt := buildPrompt(step, deps)

	output, taskID, err := run(step, prompt)

	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.results[step.Name]
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.TaskID = taskID
	if err != nil {
		r.State = Failed
		r.Error = err.Error()
		return
	}
	r.State = Completed
	r.Output = output
}

func allCompleted(results map[string]*StepResult, deps []string) bool {
	for _, d := range deps {
		if results[d].State != Completed {
			return false
		}
	}
	return true
}

// skipDownstreamOfFailed marks, as skipped, every still-pending step
// that depends (directly or transitively, via repeated passes) on a
// failed or already-skipped step. Returns whether any change was made,
// so the caller can loop again to pick up newly-runnable steps (there
// are none in that case, but also to re-evaluate remaining pending
// steps against the newly skipped set).
func skipDownstreamOfFailed(results map[string]*StepResult, byName map[string]StepDefinition) bool {
	changed := false
	for name, r := range results {
		if r.State != Pending {
			continue
		}
		for _, dep := range byName[name].DependsOn {
			depState := results[dep].State
			if depState == Failed || depState == Skipped {
				r.State = Skipped
				r.Error = fmt.Sprintf("dependency %q did not complete", dep)
				now := time.Now().UTC()
				r.CompletedAt = &now
				changed = true
				break
			}
		}
	}
	return changed
}
