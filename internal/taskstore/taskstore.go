// Package taskstore implements the Durable Task Store: a crash-recovery
// journal of every task the bridge has assigned.
//
// internal/sessions.Store journals sessions as one JSON file per record
// under a directory; this bridge's task volume and query needs (list
// running, prune by age, recover orphans on startup) are a better fit
// for an embedded relational table, so this package is grounded on that
// file's write-then-fsync discipline applied to a single table instead,
// using modernc.org/sqlite (pure Go, no cgo, matching the rest of this
// module's dependency-free-build posture).
package taskstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// State is a task's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Task is a single agent invocation record.
type Task struct {
	ID          string
	Agent       string
	Model       string
	Project     string
	Prompt      string
	State       State
	StartedAt   time.Time
	CompletedAt *time.Time
	Output      string
	Error       string
	ToolCalls   int
	OutputLen   int
	Team        string
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	agent        TEXT NOT NULL,
	model        TEXT NOT NULL,
	project      TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	output       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	tool_calls   INTEGER NOT NULL DEFAULT 0,
	output_len   INTEGER NOT NULL DEFAULT 0,
	team         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

// Store wraps a *sql.DB against a single tasks table.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the sqlite database at path, puts
// it in WAL mode for concurrent reader/writer access from the bridge
// process and any bridgectl invocations, ensures the schema exists, and
// runs recoverOrphaned before returning the store to the caller — a
// caller must never observe a task still marked running from a
// previous, now-dead process.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, log: log}
	n, err := s.recoverOrphaned()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recovering orphaned tasks: %w", err)
	}
	if n > 0 && log != nil {
		log.Warn("recovered orphaned tasks from a previous run", "count", n)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Save inserts or fully replaces a task row.
func (s *Store) Save(t Task) error {
	var completedAt any
	if t.CompletedAt != nil {
		completedAt = formatTime(*t.CompletedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, agent, model, project, prompt, state, started_at, completed_at, output, error, tool_calls, output_len, team)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent=excluded.agent, model=excluded.model, project=excluded.project, prompt=excluded.prompt,
			state=excluded.state, started_at=excluded.started_at, completed_at=excluded.completed_at,
			output=excluded.output, error=excluded.error, tool_calls=excluded.tool_calls,
			output_len=excluded.output_len, team=excluded.team
	`, t.ID, t.Agent, t.Model, t.Project, t.Prompt, string(t.State), formatTime(t.StartedAt), completedAt,
		t.Output, t.Error, t.ToolCalls, t.OutputLen, t.Team)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (Task, error) {
	var t Task
	var state, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Agent, &t.Model, &t.Project, &t.Prompt, &state, &startedAt, &completedAt,
		&t.Output, &t.Error, &t.ToolCalls, &t.OutputLen, &t.Team); err != nil {
		return Task{}, err
	}
	t.State = State(state)
	ts, err := parseTime(startedAt)
	if err != nil {
		return Task{}, fmt.Errorf("parsing started_at: %w", err)
	}
	t.StartedAt = ts
	if completedAt.Valid {
		ct, err := parseTime(completedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		t.CompletedAt = &ct
	}
	return t, nil
}

const selectCols = `id, agent, model, project, prompt, state, started_at, completed_at, output, error, tool_calls, output_len, team`

// Get looks up a single task by id.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+selectCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return &t, nil
}

// Update applies a partial mutation via fn to the stored row for id,
// then persists it. Returns an error if the row doesn't exist.
func (s *Store) Update(id string, fn func(*Task)) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found", id)
	}
	fn(t)
	return s.Save(*t)
}

// ListRunning returns every task currently in the running state.
func (s *Store) ListRunning() ([]Task, error) {
	rows, err := s.db.Query(`SELECT ` + selectCols + ` FROM tasks WHERE state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning running task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes every non-running task whose completion time predates
// now - olderThan.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.db.Exec(`DELETE FROM tasks WHERE state != 'running' AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning tasks: %w", err)
	}
	return res.RowsAffected()
}

// recoverOrphaned marks every row still "running" as "failed" — called
// once, from Open, before the store is handed to any caller.
func (s *Store) recoverOrphaned() (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		UPDATE tasks SET state = 'failed', error = 'Bridge restarted — task orphaned', completed_at = ?
		WHERE state = 'running'
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
