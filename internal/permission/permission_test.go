package permission

import "testing"

func TestRmRecursiveForceDenied(t *testing.T) {
	t.Parallel()

	cases := []string{
		"rm -rf /",
		"rm -fr /tmp/x",
		"rm -rRf /tmp/x",
		"rm --recursive --force /tmp/x",
		"rm -r -f /tmp/x",
	}

	e := New(nil, nil)
	for _, cmd := range cases {
		result := e.Evaluate(Context{
			ToolName: "Bash",
			Args:     map[string]any{"command": cmd},
		})
		if result.Action != Deny {
			t.Fatalf("command %q: action = %q, want deny", cmd, result.Action)
		}
	}
}

func TestRmWithoutForceIsNotDeniedByRmRule(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "rm -r /tmp/scratch"},
	})
	if result.MatchedRule == "deny-rm-recursive-force" {
		t.Fatalf("rm -r without force matched the recursive+force rule")
	}
}

func TestGitForcePushDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "git push --force origin main"},
	})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestGitReadonlyAllowed(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "git status"},
	})
	if result.Action != Allow {
		t.Fatalf("action = %q, want allow", result.Action)
	}
}

func TestSecretFileReadDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName:    "Read",
		ProjectRoot: "/workspace/proj",
		Args:        map[string]any{"file_path": "/workspace/proj/.env"},
	})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestFileReadInsideWorkspaceAllowed(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName:    "Read",
		ProjectRoot: "/workspace/proj",
		Args:        map[string]any{"file_path": "/workspace/proj/main.go"},
	})
	if result.Action != Allow {
		t.Fatalf("action = %q, want allow, reason = %q", result.Action, result.Reason)
	}
}

func TestFileReadOutsideWorkspaceDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName:    "Read",
		ProjectRoot: "/workspace/proj",
		Args:        map[string]any{"file_path": "/etc/passwd"},
	})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestSQLDropTableDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "psql -c 'DROP TABLE users'"},
	})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestSQLDeleteWithoutWhereDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "psql -c 'DELETE FROM users'"},
	})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestSQLDeleteWithWhereNotDenied(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "psql -c 'DELETE FROM users WHERE id=1'"},
	})
	if result.MatchedRule == "deny-sql-delete-no-where" {
		t.Fatalf("scoped DELETE matched the unscoped-delete rule")
	}
}

func TestUnknownToolDefaultsDeny(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{ToolName: "SomeUnknownTool", Args: map[string]any{}})
	if result.Action != Deny {
		t.Fatalf("action = %q, want deny", result.Action)
	}
}

func TestAskForShellByDefault(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	result := e.Evaluate(Context{
		ToolName: "Bash",
		Args:     map[string]any{"command": "ls -la"},
	})
	if result.Action != Ask {
		t.Fatalf("action = %q, want ask", result.Action)
	}
}
