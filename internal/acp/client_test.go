package acp

import (
	"os"
	"testing"
)

func TestFilteredEnvOnlyIncludesAllowlistedNames(t *testing.T) {
	t.Setenv("CLI_TEAM_BRIDGE_TEST_SECRET", "leaked")
	t.Setenv("PATH", os.Getenv("PATH"))

	env := filteredEnv(nil)
	for _, kv := range env {
		if len(kv) >= len("CLI_TEAM_BRIDGE_TEST_SECRET") && kv[:len("CLI_TEAM_BRIDGE_TEST_SECRET")] == "CLI_TEAM_BRIDGE_TEST_SECRET" {
			t.Fatalf("filteredEnv leaked a non-allowlisted variable: %q", kv)
		}
	}

	foundPath := false
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			foundPath = true
		}
	}
	if !foundPath {
		t.Fatalf("filteredEnv dropped PATH, which is always allowlisted")
	}
}

func TestFilteredEnvIncludesExtraNames(t *testing.T) {
	t.Setenv("MY_AGENT_API_KEY", "secret-value")

	env := filteredEnv([]string{"MY_AGENT_API_KEY"})
	found := false
	for _, kv := range env {
		if kv == "MY_AGENT_API_KEY=secret-value" {
			found = true
		}
	}
	if !found {
		t.Fatalf("filteredEnv did not forward an explicitly allowlisted extra variable")
	}
}

func TestStderrCaptureTruncatesAtCap(t *testing.T) {
	c := newStderrCapture(10)
	_, _ = c.Write([]byte("0123456789extra-bytes-beyond-cap"))
	if got := c.String(); len(got) != 10 {
		t.Fatalf("len(String()) = %d, want 10", len(got))
	}
}

func TestStderrCaptureAccumulatesAcrossWrites(t *testing.T) {
	c := newStderrCapture(100)
	_, _ = c.Write([]byte("abc"))
	_, _ = c.Write([]byte("def"))
	if got := c.String(); got != "abcdef" {
		t.Fatalf("String() = %q, want %q", got, "abcdef")
	}
}
