// Package logging wires up the bridge's structured logger.
//
// A single *slog.Logger is built once in cmd/bridged and passed by
// constructor injection into every component — the same discipline the
// teacher daemon uses (d.log, p.log fields), never a package-level
// global logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// secretPatterns redacts API-key-shaped substrings before a log record
// reaches its handler, per the bridge's error-handling design: logs are
// sanitized to redact key material before writing to file or stderr.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`anthropic-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._-]+`),
	regexp.MustCompile(`(?i)api[-_]?key[=:]\s*\S+`),
}

func redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Redactor wraps an slog.Handler and redacts secret-shaped values from
// the log message and every string-valued attribute before delegating to
// the inner handler. Attributes of other kinds (including groups) pass
// through unchanged.
type Redactor struct {
	inner slog.Handler
}

// NewRedactor wraps inner with secret redaction.
func NewRedactor(inner slog.Handler) *Redactor {
	return &Redactor{inner: inner}
}

func (r *Redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return r.inner.Enabled(ctx, level)
}

func (r *Redactor) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return r.inner.Handle(ctx, clean)
}

func (r *Redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &Redactor{inner: r.inner.WithAttrs(out)}
}

func (r *Redactor) WithGroup(name string) slog.Handler {
	return &Redactor{inner: r.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, redact(a.Value.String()))
	}
	return a
}

// New builds the bridge's logger. When filePath is non-empty, records go
// to that file (created 0600, and chmod-ed to 0600 right after opening,
// before any record is written) instead of stderr.
func New(level string, filePath string) (*slog.Logger, error) {
	var out io.Writer = os.Stderr
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", filePath, err)
		}
		if err := f.Chmod(0o600); err != nil {
			return nil, fmt.Errorf("chmod log file %s: %w", filePath, err)
		}
		out = f
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(NewRedactor(handler)), nil
}
