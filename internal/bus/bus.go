// Package bus implements the Message Bus: durable, file-backed
// per-agent inboxes plus an open-request/claim exchange.
//
// The write-then-read API shape (truncate content, capacity-check
// before writing, lenient skip-on-parse-error reads) follows
// internal/outbox's outbox.Store; the per-write file atomicity (temp
// file in the target directory, Chmod(0o600), rename) follows
// internal/sessions.Store.writeLocked. Unlike outbox's one
// append-log-per-agent, this bus persists one file per message so a
// directory listing's lexicographic order is, by construction, creation
// order — outbox's JSONL-log shape can't expose that property.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxContentBytes is the content-length cap; longer content is
	// truncated with a log warning.
	MaxContentBytes = 64 * 1024

	// MaxInboxMessages is the per-inbox cap; writes above this prune
	// the oldest files first.
	MaxInboxMessages = 500

	// AllRecipient is the broadcast sentinel recipient.
	AllRecipient = "all"

	messagesDir = "messages"
	requestsDir = "requests"
)

// MessageType enumerates the kinds of bus messages.
type MessageType string

const (
	TypeMessage   MessageType = "message"
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeNudge     MessageType = "nudge"
	TypeBroadcast MessageType = "broadcast"
	TypeShutdown  MessageType = "shutdown"
)

// Message is one entry in a recipient's inbox.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	Read      bool        `json:"read"`
}

// RequestStatus enumerates TaskRequest lifecycle states.
type RequestStatus string

const (
	RequestOpen     RequestStatus = "open"
	RequestClaimed  RequestStatus = "claimed"
	RequestComplete RequestStatus = "completed"
	RequestExpired  RequestStatus = "expired"
)

// TaskRequest is the open-claim primitive used between agents.
type TaskRequest struct {
	ID             string        `json:"id"`
	RequestingAgent string       `json:"requesting_agent"`
	Description    string        `json:"description"`
	Context        string        `json:"context,omitempty"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`

	// Decision is set when a claimant completes the request. Used by the
	// permission-ask escalation path, where it carries "allow" or "deny";
	// empty for requests that aren't resolving a permission prompt.
	Decision string `json:"decision,omitempty"`
}

// Logger is the minimal logging surface the bus needs, satisfied by
// *slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Bus is a file-backed message bus rooted at a bridge root directory.
type Bus struct {
	root string
	log  Logger
	mu   sync.Mutex // serializes writes; reads take no lock (files are immutable once written except for markRead rewrites)
}

// Open prepares the bus directories under root (the bridge root
// directory) and returns a Bus. Per the filesystem-IPC design note, the
// bridge root and its subdirectories are created 0700.
func Open(root string, log Logger) (*Bus, error) {
	if err := os.MkdirAll(filepath.Join(root, messagesDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating messages dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, requestsDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating requests dir: %w", err)
	}
	return &Bus{root: root, log: log}, nil
}

func (b *Bus) inboxDir(agent string) string {
	return filepath.Join(b.root, messagesDir, agent)
}

// sortableFilename builds a filename that begins with the timestamp
// (colons and dots replaced so it stays a legal filename on every
// platform) followed by the id's first 8 characters, so a directory
// listing sorts in creation order.
func sortableFilename(ts time.Time, id string) string {
	stamp := ts.UTC().Format("2006-01-02T15-04-05.000000000Z")
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s.json", stamp, short)
}

func truncate(content string, max int) (string, bool) {
	if len(content) <= max {
		return content, false
	}
	return content[:max], true
}

func writeAtomic(dir, filename string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".msg-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	target := filepath.Join(dir, filename)
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// WriteOptions configure WriteMessage.
type WriteOptions struct {
	Type      MessageType
	RequestID string
	ReplyTo   string
}

// WriteMessage persists content from `from` to `to` (or to every inbox
// except from's own when to == AllRecipient), enforcing the content cap
// and the per-inbox pruning threshold.
func (b *Bus) WriteMessage(from, to, content string, opts WriteOptions) (*Message, error) {
	content, truncated := truncate(content, MaxContentBytes)
	if truncated && b.log != nil {
		b.log.Warn("message content truncated", "from", from, "to", to, "max_bytes", MaxContentBytes)
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = TypeMessage
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if to == AllRecipient {
		return b.broadcastLocked(from, content, msgType, opts)
	}
	return b.writeOneLocked(from, to, content, msgType, opts)
}

func (b *Bus) broadcastLocked(from, content string, msgType MessageType, opts WriteOptions) (*Message, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, messagesDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("listing inboxes: %w", err)
	}

	var template *Message
	failures := 0
	total := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == from {
			continue
		}
		total++
		msg, err := b.writeOneLocked(from, entry.Name(), content, msgType, opts)
		if err != nil {
			failures++
			continue
		}
		template = msg
	}
	if failures > 0 {
		return nil, fmt.Errorf("broadcast: %d of %d recipient writes failed", failures, total)
	}
	if template == nil {
		// No recipients: still synthesize a record of what would have
		// been sent, for callers that log/display it.
		template = &Message{
			ID: uuid.NewString(), Type: msgType, From: from, To: AllRecipient,
			Content: content, Timestamp: time.Now().UTC(), RequestID: opts.RequestID, ReplyTo: opts.ReplyTo,
		}
	}
	return template, nil
}

func (b *Bus) writeOneLocked(from, to, content string, msgType MessageType, opts WriteOptions) (*Message, error) {
	if err := b.pruneIfFullLocked(to); err != nil {
		return nil, err
	}

	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
		RequestID: opts.RequestID,
		ReplyTo:   opts.ReplyTo,
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	filename := sortableFilename(msg.Timestamp, msg.ID)
	if err := writeAtomic(b.inboxDir(to), filename, data); err != nil {
		return nil, fmt.Errorf("writing message to %s: %w", to, err)
	}
	return &msg, nil
}

// pruneIfFullLocked deletes the lexicographically smallest files in an
// inbox until exactly MaxInboxMessages-1 remain, if the inbox is
// currently at or above the cap.
func (b *Bus) pruneIfFullLocked(agent string) error {
	files, err := listJSONFilesSorted(b.inboxDir(agent))
	if err != nil {
		return nil // nonexistent dir is treated as empty; nothing to prune
	}
	if len(files) < MaxInboxMessages {
		return nil
	}
	excess := len(files) - (MaxInboxMessages - 1)
	for i := 0; i < excess; i++ {
		_ = os.Remove(filepath.Join(b.inboxDir(agent), files[i]))
	}
	return nil
}

func listJSONFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFilter narrows ReadInbox results.
type ReadFilter struct {
	FromAgent  string
	UnreadOnly bool
}

// ReadInbox lists an agent's inbox sorted lexicographically (= creation
// order), skipping files that fail to parse.
func (b *Bus) ReadInbox(agent string, filter ReadFilter) ([]Message, error) {
	names, err := listJSONFilesSorted(b.inboxDir(agent))
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.inboxDir(agent), name))
		if err != nil {
			if b.log != nil {
				b.log.Warn("skipping unreadable message file", "agent", agent, "file", name, "error", err)
			}
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if b.log != nil {
				b.log.Warn("skipping unparseable message file", "agent", agent, "file", name, "error", err)
			}
			continue
		}
		if filter.FromAgent != "" && msg.From != filter.FromAgent {
			continue
		}
		if filter.UnreadOnly && msg.Read {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkRead rewrites every message in ids to Read=true, returning how
// many were actually changed.
func (b *Bus) MarkRead(agent string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	names, err := listJSONFilesSorted(b.inboxDir(agent))
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, name := range names {
		path := filepath.Join(b.inboxDir(agent), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if !want[msg.ID] || msg.Read {
			continue
		}
		msg.Read = true
		newData, err := json.MarshalIndent(msg, "", "  ")
		if err != nil {
			continue
		}
		if err := writeAtomic(b.inboxDir(agent), name, newData); err != nil {
			continue
		}
		changed++
	}
	return changed, nil
}

// MarkAllRead marks every currently-unread message in agent's inbox as
// read and returns how many changed.
func (b *Bus) MarkAllRead(agent string) (int, error) {
	unread, err := b.ReadInbox(agent, ReadFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}
	return b.MarkRead(agent, ids)
}

// UnreadCount returns the number of unread messages in agent's inbox.
func (b *Bus) UnreadCount(agent string) (int, error) {
	unread, err := b.ReadInbox(agent, ReadFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// Cleanup deletes every message file in agent's inbox.
func (b *Bus) Cleanup(agent string) error {
	return os.RemoveAll(b.inboxDir(agent))
}

// CleanupAll deletes every inbox and every open request.
func (b *Bus) CleanupAll() error {
	if err := os.RemoveAll(filepath.Join(b.root, messagesDir)); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(b.root, requestsDir)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(b.root, messagesDir), 0o700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(b.root, requestsDir), 0o700)
}
