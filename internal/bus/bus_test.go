package bus

import (
	"testing"
	"time"
)

func TestWriteAndReadInboxOrder(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.WriteMessage("alice", "bob", "hello", WriteOptions{}); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	msgs, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("len(msgs) = %d, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("messages out of order at index %d", i)
		}
	}
}

func TestContentTruncated(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	big := make([]byte, MaxContentBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	msg, err := b.WriteMessage("alice", "bob", string(big), WriteOptions{})
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if len(msg.Content) != MaxContentBytes {
		t.Fatalf("len(msg.Content) = %d, want %d", len(msg.Content), MaxContentBytes)
	}
}

func TestInboxPruning(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < MaxInboxMessages+10; i++ {
		if _, err := b.WriteMessage("alice", "bob", "m", WriteOptions{}); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	msgs, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) >= MaxInboxMessages+10 {
		t.Fatalf("expected pruning to cap the inbox, got %d messages", len(msgs))
	}
	if len(msgs) > MaxInboxMessages {
		t.Fatalf("len(msgs) = %d, want <= %d", len(msgs), MaxInboxMessages)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	msg, err := b.WriteMessage("alice", "bob", "hi", WriteOptions{})
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	count, err := b.UnreadCount("bob")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("UnreadCount = %d, want 1", count)
	}

	changed, err := b.MarkRead("bob", []string{msg.ID})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if changed != 1 {
		t.Fatalf("MarkRead changed = %d, want 1", changed)
	}

	count, err = b.UnreadCount("bob")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("UnreadCount after mark = %d, want 0", count)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// seed inboxes for bob and carol so the broadcast has recipients to find
	if _, err := b.WriteMessage("bob", "carol", "seed", WriteOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := b.WriteMessage("carol", "bob", "seed", WriteOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := b.WriteMessage("alice", AllRecipient, "announcement", WriteOptions{Type: TypeBroadcast}); err != nil {
		t.Fatalf("WriteMessage broadcast: %v", err)
	}

	aliceInbox, err := b.ReadInbox("alice", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox alice: %v", err)
	}
	for _, m := range aliceInbox {
		if m.From == "alice" {
			t.Fatalf("sender received its own broadcast")
		}
	}

	bobInbox, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox bob: %v", err)
	}
	found := false
	for _, m := range bobInbox {
		if m.Type == TypeBroadcast {
			found = true
		}
	}
	if !found {
		t.Fatalf("bob did not receive the broadcast")
	}
}

func TestCreateClaimRequest(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req, err := b.CreateRequest("alice", "needs review", "", 0)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.Status != RequestOpen {
		t.Fatalf("Status = %q, want open", req.Status)
	}

	open, err := b.ListOpenRequests()
	if err != nil {
		t.Fatalf("ListOpenRequests: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("len(open) = %d, want 1", len(open))
	}

	claimed, err := b.ClaimRequest(req.ID, "bob")
	if err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}
	if claimed.Status != RequestClaimed || claimed.ClaimedBy != "bob" {
		t.Fatalf("claimed = %+v, want status=claimed claimedBy=bob", claimed)
	}

	if _, err := b.ClaimRequest(req.ID, "carol"); err == nil {
		t.Fatalf("expected double-claim to fail")
	}

	open, err = b.ListOpenRequests()
	if err != nil {
		t.Fatalf("ListOpenRequests after claim: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("len(open) after claim = %d, want 0", len(open))
	}
}

func TestExpiredRequestCannotBeClaimed(t *testing.T) {
	t.Parallel()

	b, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	req, err := b.CreateRequest("alice", "urgent", "", -1)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	// TimeoutSeconds <= 0 is normalized to the default, so a freshly
	// created request is still inside its window and can be claimed.
	if _, err := b.ClaimRequest(req.ID, "bob"); err != nil {
		t.Fatalf("ClaimRequest on a fresh request should succeed: %v", err)
	}

	// A request whose window has already elapsed is lazily expired by the
	// claim attempt and cannot be claimed.
	stale := &TaskRequest{
		ID:              "stale-request",
		RequestingAgent: "alice",
		Description:     "too late",
		Status:          RequestOpen,
		CreatedAt:       time.Now().UTC().Add(-time.Minute),
		TimeoutSeconds:  1,
	}
	b.mu.Lock()
	err = b.writeRequestLocked(stale)
	b.mu.Unlock()
	if err != nil {
		t.Fatalf("writeRequestLocked: %v", err)
	}
	if _, err := b.ClaimRequest(stale.ID, "bob"); err == nil {
		t.Fatalf("ClaimRequest on an expired request should fail")
	}
	got, err := b.GetRequest(stale.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != RequestExpired {
		t.Fatalf("Status = %q, want %q", got.Status, RequestExpired)
	}
}
