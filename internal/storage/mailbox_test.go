package storage

import (
	"testing"
	"time"

	"github.com/codex-teams/fabric/internal/fabric"
)

func TestMailboxAppendAndFetchInbox(t *testing.T) {
	s := NewMailboxStore(t.TempDir())
	now := time.Now()

	id0, err := s.Append("main", "worker-1", 100, now)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id1, err := s.Append("main", "worker-1", 101, now)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id0 != 0 || id1 != 1 {
		t.Fatalf("mailbox ids = %d, %d, want 0, 1", id0, id1)
	}

	items, err := s.FetchInbox("main", "worker-1", true, 0, 0)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].MailboxID != 0 || items[1].MailboxID != 1 {
		t.Fatalf("items not ordered ascending by mailbox_id: %+v", items)
	}
}

// TestMailboxMarkReadIsIdempotent grounds spec §8 property 3 for the
// filesystem mailbox store.
func TestMailboxMarkReadIsIdempotent(t *testing.T) {
	s := NewMailboxStore(t.TempDir())
	now := time.Now()
	if _, err := s.Append("main", "worker-1", 100, now); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n1, err := s.MarkRead("worker-1", MarkReadFilter{Room: "main", All: true}, now)
	if err != nil {
		t.Fatalf("MarkRead (1st): %v", err)
	}
	if n1 != 1 {
		t.Fatalf("first MarkRead changed %d, want 1", n1)
	}

	n2, err := s.MarkRead("worker-1", MarkReadFilter{Room: "main", All: true}, now)
	if err != nil {
		t.Fatalf("MarkRead (2nd): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("second MarkRead changed %d, want 0", n2)
	}
}

func TestMailboxMentionTokenChanges(t *testing.T) {
	s := NewMailboxStore(t.TempDir())
	now := time.Now()

	before, err := s.MentionToken("main", "worker-1")
	if err != nil {
		t.Fatalf("MentionToken (before): %v", err)
	}
	if _, err := s.Append("main", "worker-1", 100, now); err != nil {
		t.Fatalf("Append: %v", err)
	}
	after, err := s.MentionToken("main", "worker-1")
	if err != nil {
		t.Fatalf("MentionToken (after): %v", err)
	}
	if before == after {
		t.Fatalf("mention token unchanged after a new mail item: %d", before)
	}
}

// TestProbeOlderUnreadFindsRecoveryIndex grounds spec §8 S4: after a
// partial mark_read failure leaves an older index unread, the
// filesystem mailbox's probe must find it so the cursor can reset.
func TestProbeOlderUnreadFindsRecoveryIndex(t *testing.T) {
	s := NewMailboxStore(t.TempDir())
	now := time.Now()

	for _, msgID := range []int64{100, 101, 102} {
		if _, err := s.Append("main", "worker-1", msgID, now); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Simulate mark_read({1,2}) succeeding but mark_read({0}) not: only
	// indexes 1 and 2 transition to read.
	if _, err := s.MarkRead("worker-1", MarkReadFilter{Room: "main", MailboxIDs: []int64{1, 2}}, now); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	idx, found, err := s.ProbeOlderUnread("main", "worker-1", 3)
	if err != nil {
		t.Fatalf("ProbeOlderUnread: %v", err)
	}
	if !found {
		t.Fatal("expected to find an older unread item (index 0) after the partial ack")
	}
	if idx != 0 {
		t.Fatalf("ProbeOlderUnread index = %d, want 0", idx)
	}
}

func TestMailboxAppendMessageIsSelfContained(t *testing.T) {
	s := NewMailboxStore(t.TempDir())
	now := time.Now()

	msg := fabric.Message{Sender: "lead", Kind: fabric.KindNote, Body: "hi"}
	id, err := s.AppendMessage("main", "worker-1", msg, now)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	items, err := s.FetchInbox("main", "worker-1", false, 0, 0)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(items) != 1 || items[0].Message == nil {
		t.Fatalf("expected one item with an embedded Message, got %+v", items)
	}
	if items[0].Message.Body != "hi" || items[0].MailboxID != id {
		t.Fatalf("embedded message mismatch: %+v", items[0])
	}
}
