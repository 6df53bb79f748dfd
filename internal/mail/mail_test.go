package mail

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/storage"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	log, err := storage.OpenRoomLog(filepath.Join(t.TempDir(), "room.db"))
	if err != nil {
		t.Fatalf("OpenRoomLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return New(log)
}

// TestSendBroadcastFanOut grounds spec §8 S1: a broadcast to "all"
// inserts one message and a mail item per active member other than
// the sender, in stable ascending member-name order.
func TestSendBroadcastFanOut(t *testing.T) {
	ctx := context.Background()
	f := newTestFabric(t)

	// Touch every member into existence before the broadcast so they
	// are all active participants of the fan-out.
	for _, agent := range []string{"lead", "worker-1", "worker-2"} {
		if _, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: agent, Kind: fabric.KindNote, Body: "hi"}); err != nil {
			t.Fatalf("priming member %s: %v", agent, err)
		}
	}

	res, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: fabric.RecipientAll, Kind: fabric.KindTask, Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.FanoutCount != 2 {
		t.Fatalf("FanoutCount = %d, want 2", res.FanoutCount)
	}

	entries, err := f.FetchInbox(ctx, "main", "worker-1", true, 0, 0)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	var hello int
	for _, e := range entries {
		if e.Message.Body == "hello" {
			hello++
		}
	}
	if hello != 1 {
		t.Fatalf("expected exactly one unread hello item for worker-1, got %d", hello)
	}
}

// TestFetchMessagesContainsSentMessageExactlyOnce grounds spec §8
// property 1.
func TestFetchMessagesContainsSentMessageExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newTestFabric(t)

	res, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: "worker-1", Kind: fabric.KindNote, Body: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := f.FetchMessages(ctx, "main", res.MessageID-1, "lead", true, 0)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	var count int
	for _, m := range msgs {
		if m.ID == res.MessageID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("message %d appeared %d times, want exactly 1", res.MessageID, count)
	}
}

// TestMarkReadIsIdempotent grounds spec §8 property 3.
func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestFabric(t)

	if _, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: "worker-1", Kind: fabric.KindNote, Body: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	n1, err := f.MarkRead(ctx, "main", "worker-1", MarkReadSelector{All: true})
	if err != nil {
		t.Fatalf("MarkRead (1st): %v", err)
	}
	if n1 != 1 {
		t.Fatalf("first MarkRead changed %d rows, want 1", n1)
	}

	n2, err := f.MarkRead(ctx, "main", "worker-1", MarkReadSelector{All: true})
	if err != nil {
		t.Fatalf("MarkRead (2nd): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("second MarkRead changed %d rows, want 0", n2)
	}
}

// TestMentionTokenChangesOnNewMail grounds spec §8 property 4.
func TestMentionTokenChangesOnNewMail(t *testing.T) {
	ctx := context.Background()
	f := newTestFabric(t)

	before, err := f.MentionToken(ctx, "main", "worker-1")
	if err != nil {
		t.Fatalf("MentionToken (before): %v", err)
	}
	if _, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: "worker-1", Kind: fabric.KindNote, Body: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	after, err := f.MentionToken(ctx, "main", "worker-1")
	if err != nil {
		t.Fatalf("MentionToken (after): %v", err)
	}
	if before == after {
		t.Fatalf("mention token did not change after a new mail item: %d == %d", before, after)
	}
}

func TestSendRejectsInvalidKind(t *testing.T) {
	ctx := context.Background()
	f := newTestFabric(t)
	if _, err := f.Send(ctx, SendInput{Room: "main", Sender: "lead", Recipient: "worker-1", Kind: fabric.Kind("bogus"), Body: "hi"}); err == nil {
		t.Fatal("expected an error for an invalid kind")
	}
}
