package worker

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

func newTestLoop(t *testing.T, agent, leadName string) *Loop {
	t.Helper()
	dir := t.TempDir()
	rl, err := storage.OpenRoomLog(filepath.Join(dir, "room.db"))
	if err != nil {
		t.Fatalf("OpenRoomLog: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })

	m := mail.New(rl)
	ctl := control.New(rl, m)
	rt := storage.NewRuntimeTableStore(dir)
	logger := log.New(io.Discard, "", 0)

	return New(Config{Room: "main", Agent: agent, LeadName: leadName, PermissionMode: "default"}, m, ctl, rt, logger)
}

// TestClassifyOneEnqueuesActionableAndAccumulatesCollabTargets mirrors
// the hub's identical-contract test (spec §4.4: "the same semantics as
// one hub worker").
func TestClassifyOneEnqueuesActionableAndAccumulatesCollabTargets(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")

	if _, err := l.mail.Send(ctx, mail.SendInput{Room: "main", Sender: "worker-2", Recipient: "worker-1", Kind: fabric.KindQuestion, Body: "what next?"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, err := l.mail.FetchInbox(ctx, "main", "worker-1", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	l.classifyOne(ctx, entries[0])

	if len(l.state.PromptQueue) != 1 {
		t.Fatalf("PromptQueue = %+v, want 1 entry", l.state.PromptQueue)
	}
	if !l.state.CollabTargets["worker-2"][fabric.KindQuestion] {
		t.Fatal("expected worker-2/question to be accumulated into CollabTargets")
	}
}

// TestClassifyOneShutdownStopsWorker grounds the maintainer fix: an
// authorized shutdown_request must set state.Stopped so Run's loop
// terminates.
func TestClassifyOneShutdownStopsWorker(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")

	cr, err := l.control.Create(ctx, control.CreateInput{RequestID: "req-1", Room: "main", ReqType: fabric.CtlShutdown, Sender: "lead", Recipient: "worker-1", Body: "stop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "lead", Recipient: "worker-1", Kind: fabric.CtlShutdown.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID}},
	}

	l.classifyOne(ctx, e)

	if !l.state.Stopped {
		t.Fatal("expected an authorized shutdown_request to set state.Stopped")
	}
}

// TestClassifyOneModeSetUpdatesPermissionMode grounds the maintainer
// fix: an authorized mode_set_request must apply the requested mode.
func TestClassifyOneModeSetUpdatesPermissionMode(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")

	cr, err := l.control.Create(ctx, control.CreateInput{RequestID: "req-2", Room: "main", ReqType: fabric.CtlModeSet, Sender: "lead", Recipient: "worker-1", Body: "switch"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "lead", Recipient: "worker-1", Kind: fabric.CtlModeSet.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID, "mode": "plan"}},
	}

	l.classifyOne(ctx, e)

	if l.cfg.PermissionMode != "plan" {
		t.Fatalf("PermissionMode = %q, want plan", l.cfg.PermissionMode)
	}
}

func TestClassifyOneRejectsUnauthorizedShutdown(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")

	cr, err := l.control.Create(ctx, control.CreateInput{RequestID: "req-evil", Room: "main", ReqType: fabric.CtlShutdown, Sender: "worker-2", Recipient: "worker-1", Body: "stop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "worker-2", Recipient: "worker-1", Kind: fabric.CtlShutdown.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID}},
	}

	l.classifyOne(ctx, e)

	if l.state.Stopped {
		t.Fatal("unauthorized shutdown_request must not set state.Stopped")
	}
}

// TestFanOutCollaborationMirrorsHub grounds spec §4.4's "identical to
// the hub's" collaboration fan-out contract.
func TestFanOutCollaborationMirrorsHub(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")
	l.state.CollabTargets["worker-2"] = map[fabric.Kind]bool{fabric.KindQuestion: true}

	l.fanOutCollaboration(ctx, false)

	entries, err := l.mail.FetchInbox(ctx, "main", "worker-2", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.Kind != fabric.KindAnswer {
		t.Fatalf("expected one answer item (accumulated kind included a question), got %+v", entries)
	}
	if len(l.state.CollabTargets) != 0 {
		t.Fatalf("CollabTargets not reset: %+v", l.state.CollabTargets)
	}
}

func TestFanOutCollaborationSkipsSelfAndNonLeadSkipsLead(t *testing.T) {
	ctx := context.Background()
	l := newTestLoop(t, "worker-1", "lead")
	l.state.CollabTargets["worker-1"] = map[fabric.Kind]bool{fabric.KindNote: true}
	l.state.CollabTargets["lead"] = map[fabric.Kind]bool{fabric.KindNote: true}

	l.fanOutCollaboration(ctx, false)

	leadEntries, err := l.mail.FetchInbox(ctx, "main", "lead", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox(lead): %v", err)
	}
	if len(leadEntries) != 0 {
		t.Fatalf("a non-lead worker must not fan out a collab update to the lead, got %+v", leadEntries)
	}
}
