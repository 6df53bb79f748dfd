package hub

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

type testFixture struct {
	hub     *Hub
	mail    *mail.Fabric
	control *control.Lifecycle
}

func newTestFixture(t *testing.T, leadName string, workers []*WorkerState) *testFixture {
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

	h := New(Config{Room: "main"}, m, ctl, rt, logger, workers, leadName)
	return &testFixture{hub: h, mail: m, control: ctl}
}

func newLeadWorkerFixture(t *testing.T) (*testFixture, *WorkerState, *WorkerState) {
	t.Helper()
	lead := NewWorkerState("lead", "main", fabric.RoleLead, true)
	w1 := NewWorkerState("worker-1", "main", fabric.RoleWorker, false)
	fx := newTestFixture(t, "lead", []*WorkerState{lead, w1})
	return fx, lead, w1
}

// TestClassifyOneEnqueuesActionableAndAccumulatesCollabTargets grounds
// spec §4.3c (actionable enqueue) and §4.3e's accumulated-source-kinds
// fan-out input.
func TestClassifyOneEnqueuesActionableAndAccumulatesCollabTargets(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)

	res, err := fx.mail.Send(ctx, mail.SendInput{Room: "main", Sender: "worker-2", Recipient: "worker-1", Kind: fabric.KindQuestion, Body: "what next?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, err := fx.mail.FetchInbox(ctx, "main", "worker-1", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	fx.hub.classifyOne(ctx, w1, entries[0])

	if len(w1.PromptQueue) != 1 {
		t.Fatalf("PromptQueue = %+v, want 1 entry", w1.PromptQueue)
	}
	if !w1.InFlight[entries[0].Item.MailboxID] {
		t.Fatal("expected the enqueued mailbox index to be marked in-flight")
	}
	if !w1.CollabTargets["worker-2"][fabric.KindQuestion] {
		t.Fatal("expected worker-2/question to be accumulated into CollabTargets")
	}
	_ = res
}

// TestHandleControlRequestShutdownStopsWorker grounds the maintainer
// fix: an authorized shutdown_request must both approve and set
// Stopped so the hub's Run loop actually skips this worker.
func TestHandleControlRequestShutdownStopsWorker(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)

	cr, err := fx.control.Create(ctx, control.CreateInput{RequestID: "req-1", Room: "main", ReqType: fabric.CtlShutdown, Sender: "lead", Recipient: "worker-1", Body: "stop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "lead", Recipient: "worker-1", Kind: fabric.CtlShutdown.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID}},
	}

	fx.hub.handleControlRequest(ctx, w1, e, fabric.CtlShutdown)

	if !w1.Stopped {
		t.Fatal("expected an authorized shutdown_request to set Stopped")
	}
	resolved, err := fx.control.Lookup(ctx, "req-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved.Status != fabric.ControlApproved {
		t.Fatalf("Status = %s, want approved", resolved.Status)
	}
}

// TestHandleControlRequestModeSetUpdatesPermissionMode grounds the
// maintainer fix for mode_set: the requested mode must actually be
// applied to the worker state, not just approved.
func TestHandleControlRequestModeSetUpdatesPermissionMode(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)
	w1.PermissionMode = "default"

	cr, err := fx.control.Create(ctx, control.CreateInput{RequestID: "req-2", Room: "main", ReqType: fabric.CtlModeSet, Sender: "lead", Recipient: "worker-1", Body: "switch"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "lead", Recipient: "worker-1", Kind: fabric.CtlModeSet.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID, "mode": "plan"}},
	}

	fx.hub.handleControlRequest(ctx, w1, e, fabric.CtlModeSet)

	if w1.PermissionMode != "plan" {
		t.Fatalf("PermissionMode = %q, want plan", w1.PermissionMode)
	}
}

// TestHandleControlRequestRejectsUnauthorizedShutdown grounds spec §8
// S3: an unauthorized shutdown request from a non-lead sender must not
// set the worker's stop flag.
func TestHandleControlRequestRejectsUnauthorizedShutdown(t *testing.T) {
	ctx := context.Background()
	lead := NewWorkerState("lead", "main", fabric.RoleLead, true)
	w1 := NewWorkerState("worker-1", "main", fabric.RoleWorker, false)
	w2 := NewWorkerState("worker-2", "main", fabric.RoleWorker, false)
	fx := newTestFixture(t, "lead", []*WorkerState{lead, w1, w2})

	cr, err := fx.control.Create(ctx, control.CreateInput{RequestID: "req-evil", Room: "main", ReqType: fabric.CtlShutdown, Sender: "worker-2", Recipient: "worker-1", Body: "stop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e := mail.InboxEntry{
		Item:    fabric.MailItem{MailboxID: 0},
		Message: fabric.Message{Sender: "worker-2", Recipient: "worker-1", Kind: fabric.CtlShutdown.RequestKind(), Meta: map[string]any{"request_id": cr.RequestID}},
	}

	fx.hub.handleControlRequest(ctx, w1, e, fabric.CtlShutdown)

	if w1.Stopped {
		t.Fatal("unauthorized shutdown_request must not set Stopped")
	}
	resolved, err := fx.control.Lookup(ctx, "req-evil")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved.Status != fabric.ControlRejected {
		t.Fatalf("Status = %s, want rejected", resolved.Status)
	}
}

// TestFanOutCollaborationSendsNoteAndResets grounds spec §4.3e: every
// accumulated peer gets exactly one update, and CollabTargets resets
// afterward.
func TestFanOutCollaborationSendsNoteAndResets(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)
	w1.CollabTargets["worker-2"] = map[fabric.Kind]bool{fabric.KindNote: true}

	fx.hub.fanOutCollaboration(ctx, w1, false)

	entries, err := fx.mail.FetchInbox(ctx, "main", "worker-2", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Message.Kind != fabric.KindNote {
		t.Fatalf("Kind = %s, want note for a non-question, non-failed run", entries[0].Message.Kind)
	}
	if len(w1.CollabTargets) != 0 {
		t.Fatalf("CollabTargets not reset: %+v", w1.CollabTargets)
	}
}

func TestFanOutCollaborationSendsBlockerOnFailure(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)
	w1.CollabTargets["worker-2"] = map[fabric.Kind]bool{fabric.KindTask: true}

	fx.hub.fanOutCollaboration(ctx, w1, true)

	entries, err := fx.mail.FetchInbox(ctx, "main", "worker-2", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.Kind != fabric.KindBlocker {
		t.Fatalf("expected one blocker item, got %+v", entries)
	}
}

// TestReviewReadyAnnouncedOnceWhenAllWorkersDone grounds spec §8
// property 7 / S6: review-ready (and the reviewer's trigger task) fires
// exactly once, only once every tracked worker is done.
func TestReviewReadyAnnouncedOnceWhenAllWorkersDone(t *testing.T) {
	ctx := context.Background()
	lead := NewWorkerState("lead", "main", fabric.RoleLead, true)
	w1 := NewWorkerState("worker-1", "main", fabric.RoleWorker, false)
	w2 := NewWorkerState("worker-2", "main", fabric.RoleWorker, false)
	reviewer := NewWorkerState("reviewer-1", "main", fabric.RoleReviewer, false)
	fx := newTestFixture(t, "lead", []*WorkerState{lead, w1, w2, reviewer})

	for _, worker := range []string{"worker-1", "worker-2"} {
		if _, err := fx.mail.Send(ctx, mail.SendInput{
			Room: "main", Sender: worker, Recipient: "lead", Kind: fabric.KindStatus, Body: "worker_result state=complete",
			Meta: map[string]any{"source": "worker-result", "state": "complete"},
		}); err != nil {
			t.Fatalf("Send(%s): %v", worker, err)
		}
	}

	if !fx.hub.aggregateLeadSide(ctx) {
		t.Fatal("expected aggregateLeadSide to report it did work")
	}

	reviewerEntries, err := fx.mail.FetchInbox(ctx, "main", "reviewer-1", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox(reviewer-1): %v", err)
	}
	var triggers int
	for _, e := range reviewerEntries {
		if s, _ := e.Message.Meta["summary"].(string); s == "review-round-trigger" {
			triggers++
		}
	}
	if triggers != 1 {
		t.Fatalf("review-round-trigger count = %d, want 1", triggers)
	}

	leadEntries, err := fx.mail.FetchInbox(ctx, "main", "lead", true, 0, 20)
	if err != nil {
		t.Fatalf("FetchInbox(lead): %v", err)
	}
	var ready int
	for _, e := range leadEntries {
		if s, _ := e.Message.Meta["summary"].(string); s == "review-ready" {
			ready++
		}
	}
	if ready != 1 {
		t.Fatalf("review-ready mailbox count = %d, want 1", ready)
	}

	// A second aggregateLeadSide pass with no new mail must not
	// re-announce (spec §8 property 7: "at most once per hub lifetime").
	if fx.hub.aggregateLeadSide(ctx) {
		t.Fatal("expected a second aggregateLeadSide call with no new mail to report no work")
	}
}

func TestAckIndexesClearsInFlight(t *testing.T) {
	ctx := context.Background()
	fx, _, w1 := newLeadWorkerFixture(t)

	if _, err := fx.mail.Send(ctx, mail.SendInput{Room: "main", Sender: "lead", Recipient: "worker-1", Kind: fabric.KindTask, Body: "do it"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w1.InFlight[1] = true

	fx.hub.ackIndexes(ctx, w1, []int64{1})

	if w1.InFlight[1] {
		t.Fatal("expected ackIndexes to clear the in-flight bit")
	}
	entries, err := fx.mail.FetchInbox(ctx, "main", "worker-1", true, 0, 10)
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the acked item to no longer be unread, got %+v", entries)
	}
}
