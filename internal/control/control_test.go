package control

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *mail.Fabric) {
	t.Helper()
	log, err := storage.OpenRoomLog(filepath.Join(t.TempDir(), "room.db"))
	if err != nil {
		t.Fatalf("OpenRoomLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	m := mail.New(log)
	return New(log, m), m
}

// TestControlApproveRoundTrip grounds spec §8 S2: a shutdown request
// from lead to worker-1, approved, yields exactly one shutdown_request
// in worker-1's mailbox and one shutdown_response in lead's, carrying
// the expected meta.
func TestControlApproveRoundTrip(t *testing.T) {
	ctx := context.Background()
	lc, m := newTestLifecycle(t)

	cr, err := lc.Create(ctx, CreateInput{
		RequestID: "req-a1b2", Room: "main", ReqType: fabric.CtlShutdown,
		Sender: "lead", Recipient: "worker-1", Body: "stop",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if authErr := Authorize(cr, "worker-1", "worker-1", "lead", ""); authErr != nil {
		t.Fatalf("Authorize: %v", authErr)
	}

	resolved, err := lc.Respond(ctx, RespondInput{RequestID: "req-a1b2", Responder: "worker-1", Approve: true, ResponseBody: "ok"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resolved.Status != fabric.ControlApproved {
		t.Fatalf("Status = %s, want approved", resolved.Status)
	}
	if resolved.Responder != "worker-1" {
		t.Fatalf("Responder = %s, want worker-1", resolved.Responder)
	}

	workerInbox, err := m.FetchInbox(ctx, "main", "worker-1", false, 0, 0)
	if err != nil {
		t.Fatalf("FetchInbox(worker-1): %v", err)
	}
	var requests int
	for _, e := range workerInbox {
		if e.Message.Kind == fabric.CtlShutdown.RequestKind() {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("worker-1 mailbox has %d shutdown_request items, want 1", requests)
	}

	leadInbox, err := m.FetchInbox(ctx, "main", "lead", false, 0, 0)
	if err != nil {
		t.Fatalf("FetchInbox(lead): %v", err)
	}
	var responses int
	for _, e := range leadInbox {
		if e.Message.Kind != fabric.CtlShutdown.ResponseKind() {
			continue
		}
		responses++
		if state, _ := e.Message.Meta["state"].(string); state != string(fabric.ControlApproved) {
			t.Fatalf("response meta.state = %q, want approved", state)
		}
		if reqID, _ := e.Message.Meta["request_id"].(string); reqID != "req-a1b2" {
			t.Fatalf("response meta.request_id = %q, want req-a1b2", reqID)
		}
	}
	if responses != 1 {
		t.Fatalf("lead mailbox has %d shutdown_response items, want 1", responses)
	}
}

// TestRespondOnNonPendingRequestFails grounds spec §8 property 5: a
// control request transitions pending -> {approved, rejected} at most
// once.
func TestRespondOnNonPendingRequestFails(t *testing.T) {
	ctx := context.Background()
	lc, _ := newTestLifecycle(t)

	if _, err := lc.Create(ctx, CreateInput{RequestID: "req-1", Room: "main", ReqType: fabric.CtlShutdown, Sender: "lead", Recipient: "worker-1", Body: "stop"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := lc.Respond(ctx, RespondInput{RequestID: "req-1", Responder: "worker-1", Approve: true, ResponseBody: "ok"}); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	if _, err := lc.Respond(ctx, RespondInput{RequestID: "req-1", Responder: "worker-1", Approve: false, ResponseBody: "too late"}); err == nil {
		t.Fatal("expected an error responding to an already-resolved request")
	}
}

// TestAuthorizeRejectsShutdownFromNonLead grounds spec §8 S3: an
// unauthorized shutdown request must be rejected and must never
// authorize the caller to set a stop flag.
func TestAuthorizeRejectsShutdownFromNonLead(t *testing.T) {
	ctx := context.Background()
	lc, _ := newTestLifecycle(t)

	cr, err := lc.Create(ctx, CreateInput{
		RequestID: "req-evil", Room: "main", ReqType: fabric.CtlShutdown,
		Sender: "worker-2", Recipient: "worker-1", Body: "stop",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = Authorize(cr, "worker-1", "worker-1", "lead", "")
	if err == nil {
		t.Fatal("expected Authorize to reject a shutdown_request not from the lead")
	}
	if _, ok := err.(*ErrUnauthorized); !ok {
		t.Fatalf("error = %T, want *ErrUnauthorized", err)
	}
}

func TestAuthorizeRejectsUnknownModeSetMode(t *testing.T) {
	cr := fabric.ControlRequest{ReqType: fabric.CtlModeSet, Sender: "lead", Recipient: "worker-1"}
	if err := Authorize(cr, "worker-1", "worker-1", "lead", "not-a-real-mode"); err == nil {
		t.Fatal("expected Authorize to reject an unknown mode_set target mode")
	}
}

func TestAuthorizeAllowsModeSetFromLeadWithValidMode(t *testing.T) {
	cr := fabric.ControlRequest{ReqType: fabric.CtlModeSet, Sender: "lead", Recipient: "worker-1"}
	if err := Authorize(cr, "worker-1", "worker-1", "lead", "plan"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
}
