// Package control implements the Control Lifecycle from spec §4.2: a
// control request is a transactional bundle of one Control Table row
// plus one mailbox message of kind "<type>_request", and its
// authorization rules.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

// Lifecycle couples the Room Log's control_requests table with the
// Mail Fabric so that request creation and response publish as a
// single caller-visible effect.
type Lifecycle struct {
	log  *storage.RoomLog
	mail *mail.Fabric
	now  func() time.Time
}

func New(log *storage.RoomLog, m *mail.Fabric) *Lifecycle {
	return &Lifecycle{log: log, mail: m, now: time.Now}
}

func (l *Lifecycle) nowString() string {
	return l.now().UTC().Format("2006-01-02T15:04:05Z")
}

// GenerateID returns a 12-hex control request token, grounded on the
// teacher's short-id generation for mail/control envelopes.
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// CreateInput describes a new control request.
type CreateInput struct {
	RequestID string // optional; generated if empty
	Room      string
	ReqType   fabric.CtlType
	Sender    string
	Recipient string
	Body      string
	Summary   string
}

// Create inserts a pending Control Request row and emits the paired
// "<type>_request" mailbox message, both against the same Room Log
// connection so a caller never observes one without the other.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (fabric.ControlRequest, error) {
	if !in.ReqType.Valid() {
		return fabric.ControlRequest{}, fmt.Errorf("control: unknown request type %q", in.ReqType)
	}
	id := in.RequestID
	if id == "" {
		id = GenerateID()
	}

	now := l.nowString()
	cr := fabric.ControlRequest{
		RequestID: id,
		Room:      in.Room,
		ReqType:   in.ReqType,
		Sender:    in.Sender,
		Recipient: in.Recipient,
		Body:      in.Body,
		Summary:   in.Summary,
		Status:    fabric.ControlPending,
		CreatedTs: now,
		UpdatedTs: now,
	}

	if err := l.log.CreateControlRequest(ctx, cr); err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("creating control request: %w", err)
	}

	_, err := l.mail.Send(ctx, mail.SendInput{
		Room:      in.Room,
		Sender:    in.Sender,
		Recipient: in.Recipient,
		Kind:      in.ReqType.RequestKind(),
		Body:      in.Body,
		Meta: map[string]any{
			"request_id": id,
			"req_type":   string(in.ReqType),
			"summary":    in.Summary,
		},
	})
	if err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("emitting request message: %w", err)
	}
	return cr, nil
}

// RespondInput describes a response to a pending control request.
type RespondInput struct {
	RequestID    string
	Responder    string
	Approve      bool
	ResponseBody string
	// RecipientOverride sends the response to someone other than the
	// original sender (spec §4.2 "caller-supplied override").
	RecipientOverride string
}

// Respond resolves a pending request to approved/rejected and emits
// the paired "<type>_response" message to the original sender (or the
// override), carrying {request_id, req_type, approve, state} in meta.
func (l *Lifecycle) Respond(ctx context.Context, in RespondInput) (fabric.ControlRequest, error) {
	cr, err := l.log.GetControlRequest(ctx, in.RequestID)
	if err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("control: request %s not found: %w", in.RequestID, err)
	}
	if cr.Status != fabric.ControlPending {
		return fabric.ControlRequest{}, fmt.Errorf("control: request %s already resolved (%s)", in.RequestID, cr.Status)
	}

	status := fabric.ControlRejected
	if in.Approve {
		status = fabric.ControlApproved
	}
	now := l.nowString()

	if err := l.log.ResolveControlRequest(ctx, in.RequestID, status, in.ResponseBody, now); err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("resolving control request: %w", err)
	}
	cr.Status = status
	cr.Responder = in.Responder
	cr.ResponseBody = in.ResponseBody
	cr.UpdatedTs = now

	recipient := cr.Sender
	if in.RecipientOverride != "" {
		recipient = in.RecipientOverride
	}

	_, err = l.mail.Send(ctx, mail.SendInput{
		Room:      cr.Room,
		Sender:    in.Responder,
		Recipient: recipient,
		Kind:      cr.ReqType.ResponseKind(),
		Body:      in.ResponseBody,
		Meta: map[string]any{
			"request_id": cr.RequestID,
			"req_type":   string(cr.ReqType),
			"approve":    in.Approve,
			"state":      string(status),
		},
	})
	if err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("emitting response message: %w", err)
	}
	return cr, nil
}

// Lookup loads a single control request by id, used by consumers to
// authorize an incoming "<type>_request" mailbox message before
// responding.
func (l *Lifecycle) Lookup(ctx context.Context, requestID string) (fabric.ControlRequest, error) {
	return l.log.GetControlRequest(ctx, requestID)
}

// ListPending returns pending requests for recipient in room, ordered
// by created_ts ascending. recipient == "" lists across all recipients
// (the --all-status CLI flag).
func (l *Lifecycle) ListPending(ctx context.Context, room, recipient string) ([]fabric.ControlRequest, error) {
	if recipient != "" {
		return l.log.ListPendingControlRequests(ctx, room, recipient)
	}
	return l.log.ListPendingControlRequestsForRoom(ctx, room)
}
