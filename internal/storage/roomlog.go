package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/codex-teams/fabric/internal/fabric"
)

// RoomLog is the relational Room Log named in spec §6: a WAL-enabled
// embedded DB holding messages, members, mailbox and control_requests.
// It is the linearization point for every Mail Fabric write — a
// message is "sent" exactly when its messages row commits.
type RoomLog struct {
	db *sql.DB
}

// OpenRoomLog opens (creating if absent) the sqlite database at path,
// enables WAL journaling and foreign keys, and ensures the schema from
// spec §6 exists.
func OpenRoomLog(path string) (*RoomLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening room log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	rl := &RoomLog{db: db}
	if err := rl.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return rl, nil
}

func (r *RoomLog) Close() error {
	return r.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY ASC,
	ts        TEXT NOT NULL,
	room      TEXT NOT NULL,
	sender    TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind      TEXT NOT NULL,
	body      TEXT NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}',
	thread_id TEXT NOT NULL DEFAULT '',
	reply_to  TEXT NOT NULL DEFAULT '',
	cc_json   TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room, id);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_id ON messages(recipient, id);

CREATE TABLE IF NOT EXISTS members (
	room          TEXT NOT NULL,
	agent         TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'member',
	status        TEXT NOT NULL DEFAULT 'active',
	joined_ts     TEXT NOT NULL,
	last_seen_ts  TEXT NOT NULL,
	PRIMARY KEY (room, agent)
);
CREATE INDEX IF NOT EXISTS idx_members_room_role_status ON members(room, role, status);

CREATE TABLE IF NOT EXISTS mailbox (
	id         INTEGER PRIMARY KEY ASC,
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	room       TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'unread',
	created_ts TEXT NOT NULL,
	read_ts    TEXT
);
CREATE INDEX IF NOT EXISTS idx_mailbox_room_recipient_state_id ON mailbox(room, recipient, state, id);

CREATE TABLE IF NOT EXISTS control_requests (
	request_id    TEXT PRIMARY KEY,
	room          TEXT NOT NULL,
	req_type      TEXT NOT NULL,
	sender        TEXT NOT NULL,
	recipient     TEXT NOT NULL,
	body          TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_ts    TEXT NOT NULL,
	updated_ts    TEXT NOT NULL,
	response_body TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_control_room_recipient_status_created ON control_requests(room, recipient, status, created_ts);
`

func (r *RoomLog) migrate() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// InsertMessage commits m to the Room Log, assigning and returning its
// id. This call is the linearization point referenced by spec §4.1 and
// §8 property 1.
func (r *RoomLog) InsertMessage(ctx context.Context, m fabric.Message) (int64, error) {
	metaJSON, err := json.Marshal(m.Meta)
	if err != nil {
		return 0, fmt.Errorf("marshaling meta: %w", err)
	}
	ccJSON, err := json.Marshal(m.CC)
	if err != nil {
		return 0, fmt.Errorf("marshaling cc: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (ts, room, sender, recipient, kind, body, meta_json, thread_id, reply_to, cc_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Ts, m.Room, m.Sender, m.Recipient, string(m.Kind), m.Body, string(metaJSON), m.ThreadID, m.ReplyTo, string(ccJSON))
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	return id, nil
}

// FetchMessages returns the ordered subsequence of Messages in room
// strictly after sinceID, capped at limit, per spec §4.1. When
// includeAll is false, results are filtered to messages visible to
// viewer (recipient in {"all", viewer} or sender == viewer).
func (r *RoomLog) FetchMessages(ctx context.Context, room string, sinceID int64, viewer string, includeAll bool, limit int) ([]fabric.Message, error) {
	query := `SELECT id, ts, room, sender, recipient, kind, body, meta_json, thread_id, reply_to, cc_json
	          FROM messages WHERE room = ? AND id > ?`
	args := []any{room, sinceID}

	if !includeAll {
		query += ` AND (recipient = ? OR recipient = ? OR sender = ?)`
		args = append(args, fabric.RecipientAll, viewer, viewer)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []fabric.Message
	for rows.Next() {
		var m fabric.Message
		var kind, metaJSON, ccJSON string
		if err := rows.Scan(&m.ID, &m.Ts, &m.Room, &m.Sender, &m.Recipient, &kind, &m.Body, &metaJSON, &m.ThreadID, &m.ReplyTo, &ccJSON); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Kind = fabric.Kind(kind)
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
				return nil, fmt.Errorf("unmarshaling meta for message %d: %w", m.ID, err)
			}
		}
		if ccJSON != "" {
			if err := json.Unmarshal([]byte(ccJSON), &m.CC); err != nil {
				return nil, fmt.Errorf("unmarshaling cc for message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMember applies ApplyUpsert semantics against whatever row
// already exists for (room, agent), persisting the merged result.
func (r *RoomLog) UpsertMember(ctx context.Context, incoming fabric.Member) (fabric.Member, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT room, agent, role, status, joined_ts, last_seen_ts FROM members WHERE room = ? AND agent = ?`,
		incoming.Room, incoming.Agent)

	var existing fabric.Member
	var existsPtr *fabric.Member
	switch err := row.Scan(&existing.Room, &existing.Agent, &existing.Role, &existing.Status, &existing.JoinedTs, &existing.LastSeenTs); err {
	case nil:
		existsPtr = &existing
	case sql.ErrNoRows:
		existsPtr = nil
	default:
		return fabric.Member{}, fmt.Errorf("reading member: %w", err)
	}

	merged := fabric.ApplyUpsert(existsPtr, incoming)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO members (room, agent, role, status, joined_ts, last_seen_ts) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room, agent) DO UPDATE SET role=excluded.role, status=excluded.status,
		   joined_ts=excluded.joined_ts, last_seen_ts=excluded.last_seen_ts`,
		merged.Room, merged.Agent, string(merged.Role), string(merged.Status), merged.JoinedTs, merged.LastSeenTs)
	if err != nil {
		return fabric.Member{}, fmt.Errorf("upserting member: %w", err)
	}
	return merged, nil
}

// ActiveMembers returns active members of room other than exclude,
// ordered by agent name — the fan-out audience for a broadcast (spec
// §4.1's fan-out rule).
func (r *RoomLog) ActiveMembers(ctx context.Context, room, exclude string) ([]fabric.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT room, agent, role, status, joined_ts, last_seen_ts FROM members
		 WHERE room = ? AND status = ? AND agent != ? ORDER BY agent ASC`,
		room, string(fabric.StatusActive), exclude)
	if err != nil {
		return nil, fmt.Errorf("querying active members: %w", err)
	}
	defer rows.Close()

	var out []fabric.Member
	for rows.Next() {
		var m fabric.Member
		if err := rows.Scan(&m.Room, &m.Agent, &m.Role, &m.Status, &m.JoinedTs, &m.LastSeenTs); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Members returns every member row for room, in joined order
// (joined_ts then agent), used for color-palette index assignment.
func (r *RoomLog) Members(ctx context.Context, room string) ([]fabric.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT room, agent, role, status, joined_ts, last_seen_ts FROM members
		 WHERE room = ? ORDER BY joined_ts ASC, agent ASC`, room)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var out []fabric.Member
	for rows.Next() {
		var m fabric.Member
		if err := rows.Scan(&m.Room, &m.Agent, &m.Role, &m.Status, &m.JoinedTs, &m.LastSeenTs); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMailItem inserts one mailbox row referencing messageID,
// backing the Bus CLI surface's sqlite mailbox table (distinct from
// the Filesystem surface's JSON inboxes handled by MailboxStore).
// mailbox_id here is a single global sequence (the table's PK), not
// scoped per recipient.
func (r *RoomLog) InsertMailItem(ctx context.Context, room, recipient string, messageID int64, createdTs string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO mailbox (message_id, room, recipient, state, created_ts) VALUES (?, ?, ?, ?, ?)`,
		messageID, room, recipient, string(fabric.MailStateUnread), createdTs)
	if err != nil {
		return 0, fmt.Errorf("inserting mailbox item: %w", err)
	}
	return res.LastInsertId()
}

// FetchInbox returns recipient's mailbox rows in room ordered by id
// ascending, optionally unread-only and/or with id >= sinceMailboxID,
// capped at limit.
func (r *RoomLog) FetchInbox(ctx context.Context, room, recipient string, unreadOnly bool, sinceMailboxID int64, limit int) ([]fabric.MailItem, error) {
	query := `SELECT id, message_id, room, recipient, state, created_ts, COALESCE(read_ts, '') FROM mailbox
	          WHERE room = ? AND recipient = ? AND id >= ?`
	args := []any{room, recipient, sinceMailboxID}
	if unreadOnly {
		query += ` AND state = ?`
		args = append(args, string(fabric.MailStateUnread))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mailbox: %w", err)
	}
	defer rows.Close()

	var out []fabric.MailItem
	for rows.Next() {
		var item fabric.MailItem
		if err := rows.Scan(&item.MailboxID, &item.MessageID, &item.Room, &item.Recipient, &item.State, &item.CreatedTs, &item.ReadTs); err != nil {
			return nil, fmt.Errorf("scanning mailbox row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkRead transitions the listed mailbox ids (if non-empty) or, when
// ids is empty and upTo is non-nil, every unread item with id <= *upTo,
// to read for recipient in room. Returns the count changed.
func (r *RoomLog) MarkRead(ctx context.Context, room, recipient string, ids []int64, upTo *int64, readTs string) (int, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case len(ids) > 0:
		query := `UPDATE mailbox SET state = ?, read_ts = ? WHERE room = ? AND recipient = ? AND state = ? AND id IN (`
		args := []any{string(fabric.MailStateRead), readTs, room, recipient, string(fabric.MailStateUnread)}
		for i, id := range ids {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, id)
		}
		query += ")"
		res, err = r.db.ExecContext(ctx, query, args...)
	case upTo != nil:
		res, err = r.db.ExecContext(ctx,
			`UPDATE mailbox SET state = ?, read_ts = ? WHERE room = ? AND recipient = ? AND state = ? AND id <= ?`,
			string(fabric.MailStateRead), readTs, room, recipient, string(fabric.MailStateUnread), *upTo)
	default:
		res, err = r.db.ExecContext(ctx,
			`UPDATE mailbox SET state = ?, read_ts = ? WHERE room = ? AND recipient = ? AND state = ?`,
			string(fabric.MailStateRead), readTs, room, recipient, string(fabric.MailStateUnread))
	}
	if err != nil {
		return 0, fmt.Errorf("marking mailbox read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// MentionToken computes max(mailbox_id) XOR unread_count for
// recipient in room — spec §4.1's cheap poll signal.
func (r *RoomLog) MentionToken(ctx context.Context, room, recipient string) (int64, error) {
	var maxID sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM mailbox WHERE room = ? AND recipient = ?`, room, recipient).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("reading max mailbox id: %w", err)
	}
	var unread int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailbox WHERE room = ? AND recipient = ? AND state = ?`,
		room, recipient, string(fabric.MailStateUnread)).Scan(&unread); err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	id := int64(-1)
	if maxID.Valid {
		id = maxID.Int64
	}
	return id ^ unread, nil
}

// CreateControlRequest inserts a new pending Control Request row.
func (r *RoomLog) CreateControlRequest(ctx context.Context, cr fabric.ControlRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO control_requests (request_id, room, req_type, sender, recipient, body, status, created_ts, updated_ts, response_body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.RequestID, cr.Room, string(cr.ReqType), cr.Sender, cr.Recipient, cr.Body,
		string(cr.Status), cr.CreatedTs, cr.UpdatedTs, cr.ResponseBody)
	if err != nil {
		return fmt.Errorf("inserting control request: %w", err)
	}
	return nil
}

// GetControlRequest loads one control request by id.
func (r *RoomLog) GetControlRequest(ctx context.Context, requestID string) (fabric.ControlRequest, error) {
	var cr fabric.ControlRequest
	var reqType, status string
	err := r.db.QueryRowContext(ctx,
		`SELECT request_id, room, req_type, sender, recipient, body, status, created_ts, updated_ts, response_body
		 FROM control_requests WHERE request_id = ?`, requestID).
		Scan(&cr.RequestID, &cr.Room, &reqType, &cr.Sender, &cr.Recipient, &cr.Body, &status, &cr.CreatedTs, &cr.UpdatedTs, &cr.ResponseBody)
	if err != nil {
		return fabric.ControlRequest{}, fmt.Errorf("reading control request %s: %w", requestID, err)
	}
	cr.ReqType = fabric.CtlType(reqType)
	cr.Status = fabric.ControlStatus(status)
	return cr, nil
}

// ResolveControlRequest transitions a pending request to approved or
// rejected, recording the response body and updated timestamp,
// provided it is still pending. The responder is not stored: the
// control_requests table has no column for it. Returns sql.ErrNoRows if the request
// doesn't exist or is already resolved (callers report this as a
// Conflict error per spec §7).
func (r *RoomLog) ResolveControlRequest(ctx context.Context, requestID string, status fabric.ControlStatus, responseBody, updatedTs string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE control_requests SET status = ?, response_body = ?, updated_ts = ?
		 WHERE request_id = ? AND status = ?`,
		string(status), responseBody, updatedTs, requestID, string(fabric.ControlPending))
	if err != nil {
		return fmt.Errorf("resolving control request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListPendingControlRequests returns pending requests for recipient in
// room ordered by created_ts ascending.
func (r *RoomLog) ListPendingControlRequests(ctx context.Context, room, recipient string) ([]fabric.ControlRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, room, req_type, sender, recipient, body, status, created_ts, updated_ts, response_body
		 FROM control_requests WHERE room = ? AND recipient = ? AND status = ?
		 ORDER BY created_ts ASC`, room, recipient, string(fabric.ControlPending))
	if err != nil {
		return nil, fmt.Errorf("querying pending control requests: %w", err)
	}
	defer rows.Close()

	var out []fabric.ControlRequest
	for rows.Next() {
		var cr fabric.ControlRequest
		var reqType, status string
		if err := rows.Scan(&cr.RequestID, &cr.Room, &reqType, &cr.Sender, &cr.Recipient, &cr.Body, &status, &cr.CreatedTs, &cr.UpdatedTs, &cr.ResponseBody); err != nil {
			return nil, fmt.Errorf("scanning control request row: %w", err)
		}
		cr.ReqType = fabric.CtlType(reqType)
		cr.Status = fabric.ControlStatus(status)
		out = append(out, cr)
	}
	return out, rows.Err()
}

// GetMessage loads a single message by id, used to join Mail Items
// against their Message in fetch_inbox.
func (r *RoomLog) GetMessage(ctx context.Context, id int64) (fabric.Message, error) {
	var m fabric.Message
	var kind, metaJSON, ccJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, ts, room, sender, recipient, kind, body, meta_json, thread_id, reply_to, cc_json
		 FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.Ts, &m.Room, &m.Sender, &m.Recipient, &kind, &m.Body, &metaJSON, &m.ThreadID, &m.ReplyTo, &ccJSON)
	if err != nil {
		return fabric.Message{}, fmt.Errorf("reading message %d: %w", id, err)
	}
	m.Kind = fabric.Kind(kind)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
			return fabric.Message{}, fmt.Errorf("unmarshaling meta for message %d: %w", id, err)
		}
	}
	if ccJSON != "" {
		if err := json.Unmarshal([]byte(ccJSON), &m.CC); err != nil {
			return fabric.Message{}, fmt.Errorf("unmarshaling cc for message %d: %w", id, err)
		}
	}
	return m, nil
}

// ListPendingControlRequestsForRoom returns every pending request in
// room regardless of recipient, ordered by created_ts ascending (the
// --all-status CLI view).
func (r *RoomLog) ListPendingControlRequestsForRoom(ctx context.Context, room string) ([]fabric.ControlRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, room, req_type, sender, recipient, body, status, created_ts, updated_ts, response_body
		 FROM control_requests WHERE room = ? AND status = ?
		 ORDER BY created_ts ASC`, room, string(fabric.ControlPending))
	if err != nil {
		return nil, fmt.Errorf("querying pending control requests: %w", err)
	}
	defer rows.Close()

	var out []fabric.ControlRequest
	for rows.Next() {
		var cr fabric.ControlRequest
		var reqType, status string
		if err := rows.Scan(&cr.RequestID, &cr.Room, &reqType, &cr.Sender, &cr.Recipient, &cr.Body, &status, &cr.CreatedTs, &cr.UpdatedTs, &cr.ResponseBody); err != nil {
			return nil, fmt.Errorf("scanning control request row: %w", err)
		}
		cr.ReqType = fabric.CtlType(reqType)
		cr.Status = fabric.ControlStatus(status)
		out = append(out, cr)
	}
	return out, rows.Err()
}
