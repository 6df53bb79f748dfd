package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-teams/fabric/internal/fabric"
)

// MailboxStore implements the per-recipient JSON mailbox named in spec
// §6 (`inboxes/<agent>.json`). Every read-modify-write sequence holds
// an exclusive `flock` on the file for the duration of the operation,
// matching spec §5's "exclusive lock on open; atomic write-and-rename
// of the file on close" shared-resource policy.
type MailboxStore struct {
	dir string // <session>/inboxes
}

// NewMailboxStore creates a mailbox store rooted at <sessionDir>/inboxes.
func NewMailboxStore(sessionDir string) *MailboxStore {
	return &MailboxStore{dir: filepath.Join(sessionDir, "inboxes")}
}

type mailboxFile struct {
	Agent    string               `json:"agent"`
	Counters map[string]int64     `json:"counters"` // room -> next mailbox_id
	Messages []fabric.MailItem    `json:"messages"`
}

func (s *MailboxStore) path(agent string) string {
	return filepath.Join(s.dir, agent+".json")
}

func (s *MailboxStore) lockPath(agent string) string {
	return s.path(agent) + ".lock"
}

// withLock acquires an exclusive lock scoped to agent's mailbox file,
// loads its current contents, runs fn, and atomically persists
// whatever fn left in *mailboxFile (unless fn returns an error, in
// which case nothing is written).
func (s *MailboxStore) withLock(agent string, fn func(*mailboxFile) error) error {
	fl := flock.New(s.lockPath(agent))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking mailbox for %s: %w", agent, err)
	}
	defer func() { _ = fl.Unlock() }()

	mf := &mailboxFile{Agent: agent, Counters: map[string]int64{}}
	if err := readJSON(s.path(agent), mf); err != nil {
		return err
	}
	if mf.Counters == nil {
		mf.Counters = map[string]int64{}
	}

	if err := fn(mf); err != nil {
		return err
	}

	return writeJSONAtomic(s.path(agent), mf)
}

// Append creates a new unread Mail Item for agent referencing
// messageID, returning the freshly assigned mailbox_id. The counter is
// scoped per (room, recipient) per spec §3.
func (s *MailboxStore) Append(room, agent string, messageID int64, now time.Time) (int64, error) {
	var assigned int64
	err := s.withLock(agent, func(mf *mailboxFile) error {
		next := mf.Counters[room]
		assigned = next
		mf.Counters[room] = next + 1
		mf.Messages = append(mf.Messages, fabric.MailItem{
			MailboxID: assigned,
			MessageID: messageID,
			Room:      room,
			Recipient: agent,
			State:     fabric.MailStateUnread,
			CreatedTs: now.UTC().Format("2006-01-02T15:04:05Z"),
		})
		return nil
	})
	return assigned, err
}

// AppendMessage is Append's self-contained counterpart, used by the
// Filesystem CLI surface which has no Room Log to join against: msg is
// embedded directly into the stored Mail Item (spec §6's mailbox
// message JSON schema is self-contained, unlike the Bus surface's
// row-id reference).
func (s *MailboxStore) AppendMessage(room, agent string, msg fabric.Message, now time.Time) (int64, error) {
	var assigned int64
	err := s.withLock(agent, func(mf *mailboxFile) error {
		next := mf.Counters[room]
		assigned = next
		mf.Counters[room] = next + 1
		msg.ID = assigned
		msg.Room = room
		msg.Recipient = agent
		mf.Messages = append(mf.Messages, fabric.MailItem{
			MailboxID: assigned,
			MessageID: assigned,
			Room:      room,
			Recipient: agent,
			State:     fabric.MailStateUnread,
			CreatedTs: now.UTC().Format("2006-01-02T15:04:05Z"),
			Message:   &msg,
		})
		return nil
	})
	return assigned, err
}

// FetchInbox returns a copy of agent's Mail Items for room, ordered by
// mailbox_id ascending, optionally filtered to unread-only and/or
// those with mailbox_id >= sinceMailboxID, capped at limit (0 = no
// cap). The Message field is only populated for items written through
// AppendMessage; items written through Append carry a bare MessageID
// for the caller to join against the Room Log.
func (s *MailboxStore) FetchInbox(room, agent string, unreadOnly bool, sinceMailboxID int64, limit int) ([]fabric.MailItem, error) {
	mf := &mailboxFile{}
	if err := readJSON(s.path(agent), mf); err != nil {
		return nil, err
	}

	var out []fabric.MailItem
	for _, item := range mf.Messages {
		if item.Room != room {
			continue
		}
		if item.MailboxID < sinceMailboxID {
			continue
		}
		if unreadOnly && item.State != fabric.MailStateUnread {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MailboxID < out[j].MailboxID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReadFilter selects which Mail Items a MarkRead call transitions.
// Exactly one of MailboxIDs, UpToMailboxID (pointer, inclusive) or All
// should be set by the caller; zero-value means "match nothing" for
// MailboxIDs/UpToMailboxID.
type MarkReadFilter struct {
	Room         string
	MailboxIDs   []int64
	UpToMailboxID *int64
	All          bool
}

// MarkRead transitions matching unread Mail Items to read, returning
// the count actually changed. It is idempotent: re-applying the same
// filter after a successful call reports zero (spec §8 property 3).
func (s *MailboxStore) MarkRead(agent string, filter MarkReadFilter, now time.Time) (int, error) {
	want := make(map[int64]bool, len(filter.MailboxIDs))
	for _, id := range filter.MailboxIDs {
		want[id] = true
	}

	count := 0
	err := s.withLock(agent, func(mf *mailboxFile) error {
		ts := now.UTC().Format("2006-01-02T15:04:05Z")
		for i := range mf.Messages {
			item := &mf.Messages[i]
			if item.Room != filter.Room {
				continue
			}
			if item.State != fabric.MailStateUnread {
				continue
			}
			matches := filter.All
			if !matches && want[item.MailboxID] {
				matches = true
			}
			if !matches && filter.UpToMailboxID != nil && item.MailboxID <= *filter.UpToMailboxID {
				matches = true
			}
			if !matches {
				continue
			}
			item.State = fabric.MailStateRead
			item.ReadTs = ts
			count++
		}
		return nil
	})
	return count, err
}

// MentionToken returns an opaque integer that changes whenever agent
// gains a new unread Mail Item in room, per spec §4.1:
// max(mailbox_id) XOR unread_count. Consumers must treat any change as
// "re-scan" and must not read semantic meaning into the value.
func (s *MailboxStore) MentionToken(room, agent string) (int64, error) {
	mf := &mailboxFile{}
	if err := readJSON(s.path(agent), mf); err != nil {
		return 0, err
	}

	var maxID int64 = -1
	var unread int64
	for _, item := range mf.Messages {
		if item.Room != room {
			continue
		}
		if item.MailboxID > maxID {
			maxID = item.MailboxID
		}
		if item.State == fabric.MailStateUnread {
			unread++
		}
	}
	return maxID ^ unread, nil
}

// ProbeOlderUnread reports whether agent has any unread Mail Item in
// room with mailbox_id strictly less than scanIndex, returning the
// smallest such index. It is the filesystem mailbox's counterpart of
// the hub's partial-ack recovery probe (spec §4.3a), which the hub runs
// against the Room Log instead.
func (s *MailboxStore) ProbeOlderUnread(room, agent string, scanIndex int64) (int64, bool, error) {
	mf := &mailboxFile{}
	if err := readJSON(s.path(agent), mf); err != nil {
		return 0, false, err
	}

	found := false
	var min int64
	for _, item := range mf.Messages {
		if item.Room != room || item.State != fabric.MailStateUnread {
			continue
		}
		if item.MailboxID >= scanIndex {
			continue
		}
		if !found || item.MailboxID < min {
			min = item.MailboxID
			found = true
		}
	}
	return min, found, nil
}
