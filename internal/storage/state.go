package storage

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/codex-teams/fabric/internal/fabric"
)

// StateBlobStore is the filesystem mirror of the State Blob,
// `state.json` (spec §6), holding per-session team context, the inbox
// replay queue, the permission request queue, queued nudges, and the
// mute/auto-kill flags consumed by the Pane Bridge.
type StateBlobStore struct {
	path string
	lock string
}

func NewStateBlobStore(sessionDir string) *StateBlobStore {
	return &StateBlobStore{
		path: filepath.Join(sessionDir, "state.json"),
		lock: filepath.Join(sessionDir, "state.json.lock"),
	}
}

func (s *StateBlobStore) withLock(fn func(*fabric.StateBlob) error) error {
	fl := flock.New(s.lock)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	sb := &fabric.StateBlob{}
	if err := readJSON(s.path, sb); err != nil {
		return err
	}
	if err := fn(sb); err != nil {
		return err
	}
	return writeJSONAtomic(s.path, sb)
}

// Get returns the current state blob (zero value if none written yet).
func (s *StateBlobStore) Get() (fabric.StateBlob, error) {
	sb := &fabric.StateBlob{}
	if err := readJSON(s.path, sb); err != nil {
		return fabric.StateBlob{}, err
	}
	return *sb, nil
}

// SetContext overwrites the Team context (self/lead/teammates).
func (s *StateBlobStore) SetContext(ctx fabric.TeamContext) error {
	return s.withLock(func(sb *fabric.StateBlob) error {
		sb.Team = ctx
		return nil
	})
}

// ClearContext resets the Team context to its zero value.
func (s *StateBlobStore) ClearContext() error {
	return s.withLock(func(sb *fabric.StateBlob) error {
		sb.Team = fabric.TeamContext{}
		return nil
	})
}

// EnqueueNudge appends a queued nudge for best-effort delivery at the
// recipient's next turn boundary (SPEC_FULL.md supplemented feature #4).
func (s *StateBlobStore) EnqueueNudge(n fabric.QueuedNudge) error {
	return s.withLock(func(sb *fabric.StateBlob) error {
		sb.QueuedNudges = append(sb.QueuedNudges, n)
		return nil
	})
}

// DrainNudges removes and returns all queued nudges.
func (s *StateBlobStore) DrainNudges() ([]fabric.QueuedNudge, error) {
	var drained []fabric.QueuedNudge
	err := s.withLock(func(sb *fabric.StateBlob) error {
		drained = sb.QueuedNudges
		sb.QueuedNudges = nil
		return nil
	})
	return drained, err
}

// SetMuted toggles the DND flag (SPEC_FULL.md supplemented feature #3).
func (s *StateBlobStore) SetMuted(muted bool) error {
	return s.withLock(func(sb *fabric.StateBlob) error {
		sb.Muted = muted
		return nil
	})
}
