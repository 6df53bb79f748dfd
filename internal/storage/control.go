package storage

import (
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-teams/fabric/internal/fabric"
)

// ControlTableStore is the filesystem mirror of the Control Table,
// `control.json` (spec §6), used by the Filesystem CLI surface. The
// Bus surface talks to RoomLog's control_requests table directly;
// both stores enforce the same pending→approved/rejected transition.
type ControlTableStore struct {
	path string
	lock string
}

func NewControlTableStore(sessionDir string) *ControlTableStore {
	return &ControlTableStore{
		path: filepath.Join(sessionDir, "control.json"),
		lock: filepath.Join(sessionDir, "control.json.lock"),
	}
}

func (s *ControlTableStore) withLock(fn func(*fabric.ControlTable) error) error {
	fl := flock.New(s.lock)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	ct := &fabric.ControlTable{Requests: map[string]fabric.ControlRequest{}}
	if err := readJSON(s.path, ct); err != nil {
		return err
	}
	if ct.Requests == nil {
		ct.Requests = map[string]fabric.ControlRequest{}
	}
	if err := fn(ct); err != nil {
		return err
	}
	ct.UpdatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	return writeJSONAtomic(s.path, ct)
}

// Create inserts a new pending request, failing with ErrDuplicateRequest
// if the id is already present (spec §7 Conflict error).
func (s *ControlTableStore) Create(cr fabric.ControlRequest) error {
	return s.withLock(func(ct *fabric.ControlTable) error {
		if _, exists := ct.Requests[cr.RequestID]; exists {
			return ErrDuplicateRequest
		}
		ct.Requests[cr.RequestID] = cr
		return nil
	})
}

// Resolve transitions a pending request to approved/rejected. Returns
// ErrRequestNotFound or ErrRequestAlreadyResolved on conflict.
func (s *ControlTableStore) Resolve(requestID string, status fabric.ControlStatus, responder, responseBody string) (fabric.ControlRequest, error) {
	var resolved fabric.ControlRequest
	err := s.withLock(func(ct *fabric.ControlTable) error {
		cr, ok := ct.Requests[requestID]
		if !ok {
			return ErrRequestNotFound
		}
		if cr.Status != fabric.ControlPending {
			return ErrRequestAlreadyResolved
		}
		cr.Status = status
		cr.Responder = responder
		cr.ResponseBody = responseBody
		cr.UpdatedTs = time.Now().UTC().Format("2006-01-02T15:04:05Z")
		ct.Requests[requestID] = cr
		resolved = cr
		return nil
	})
	return resolved, err
}

// Get loads a single control request by id.
func (s *ControlTableStore) Get(requestID string) (fabric.ControlRequest, bool, error) {
	ct := &fabric.ControlTable{}
	if err := readJSON(s.path, ct); err != nil {
		return fabric.ControlRequest{}, false, err
	}
	cr, ok := ct.Requests[requestID]
	return cr, ok, nil
}

// ListPending returns every pending request for recipient in room,
// optionally across all recipients when recipient == "" (the
// --all-status CLI flag).
func (s *ControlTableStore) ListPending(room, recipient string) ([]fabric.ControlRequest, error) {
	ct := &fabric.ControlTable{}
	if err := readJSON(s.path, ct); err != nil {
		return nil, err
	}
	var out []fabric.ControlRequest
	for _, cr := range ct.Requests {
		if cr.Status != fabric.ControlPending {
			continue
		}
		if room != "" && cr.Room != room {
			continue
		}
		if recipient != "" && cr.Recipient != recipient {
			continue
		}
		out = append(out, cr)
	}
	return out, nil
}
