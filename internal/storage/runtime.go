package storage

import (
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-teams/fabric/internal/fabric"
)

// RuntimeTableStore is the filesystem mirror of the Runtime Table,
// `runtime.json` (spec §6), tracking each agent's backing process or
// pane for the hub, worker and pane-bridge to discover and probe.
type RuntimeTableStore struct {
	path string
	lock string
}

func NewRuntimeTableStore(sessionDir string) *RuntimeTableStore {
	return &RuntimeTableStore{
		path: filepath.Join(sessionDir, "runtime.json"),
		lock: filepath.Join(sessionDir, "runtime.json.lock"),
	}
}

func (s *RuntimeTableStore) withLock(fn func(*fabric.RuntimeTable) error) error {
	fl := flock.New(s.lock)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	rt := &fabric.RuntimeTable{Agents: map[string]fabric.RuntimeRecord{}}
	if err := readJSON(s.path, rt); err != nil {
		return err
	}
	if rt.Agents == nil {
		rt.Agents = map[string]fabric.RuntimeRecord{}
	}
	if err := fn(rt); err != nil {
		return err
	}
	rt.UpdatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	return writeJSONAtomic(s.path, rt)
}

// Set records or replaces an agent's runtime record.
func (s *RuntimeTableStore) Set(rec fabric.RuntimeRecord) error {
	return s.withLock(func(rt *fabric.RuntimeTable) error {
		rt.Agents[rec.Agent] = rec
		return nil
	})
}

// Mark updates only the status (and updated_at) of an existing record,
// used for terminate transitions where PID/pane stay for forensics.
func (s *RuntimeTableStore) Mark(agent string, status fabric.RuntimeStatus) error {
	return s.withLock(func(rt *fabric.RuntimeTable) error {
		rec, ok := rt.Agents[agent]
		if !ok {
			return ErrUnknownRecipient
		}
		rec.Status = status
		rec.UpdatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
		rt.Agents[agent] = rec
		return nil
	})
}

// List returns every runtime record, optionally filtered to a status.
func (s *RuntimeTableStore) List(status fabric.RuntimeStatus) ([]fabric.RuntimeRecord, error) {
	rt := &fabric.RuntimeTable{}
	if err := readJSON(s.path, rt); err != nil {
		return nil, err
	}
	var out []fabric.RuntimeRecord
	for _, rec := range rt.Agents {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns a single agent's runtime record.
func (s *RuntimeTableStore) Get(agent string) (fabric.RuntimeRecord, bool, error) {
	rt := &fabric.RuntimeTable{}
	if err := readJSON(s.path, rt); err != nil {
		return fabric.RuntimeRecord{}, false, err
	}
	rec, ok := rt.Agents[agent]
	return rec, ok, nil
}

// Remove deletes an agent's runtime record entirely, used after a
// runtime-kill has been confirmed and forensics are no longer needed.
func (s *RuntimeTableStore) Remove(agent string) error {
	return s.withLock(func(rt *fabric.RuntimeTable) error {
		delete(rt.Agents, agent)
		return nil
	})
}
