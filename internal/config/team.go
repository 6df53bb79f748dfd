package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/storage"
)

// TeamConfigStore is the writable counterpart to Load: the Filesystem
// CLI surface's team-create/team-delete/member-add/member-remove/
// member-mode/member-batch-mode commands go through it rather than
// through the Hub's read-only Load path. Grounded on
// storage.ControlTableStore's flock-protected read-modify-write shape.
type TeamConfigStore struct {
	path string
	lock string
}

// NewTeamConfigStore opens the Team Config mirror at
// sessionDir/config.json (spec §6 "config.json and team.json (legacy
// mirror)").
func NewTeamConfigStore(sessionDir string) *TeamConfigStore {
	return &TeamConfigStore{
		path: filepath.Join(sessionDir, "config.json"),
		lock: filepath.Join(sessionDir, "config.json.lock"),
	}
}

func (s *TeamConfigStore) withLock(fn func(*fabric.TeamConfig) error) error {
	fl := flock.New(s.lock)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	cfg := &fabric.TeamConfig{}
	if err := storage.ReadJSON(s.path, cfg); err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UnixMilli()
	return storage.WriteJSONAtomic(s.path, cfg)
}

// Get returns the current Team Config (zero value if none written).
func (s *TeamConfigStore) Get() (fabric.TeamConfig, error) {
	cfg := &fabric.TeamConfig{}
	if err := storage.ReadJSON(s.path, cfg); err != nil {
		return fabric.TeamConfig{}, err
	}
	return *cfg, nil
}

// Create initializes a fresh Team Config, failing if one already
// exists at this path.
func (s *TeamConfigStore) Create(teamName, leadAgentID string) error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		if cfg.TeamName != "" {
			return fmt.Errorf("team config already exists: %s", cfg.TeamName)
		}
		cfg.TeamName = teamName
		cfg.LeadAgentID = leadAgentID
		cfg.CreatedAt = time.Now().UnixMilli()
		return nil
	})
}

// Delete clears every Team Config field; withLock then stamps
// UpdatedAt before writing it back.
func (s *TeamConfigStore) Delete() error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		*cfg = fabric.TeamConfig{}
		return nil
	})
}

// AddMember appends or replaces (by AgentID) a team member.
func (s *TeamConfigStore) AddMember(m fabric.TeamMember) error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		for i := range cfg.Members {
			if cfg.Members[i].AgentID == m.AgentID {
				cfg.Members[i] = m
				return nil
			}
		}
		cfg.Members = append(cfg.Members, m)
		return nil
	})
}

// RemoveMember deletes the member with the given agent id, if present.
func (s *TeamConfigStore) RemoveMember(agentID string) error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		out := cfg.Members[:0]
		for _, m := range cfg.Members {
			if m.AgentID != agentID {
				out = append(out, m)
			}
		}
		cfg.Members = out
		return nil
	})
}

// SetMode updates one member's permission mode.
func (s *TeamConfigStore) SetMode(agentID, mode string) error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		for i := range cfg.Members {
			if cfg.Members[i].AgentID == agentID {
				cfg.Members[i].Mode = mode
				return nil
			}
		}
		return fmt.Errorf("no such member: %s", agentID)
	})
}

// SetBatchMode updates every listed member's mode in one locked
// read-modify-write, so a concurrent reader never observes a
// partially-applied batch.
func (s *TeamConfigStore) SetBatchMode(agentIDs []string, mode string) error {
	return s.withLock(func(cfg *fabric.TeamConfig) error {
		want := make(map[string]bool, len(agentIDs))
		for _, id := range agentIDs {
			want[id] = true
		}
		for i := range cfg.Members {
			if want[cfg.Members[i].AgentID] {
				cfg.Members[i].Mode = mode
			}
		}
		return nil
	})
}
