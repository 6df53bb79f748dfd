// Package config loads the read-only Team Config shapes the Hub uses
// to discover its worker set (spec §1, §3 "Team Config"), and, in
// team.go, holds TeamConfigStore, the writable store behind the
// Filesystem CLI surface's create, update and member-management
// commands. Grounded on the teacher's internal/config/loader.go
// load-validate-fall-back-to-defaults style.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/codex-teams/fabric/internal/fabric"
)

// ErrNotFound indicates the team config file does not exist.
var ErrNotFound = errors.New("team config not found")

// ErrMissingField indicates a required field is missing.
var ErrMissingField = errors.New("missing required field")

// Load reads and validates a Team Config file.
func Load(path string) (*fabric.TeamConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is from a trusted session directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading team config: %w", err)
	}

	var cfg fabric.TeamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing team config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants spec §3 requires of a Team
// Config: a team name, and every member carrying an agent id. A role
// may be empty; a non-empty role must be a known one.
func Validate(c *fabric.TeamConfig) error {
	if c.TeamName == "" {
		return fmt.Errorf("%w: teamName", ErrMissingField)
	}
	for i, m := range c.Members {
		if m.AgentID == "" {
			return fmt.Errorf("%w: members[%d].agentId", ErrMissingField, i)
		}
		if m.Role != "" && !m.Role.Valid() {
			return fmt.Errorf("team config: members[%d] has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Members returns the config's members in file order (the joined
// order spec §6's color palette assignment is keyed on).
func Members(c *fabric.TeamConfig) []fabric.TeamMember {
	return c.Members
}

// LeadName returns the resolved lead's agent id: the explicit
// LeadAgentID if set, else members[0] by convention (spec §3).
func LeadName(c *fabric.TeamConfig) (string, error) {
	lead := c.Lead()
	if lead == nil {
		return "", fmt.Errorf("team config: no members to resolve a lead from")
	}
	return lead.AgentID, nil
}
