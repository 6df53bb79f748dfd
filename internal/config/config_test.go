package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/codex-teams/fabric/internal/fabric"
)

func writeConfig(t *testing.T, dir string, cfg fabric.TeamConfig) string {
	t.Helper()
	path := filepath.Join(dir, "team.json")
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected an error for a missing team config")
	}
}

func TestLoadValidatesTeamName(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fabric.TeamConfig{Members: []fabric.TeamMember{{AgentID: "lead@room"}}})
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing teamName")
	}
}

func TestLoadResolvesLeadByConvention(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fabric.TeamConfig{
		TeamName: "room-a",
		Members: []fabric.TeamMember{
			{AgentID: "lead@room-a", Role: fabric.RoleLead},
			{AgentID: "worker-1@room-a", Role: fabric.RoleWorker},
		},
	})
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lead, err := LeadName(cfg)
	if err != nil {
		t.Fatalf("LeadName: %v", err)
	}
	if lead != "lead@room-a" {
		t.Fatalf("LeadName = %q, want lead@room-a", lead)
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fabric.TeamConfig{
		TeamName: "room-a",
		Members:  []fabric.TeamMember{{AgentID: "x@room-a", Role: fabric.Role("wizard")}},
	})
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown role")
	}
}
