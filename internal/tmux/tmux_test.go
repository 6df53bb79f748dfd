package tmux

import (
	"os/exec"
	"testing"
)

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

func TestValidateSessionName(t *testing.T) {
	if err := validateSessionName("room-a"); err != nil {
		t.Fatalf("validateSessionName(room-a): %v", err)
	}
	if err := validateSessionName(""); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := validateSessionName("room a"); err == nil {
		t.Fatal("expected error for name with a space")
	}
}

func TestHasSessionNoServer(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	tm := NewTmux()
	has, err := tm.HasSession("nonexistent-session-xyz")
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if has {
		t.Fatal("expected HasSession to report false for a session that was never created")
	}
}

func TestKillSessionNotFound(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	tm := NewTmux()
	err := tm.KillSession("nonexistent-session-xyz")
	if err == nil {
		t.Fatal("expected error killing a session that doesn't exist")
	}
}

func TestMatchesPromptPrefix(t *testing.T) {
	if !matchesPromptPrefix("> ", DefaultReadyPromptPrefix) {
		t.Fatal("expected exact prefix to match")
	}
	if !matchesPromptPrefix("> do the thing", DefaultReadyPromptPrefix) {
		t.Fatal("expected prefix-prepended line to match")
	}
	if matchesPromptPrefix("working...", DefaultReadyPromptPrefix) {
		t.Fatal("expected non-prompt line not to match")
	}
}

func TestWrapErrorClassifiesNoServer(t *testing.T) {
	tm := NewTmux()
	err := tm.wrapError(exec.ErrNotFound, "no server running on /tmp/tmux-0/default", []string{"has-session"})
	if err != ErrNoServer {
		t.Fatalf("wrapError = %v, want ErrNoServer", err)
	}
}
