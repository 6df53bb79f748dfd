package panebridge

import (
	"strings"
	"testing"

	"github.com/codex-teams/fabric/internal/fabric"
)

func msg(sender, recipient, summary, body string) fabric.Message {
	return fabric.Message{
		Sender: sender, Recipient: recipient, Kind: fabric.KindStatus,
		Body: body, Meta: map[string]any{"summary": summary},
	}
}

func TestIsDoneSignal(t *testing.T) {
	b := &Bridge{cfg: Config{LeadName: "lead"}}

	if !b.isDoneSignal(msg("worker-1", "lead", "task complete", ""), "lead") {
		t.Fatal("expected a worker-* status with a done token to be a done signal")
	}
	if b.isDoneSignal(msg("worker-1", "lead", "not done yet", ""), "lead") {
		t.Fatal("expected a negated done token not to match")
	}
	if b.isDoneSignal(msg("reviewer-1", "lead", "complete", ""), "lead") {
		t.Fatal("expected a non worker-* sender not to match")
	}
	if b.isDoneSignal(msg("worker-1", "someone-else", "complete", ""), "lead") {
		t.Fatal("expected a status addressed to someone other than the lead not to match")
	}
}

func TestRenderPromptTrimsBodyAndAddsEscalation(t *testing.T) {
	long := make([]byte, maxBodyChars+50)
	for i := range long {
		long[i] = 'x'
	}
	m := fabric.Message{Sender: "lead", Kind: fabric.KindQuestion, Body: string(long), Meta: map[string]any{"summary": "need input"}}

	out := renderPrompt("worker-1", m, "lead")
	if len(out) > maxBodyChars+400 {
		t.Fatalf("rendered prompt should trim the body, got %d chars", len(out))
	}
	if !strings.Contains(out, "Suggested reply kind: answer") {
		t.Fatalf("expected a question to suggest an answer reply, got: %s", out)
	}
	if !strings.Contains(out, "direct decision") {
		t.Fatal("expected a question to carry the escalation hint")
	}
}
