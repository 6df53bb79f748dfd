// Package panebridge implements the Pane Bridge consumer from spec
// §4.5: an alternate mailbox consumer that, instead of spawning an
// external agent process, injects a rendered prompt into a running
// interactive terminal-multiplexer pane. Grounded on the teacher's
// mail.Router.notifyRecipient idle-aware notification strategy,
// adapted from "nudge a busy session" to "write a full prompt into an
// idle one."
package panebridge

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
	"github.com/codex-teams/fabric/internal/tmux"
)

const maxBodyChars = 1000

// doneTokens are the summary substrings that mark a worker-status
// message as a done signal, per spec §4.5.
var doneTokens = []string{"done", "complete", "completed", "finish", "finished"}

var negatorRe = regexp.MustCompile(`(?i)\bnot\b`)

// Config carries the Pane Bridge's tuning knobs.
type Config struct {
	Room        string
	LeadName    string
	IdleTimeout time.Duration

	// InjectIdleTimeout bounds how long tick waits for the target pane
	// to reach its ready prompt before injecting. Defaults to 2s.
	InjectIdleTimeout time.Duration
}

// Bridge drives one Pane Bridge poll loop over every tmux-backed
// runtime record discovered for Room.
type Bridge struct {
	cfg     Config
	mail    *mail.Fabric
	runtime *storage.RuntimeTableStore
	tm      *tmux.Tmux
	logger  *log.Logger

	// stateFor resolves an agent's own State Blob store — each agent has
	// its own session directory, so mute/auto-kill flags are per-agent.
	stateFor func(agent string) *storage.StateBlobStore
}

func New(cfg Config, m *mail.Fabric, rt *storage.RuntimeTableStore, tm *tmux.Tmux, logger *log.Logger, stateFor func(agent string) *storage.StateBlobStore) *Bridge {
	if cfg.InjectIdleTimeout <= 0 {
		cfg.InjectIdleTimeout = 2 * time.Second
	}
	return &Bridge{cfg: cfg, mail: m, runtime: rt, tm: tm, logger: logger, stateFor: stateFor}
}

// Run polls every tmux-backed running agent once per tick until ctx is
// canceled, sleeping cfg.IdleTimeout (or 250ms if unset) between ticks.
// It returns when no tmux-backed running record remains discoverable,
// mirroring spec §4.5's "terminates when the underlying multiplexer
// session no longer exists."
func (b *Bridge) Run(ctx context.Context) error {
	sleep := b.cfg.IdleTimeout
	if sleep <= 0 {
		sleep = 250 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := b.runtime.List(fabric.RuntimeRunning)
		if err != nil {
			b.logger.Printf("runtime list failed: %v", err)
		}
		var any bool
		for _, rec := range records {
			if rec.Backend != "tmux" {
				continue
			}
			any = true
			b.tick(ctx, rec)
		}
		if !any {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// tick runs one fetch_inbox/render/inject pass for a single discovered
// (agent, pane) pair.
func (b *Bridge) tick(ctx context.Context, rec fabric.RuntimeRecord) {
	exists, err := b.tm.HasSession(rec.PaneID)
	if err != nil || !exists {
		return
	}

	entries, err := b.mail.FetchInbox(ctx, b.cfg.Room, rec.Agent, true, 0, 200)
	if err != nil {
		b.logger.Printf("pane bridge fetch_inbox(%s) failed: %v", rec.Agent, err)
		return
	}

	muted, autoKill := b.flags(rec.Agent)

	for _, e := range entries {
		if b.isDoneSignal(e.Message, rec.Agent) {
			if autoKill {
				b.kill(rec)
			}
			b.ack(ctx, rec.Agent, e.Item.MailboxID)
			continue
		}

		if !fabric.IsActionable(e.Message.Kind) {
			b.ack(ctx, rec.Agent, e.Item.MailboxID)
			continue
		}

		if muted {
			// Delivery (mark_read happens only on successful write per
			// spec §4.5) is independent of notification: a muted
			// recipient's mail stays unread until it reads it itself, but
			// we never inject into its pane.
			continue
		}

		if err := b.tm.WaitForIdle(rec.PaneID, b.cfg.InjectIdleTimeout); err != nil {
			// Pane is still busy (or gone); leave the item unread and
			// retry it on the next tick rather than interrupt output.
			continue
		}

		prompt := renderPrompt(rec.Agent, e.Message, b.cfg.LeadName)
		if err := b.tm.SendKeys(rec.PaneID, prompt); err != nil {
			b.logger.Printf("pane inject to %s failed: %v", rec.Agent, err)
			continue
		}
		b.ack(ctx, rec.Agent, e.Item.MailboxID)
	}
}

func (b *Bridge) flags(agent string) (muted, autoKill bool) {
	store := b.stateFor(agent)
	if store == nil {
		return false, false
	}
	blob, err := store.Get()
	if err != nil {
		return false, false
	}
	return blob.Muted, blob.AutoKillOnDone
}

func (b *Bridge) ack(ctx context.Context, agent string, index int64) {
	if _, err := b.mail.MarkRead(ctx, b.cfg.Room, agent, mail.MarkReadSelector{MailboxIDs: []int64{index}}); err != nil {
		b.logger.Printf("pane bridge mark_read failed: %v", err)
	}
}

func (b *Bridge) kill(rec fabric.RuntimeRecord) {
	if err := b.tm.KillSession(rec.PaneID); err != nil {
		b.logger.Printf("pane bridge kill session %s failed: %v", rec.PaneID, err)
	}
	if err := b.runtime.Mark(rec.Agent, fabric.RuntimeTerminated); err != nil {
		b.logger.Printf("pane bridge mark terminated failed: %v", err)
	}
}

// isDoneSignal reports whether msg is a worker-* status addressed to
// the lead (or unaddressed) whose summary carries a done token without
// a negator, per spec §4.5.
func (b *Bridge) isDoneSignal(msg fabric.Message, viewer string) bool {
	if msg.Kind != fabric.KindStatus {
		return false
	}
	if !strings.HasPrefix(msg.Sender, "worker-") {
		return false
	}
	if msg.Recipient != "" && msg.Recipient != b.cfg.LeadName {
		return false
	}
	summary, _ := msg.Meta["summary"].(string)
	text := strings.ToLower(summary)
	if negatorRe.MatchString(text) {
		return false
	}
	for _, tok := range doneTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// renderPrompt builds the fixed template spec §4.5 describes: agent,
// sender, type, summary, a body trimmed to maxBodyChars, a suggested
// reply kind, and an optional escalation hint.
func renderPrompt(agent string, msg fabric.Message, leadName string) string {
	body := msg.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "…"
	}
	summary, _ := msg.Meta["summary"].(string)

	reply := "note"
	switch msg.Kind {
	case fabric.KindQuestion:
		reply = "answer"
	case fabric.KindBlocker, fabric.KindTask:
		reply = "status"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "New mail for %s.\n", agent)
	fmt.Fprintf(&b, "from=%s type=%s summary=%s\n", msg.Sender, msg.Kind, summary)
	fmt.Fprintf(&b, "%s\n", body)
	fmt.Fprintf(&b, "Suggested reply kind: %s.\n", reply)

	if agent == leadName || msg.Kind == fabric.KindQuestion || msg.Kind == fabric.KindBlocker {
		b.WriteString("This may need your direct decision before the team can proceed.\n")
	}
	return b.String()
}
