package hub

import (
	"context"
	"fmt"

	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
)

const reviewPromptBody = "Review the completed work from the team and report findings."

// aggregateLeadSide implements spec §4.3g: scans the lead's mailbox
// with its own cursor, flips worker_done bits, and emits a one-time
// review-ready announcement once every worker is done and no children
// remain active.
func (h *Hub) aggregateLeadSide(ctx context.Context) bool {
	lead, ok := h.byName[h.leadName]
	if !ok {
		return false
	}

	entries, err := h.mail.FetchInbox(ctx, lead.Room, h.leadName, true, h.leadScanIndex, LeadMailboxBatch)
	if err != nil {
		h.logLifecycle(fmt.Sprintf("lead mailbox scan failed: %v", err))
		return false
	}
	if len(entries) == 0 {
		return false
	}

	did := false
	var maxObserved = h.leadScanIndex - 1
	for _, e := range entries {
		if e.Item.MailboxID > maxObserved {
			maxObserved = e.Item.MailboxID
		}
		sender := e.Message.Sender
		if _, tracked := h.workerDone[sender]; !tracked {
			continue
		}
		did = true

		source, _ := e.Message.Meta["source"].(string)
		if source == "worker-result" || source == "collab-update" {
			state, _ := e.Message.Meta["state"].(string)
			if source == "worker-result" && state == "complete" {
				h.markWorkerDoneIfIdle(sender)
			}
			continue
		}

		// Any other incoming mailbox row from a worker flips done back
		// to false per spec §4.3g.
		h.workerDone[sender] = false
	}
	h.leadScanIndex = maxObserved + 1

	h.maybeAnnounceReviewReady(ctx)
	return did
}

// markWorkerDoneIfIdle sets worker_done[name] true only if that
// worker's queue and in-flight set are empty and it has no children
// running — the full predicate from spec §4.3g.
func (h *Hub) markWorkerDoneIfIdle(name string) {
	w, ok := h.byName[name]
	if !ok {
		return
	}
	if len(w.PromptQueue) == 0 && len(w.InFlight) == 0 && !w.IsBusy() {
		h.workerDone[name] = true
	}
}

func (h *Hub) maybeAnnounceReviewReady(ctx context.Context) {
	if h.reviewAnnounced {
		return
	}
	if len(h.workerDone) == 0 {
		return
	}
	for _, done := range h.workerDone {
		if !done {
			return
		}
	}
	for _, w := range h.workers {
		if w.Role == fabric.RoleWorker && w.IsBusy() {
			return
		}
	}

	if _, err := h.mail.Send(ctx, mail.SendInput{
		Room: h.workers[0].Room, Sender: h.leadName, Recipient: h.leadName,
		Kind: fabric.KindStatus, Body: "review-ready",
	}); err != nil {
		h.logLifecycle("review-ready room-log status failed: " + err.Error())
	}
	if _, err := h.mail.Send(ctx, mail.SendInput{
		Room: h.workers[0].Room, Sender: "system", Recipient: h.leadName,
		Kind: fabric.KindStatus, Body: "review-ready", Meta: map[string]any{"summary": "review-ready"},
	}); err != nil {
		h.logLifecycle("review-ready mailbox status failed: " + err.Error())
	}

	for _, w := range h.workers {
		if w.Role != fabric.RoleReviewer {
			continue
		}
		if _, err := h.mail.Send(ctx, mail.SendInput{
			Room: w.Room, Sender: h.leadName, Recipient: w.Name,
			Kind: fabric.KindTask, Body: reviewPromptBody, Meta: map[string]any{"summary": "review-round-trigger"},
		}); err != nil {
			h.logLifecycle(fmt.Sprintf("review task to %s failed: %v", w.Name, err))
		}
	}

	h.reviewAnnounced = true
}
