package hub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codex-teams/fabric/internal/agentproc"
	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
)

// promptPrefix is prepended to every dispatched prompt batch.
const promptPrefix = "You have new mail. Respond to the items below."

// tick runs steps a–f of spec §4.3 for one worker, returning whether
// it did any observable work this cycle (feeds the adaptive sleep
// budget in §5).
func (h *Hub) tick(ctx context.Context, w *WorkerState) bool {
	did := false

	if h.scanMailbox(ctx, w) {
		did = true
	}
	if h.drainChild(ctx, w) {
		did = true
	}
	if len(w.PromptQueue) > 0 && !w.IsBusy() {
		if h.dispatch(ctx, w) {
			did = true
		}
	}
	if h.checkIdle(ctx, w) {
		did = true
	}

	return did
}

// scanMailbox implements step a (token-gated scan) and b/c
// (classification + actionable enqueue).
func (h *Hub) scanMailbox(ctx context.Context, w *WorkerState) bool {
	token, err := h.mail.MentionToken(ctx, w.Room, w.Name)
	if err != nil {
		h.logLifecycle(fmt.Sprintf("mention token read failed for %s: %v", w.Name, err))
		return false
	}

	if token == w.LastToken && !w.ForceRescan {
		return false
	}
	w.LastToken = token
	w.ForceRescan = false

	entries, err := h.mail.FetchInbox(ctx, w.Room, w.Name, true, w.ScanIndex, WorkerMailboxBatch)
	if err != nil {
		h.logLifecycle(fmt.Sprintf("fetch_inbox failed for %s: %v", w.Name, err))
		return false
	}

	if len(entries) == 0 {
		if w.ScanIndex > 0 {
			if idx, found, perr := h.probeOlderUnread(ctx, w); perr == nil && found {
				w.ScanIndex = idx
				entries, err = h.mail.FetchInbox(ctx, w.Room, w.Name, true, w.ScanIndex, WorkerMailboxBatch)
				if err != nil {
					h.logLifecycle(fmt.Sprintf("re-scan fetch_inbox failed for %s: %v", w.Name, err))
					return false
				}
			}
		}
		if len(entries) == 0 {
			return false
		}
	}

	var maxObserved int64 = w.ScanIndex - 1
	for _, e := range entries {
		if e.Item.MailboxID > maxObserved {
			maxObserved = e.Item.MailboxID
		}
		h.classifyOne(ctx, w, e)
	}
	w.ScanIndex = maxObserved + 1
	w.touchActivity(time.Now())
	return true
}

// probeOlderUnread checks for an unread item older than scan_index to
// correct a prior partial ack (spec §4.3a).
func (h *Hub) probeOlderUnread(ctx context.Context, w *WorkerState) (int64, bool, error) {
	entries, err := h.mail.FetchInbox(ctx, w.Room, w.Name, true, 0, 1)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Item.MailboxID < w.ScanIndex {
			return e.Item.MailboxID, true, nil
		}
	}
	return 0, false, nil
}

// classifyOne applies step b (control classification) or step c
// (actionable enqueue / immediate ack) to a single inbox entry.
func (h *Hub) classifyOne(ctx context.Context, w *WorkerState, e mail.InboxEntry) {
	kind := e.Message.Kind

	if ctlType, isReq := fabric.IsCtlRequestKind(kind); isReq {
		h.handleControlRequest(ctx, w, e, ctlType)
		return
	}

	if !fabric.IsActionable(kind) {
		h.ackIndexes(ctx, w, []int64{e.Item.MailboxID})
		return
	}

	if w.InFlight[e.Item.MailboxID] {
		return // leave unread; retried next tick
	}

	summary, _ := e.Message.Meta["summary"].(string)
	line := PromptLine{
		Text:         fmt.Sprintf("from=%s summary=%s text=%s", e.Message.Sender, summary, e.Message.Body),
		MailboxIndex: e.Item.MailboxID,
	}
	w.PromptQueue = append(w.PromptQueue, line)
	w.InFlight[e.Item.MailboxID] = true

	if w.CollabTargets[e.Message.Sender] == nil {
		w.CollabTargets[e.Message.Sender] = map[fabric.Kind]bool{}
	}
	w.CollabTargets[e.Message.Sender][kind] = true
}

// handleControlRequest applies spec §4.2's authorization rules and
// emits the control response, acking the request message either way
// (spec §4.3b: a handled control message always yields an immediate
// mailbox acknowledgement plus a control-response emission).
func (h *Hub) handleControlRequest(ctx context.Context, w *WorkerState, e mail.InboxEntry, ctlType fabric.CtlType) {
	requestID, _ := e.Message.Meta["request_id"].(string)
	requestedMode, _ := e.Message.Meta["mode"].(string)

	var (
		approve      bool
		responseBody string
		violatedRule string
	)

	cr, err := h.control.Lookup(ctx, requestID)
	if err != nil {
		violatedRule = "unknown control request"
	} else if authErr := control.Authorize(cr, e.Message.Recipient, w.Name, h.leadName, requestedMode); authErr != nil {
		violatedRule = authErr.Error()
	} else {
		switch ctlType {
		case fabric.CtlPlanApproval, fabric.CtlPermission:
			// Forwarded as a visibility status note to the lead; never
			// auto-approved here.
			if _, serr := h.mail.Send(ctx, mail.SendInput{
				Room: w.Room, Sender: w.Name, Recipient: h.leadName, Kind: fabric.KindStatus,
				Body: fmt.Sprintf("%s request from %s awaiting lead decision", ctlType, e.Message.Sender),
				Meta: map[string]any{"request_id": requestID, "req_type": string(ctlType)},
			}); serr != nil {
				h.logLifecycle(fmt.Sprintf("forwarding %s request failed: %v", ctlType, serr))
			}
			h.ackIndexes(ctx, w, []int64{e.Item.MailboxID})
			return
		case fabric.CtlShutdown:
			approve = true
			responseBody = "auto-approved"
			w.Stopped = true
		case fabric.CtlModeSet:
			approve = true
			responseBody = "auto-approved"
			w.PermissionMode = requestedMode
		default:
			approve = true
			responseBody = "auto-approved"
		}
	}

	if violatedRule != "" {
		if _, serr := h.mail.Send(ctx, mail.SendInput{
			Room: w.Room, Sender: w.Name, Recipient: h.leadName, Kind: fabric.KindStatus,
			Body: "authorization violation: " + violatedRule,
		}); serr != nil {
			h.logLifecycle(fmt.Sprintf("authorization violation status failed: %v", serr))
		}
		approve = false
		responseBody = violatedRule
	}

	if requestID != "" {
		if _, rerr := h.control.Respond(ctx, control.RespondInput{
			RequestID: requestID, Responder: w.Name, Approve: approve, ResponseBody: responseBody,
		}); rerr != nil {
			h.logLifecycle(fmt.Sprintf("control respond failed for %s: %v", requestID, rerr))
		}
	}

	h.ackIndexes(ctx, w, []int64{e.Item.MailboxID})
}

func (h *Hub) ackIndexes(ctx context.Context, w *WorkerState, indexes []int64) {
	if len(indexes) == 0 {
		return
	}
	n, err := h.mail.MarkRead(ctx, w.Room, w.Name, mail.MarkReadSelector{MailboxIDs: indexes})
	if err != nil {
		h.logLifecycle(fmt.Sprintf("mark_read failed for %s: %v", w.Name, err))
		return
	}
	if n < len(indexes) {
		w.ForceRescan = true
	}
	for _, idx := range indexes {
		delete(w.InFlight, idx)
	}
}

// dispatch implements step d: pop a bounded batch and spawn the
// external agent.
func (h *Hub) dispatch(ctx context.Context, w *WorkerState) bool {
	batch, rest := popPromptBatch(w.PromptQueue)
	w.PromptQueue = rest
	if len(batch) == 0 {
		return false
	}

	lines := make([]string, 0, len(batch))
	indexes := make([]int64, 0, len(batch))
	for _, b := range batch {
		lines = append(lines, b.Text)
		indexes = append(indexes, b.MailboxIndex)
	}
	prompt := promptPrefix + "\n\n" + strings.Join(lines, "\n")

	args := agentproc.BuildArgs(w.PermissionMode, w.Model, w.Profile, w.Cwd, prompt)
	child, err := agentproc.Spawn(h.cfg.CodexBin, args)
	if err != nil {
		h.logLifecycle(fmt.Sprintf("spawn failed for %s: %v", w.Name, err))
		// Spawn failure is a child-process failure (spec §7): surface as
		// a blocker status and re-queue nothing — the messages leave the
		// in-flight set and the scan cursor rewinds to them, so they are
		// retried once the next send wakes the scan.
		for _, idx := range indexes {
			delete(w.InFlight, idx)
			if idx < w.ScanIndex {
				w.ScanIndex = idx
			}
		}
		h.publishWorkerResult(ctx, w, false, -1, "spawn failed: "+err.Error())
		return true
	}

	w.running = &runningChild{child: child, startedAt: time.Now(), indexes: indexes}
	w.touchActivity(time.Now())
	return true
}

// popPromptBatch pops up to MaxPromptMessagesPerRun lines subject to
// MaxPromptCharsPerRun, always taking the first line to guarantee
// progress, per spec §4.3d.
func popPromptBatch(queue []PromptLine) (batch, rest []PromptLine) {
	if len(queue) == 0 {
		return nil, nil
	}
	batch = append(batch, queue[0])
	total := len(queue[0].Text)
	i := 1
	for i < len(queue) && len(batch) < MaxPromptMessagesPerRun {
		next := queue[i]
		if total+len(next.Text) > MaxPromptCharsPerRun {
			break
		}
		batch = append(batch, next)
		total += len(next.Text)
		i++
	}
	return batch, queue[i:]
}

// drainChild implements step e: non-blocking drain and, on exit,
// publish/collaborate/acknowledge.
func (h *Hub) drainChild(ctx context.Context, w *WorkerState) bool {
	if !w.IsBusy() {
		return false
	}

	exited, code := w.running.child.Exited()
	data, truncated := w.running.child.Capture()
	if len(data) > 0 {
		w.touchActivity(time.Now())
	}
	if !exited {
		return len(data) > 0
	}

	summary := agentproc.Summarize(string(data), truncated)
	indexes := w.running.indexes
	w.running = nil
	w.touchActivity(time.Now())

	h.publishWorkerResult(ctx, w, code == 0, code, summary)
	h.fanOutCollaboration(ctx, w, code != 0)
	h.ackIndexes(ctx, w, indexes)

	if code != 0 {
		h.recordDeath(w.Name, time.Now())
	}
	return true
}

// publishWorkerResult emits the room-log status/blocker and the
// mailbox worker-result message to the lead (spec §4.3e).
func (h *Hub) publishWorkerResult(ctx context.Context, w *WorkerState, ok bool, exitCode int, summary string) {
	if w.IsLead {
		return
	}
	state := "complete"
	kind := fabric.KindStatus
	mailSummary := "worker-run-complete"
	if !ok {
		state = "failed"
		kind = fabric.KindBlocker
		mailSummary = "worker-run-failed"
	}

	body := fmt.Sprintf("worker_result state=%s exit=%d summary=%s", state, exitCode, summary)
	if err := retryBus(func() error {
		_, err := h.mail.Send(ctx, mail.SendInput{Room: w.Room, Sender: w.Name, Recipient: h.leadName, Kind: kind, Body: body})
		return err
	}); err != nil {
		h.logLifecycle(fmt.Sprintf("publish worker_result failed for %s: %v", w.Name, err))
	}

	meta := map[string]any{"source": "worker-result", "worker": w.Name, "state": state, "exit_code": exitCode}
	if err := retryBus(func() error {
		_, err := h.mail.Send(ctx, mail.SendInput{Room: w.Room, Sender: w.Name, Recipient: h.leadName, Kind: fabric.KindNote, Body: mailSummary, Meta: withSummary(meta, mailSummary)})
		return err
	}); err != nil {
		h.logLifecycle(fmt.Sprintf("mailbox worker-result failed for %s: %v", w.Name, err))
	}
}

func withSummary(meta map[string]any, summary string) map[string]any {
	meta["summary"] = summary
	return meta
}

// fanOutCollaboration implements spec §4.3e's collaboration fan-out
// over the accumulated per-peer source-kind sets.
func (h *Hub) fanOutCollaboration(ctx context.Context, w *WorkerState, failed bool) {
	peers := make([]string, 0, len(w.CollabTargets))
	for peer := range w.CollabTargets {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	for _, peer := range peers {
		if peer == w.Name {
			continue
		}
		if peer == h.leadName && !w.IsLead {
			continue
		}
		kinds := w.CollabTargets[peer]

		kind := fabric.KindNote
		summary := "peer-update"
		switch {
		case failed:
			kind = fabric.KindBlocker
			summary = "peer-blocker"
		case kinds[fabric.KindQuestion]:
			kind = fabric.KindAnswer
			summary = "peer-answer"
		}

		sourceTypes := make([]string, 0, len(kinds))
		for k := range kinds {
			sourceTypes = append(sourceTypes, string(k))
		}
		sort.Strings(sourceTypes)

		meta := map[string]any{"source": "collab-update", "source_types": sourceTypes, "summary": summary}
		if _, err := h.mail.Send(ctx, mail.SendInput{Room: w.Room, Sender: w.Name, Recipient: peer, Kind: kind, Body: summary, Meta: meta}); err != nil {
			h.logLifecycle(fmt.Sprintf("collab fan-out to %s failed: %v", peer, err))
		}
	}
	w.CollabTargets = map[string]map[fabric.Kind]bool{}
}

// checkIdle implements step f: idle heartbeat notification.
func (h *Hub) checkIdle(ctx context.Context, w *WorkerState) bool {
	idleMs := time.Duration(h.cfg.IdleMs) * time.Millisecond
	if idleMs <= 0 {
		return false
	}
	if time.Since(w.LastActivity) < idleMs || w.idleNotified {
		return false
	}

	if _, err := h.mail.Send(ctx, mail.SendInput{Room: w.Room, Sender: w.Name, Recipient: h.leadName, Kind: fabric.KindIdleNotification, Body: "idle"}); err != nil {
		h.logLifecycle(fmt.Sprintf("idle notification failed for %s: %v", w.Name, err))
		return false
	}
	w.idleNotified = true
	w.LastIdleNotify = time.Now()
	return true
}
