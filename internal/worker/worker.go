// Package worker implements the single-agent worker loop from spec
// §4.4: the same semantics as one hub worker, running as its own
// process, with a blocking child invocation instead of the hub's
// concurrent drain. Grounded on the teacher's boot.Boot "fresh-each-
// tick" single-shot invocation style.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/codex-teams/fabric/internal/agentproc"
	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/hub"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

// Config carries the one-agent parameters a worker process needs.
type Config struct {
	Room           string
	Agent          string
	LeadName       string
	CodexBin       string
	PollMs         int
	IdleMs         int
	PermissionMode string
	Model          string
	Profile        string
	Cwd            string
}

// Loop owns one WorkerState and its own signal handlers and
// runtime-record lifecycle, per spec §4.4.
type Loop struct {
	cfg     Config
	mail    *mail.Fabric
	control *control.Lifecycle
	runtime *storage.RuntimeTableStore
	logger  *log.Logger
	state   *hub.WorkerState
}

func New(cfg Config, m *mail.Fabric, ctl *control.Lifecycle, rt *storage.RuntimeTableStore, logger *log.Logger) *Loop {
	return &Loop{
		cfg:     cfg,
		mail:    m,
		control: ctl,
		runtime: rt,
		logger:  logger,
		state:   hub.NewWorkerState(cfg.Agent, cfg.Room, fabric.RoleWorker, false),
	}
}

// Run drives the worker loop until ctx is canceled or a termination
// signal arrives, recording a Runtime Record for its own PID on entry
// and marking it terminated on exit.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.runtime.Set(fabric.RuntimeRecord{
		Agent: l.cfg.Agent, Backend: "subprocess", Status: fabric.RuntimeRunning,
		PID: os.Getpid(), StartedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}); err != nil {
		l.logger.Printf("recording runtime entry failed: %v", err)
	}
	defer func() {
		if err := l.runtime.Mark(l.cfg.Agent, fabric.RuntimeTerminated); err != nil {
			l.logger.Printf("marking runtime terminated failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			l.logger.Println("worker received termination signal")
			return nil
		default:
		}

		did := l.scanAndClassify(ctx)
		if l.state.Stopped {
			l.logger.Println("worker stopped via authorized shutdown_request")
			return nil
		}
		if len(l.state.PromptQueue) > 0 {
			if l.dispatchBlocking(ctx) {
				did = true
			}
		}
		did = l.checkIdle(ctx) || did

		sleep := hub.FastLoopSleep
		if did {
			sleep = hub.ActiveLoopSleep
		} else {
			pollMs := time.Duration(l.cfg.PollMs) * time.Millisecond
			if pollMs > sleep {
				sleep = pollMs
			}
			if sleep > hub.MaxLoopSleep {
				sleep = hub.MaxLoopSleep
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			return nil
		case <-time.After(sleep):
		}
	}
}

// scanAndClassify mirrors the hub's token-gated scan plus control
// classification / actionable enqueue (spec §4.3a-c). Unlike the
// hub's per-worker tick it has no older-unread probe: an unread item
// below ScanIndex is not fetched again.
func (l *Loop) scanAndClassify(ctx context.Context) bool {
	token, err := l.mail.MentionToken(ctx, l.state.Room, l.state.Name)
	if err != nil {
		l.logger.Printf("mention token read failed: %v", err)
		return false
	}
	if token == l.state.LastToken && !l.state.ForceRescan {
		return false
	}
	l.state.LastToken = token
	l.state.ForceRescan = false

	entries, err := l.mail.FetchInbox(ctx, l.state.Room, l.state.Name, true, l.state.ScanIndex, hub.WorkerMailboxBatch)
	if err != nil {
		l.logger.Printf("fetch_inbox failed: %v", err)
		return false
	}
	if len(entries) == 0 {
		return false
	}

	maxObserved := l.state.ScanIndex - 1
	for _, e := range entries {
		if e.Item.MailboxID > maxObserved {
			maxObserved = e.Item.MailboxID
		}
		l.classifyOne(ctx, e)
	}
	l.state.ScanIndex = maxObserved + 1
	return true
}

func (l *Loop) classifyOne(ctx context.Context, e mail.InboxEntry) {
	kind := e.Message.Kind

	if ctlType, isReq := fabric.IsCtlRequestKind(kind); isReq {
		requestID, _ := e.Message.Meta["request_id"].(string)
		requestedMode, _ := e.Message.Meta["mode"].(string)

		cr, err := l.control.Lookup(ctx, requestID)
		approve, body := false, "unknown control request"
		if err == nil {
			if authErr := control.Authorize(cr, e.Message.Recipient, l.state.Name, l.cfg.LeadName, requestedMode); authErr != nil {
				body = authErr.Error()
			} else {
				switch ctlType {
				case fabric.CtlPlanApproval, fabric.CtlPermission:
					if _, serr := l.mail.Send(ctx, mail.SendInput{
						Room: l.state.Room, Sender: l.state.Name, Recipient: l.cfg.LeadName, Kind: fabric.KindStatus,
						Body: fmt.Sprintf("%s request from %s awaiting lead decision", ctlType, e.Message.Sender),
					}); serr != nil {
						l.logger.Printf("forwarding control request failed: %v", serr)
					}
					l.ack(ctx, e.Item.MailboxID)
					return
				case fabric.CtlShutdown:
					approve, body = true, "auto-approved"
					l.state.Stopped = true
				case fabric.CtlModeSet:
					approve, body = true, "auto-approved"
					l.cfg.PermissionMode = requestedMode
				default:
					approve, body = true, "auto-approved"
				}
			}
		}
		if !approve {
			if _, serr := l.mail.Send(ctx, mail.SendInput{
				Room: l.state.Room, Sender: l.state.Name, Recipient: l.cfg.LeadName, Kind: fabric.KindStatus,
				Body: "authorization violation: " + body,
			}); serr != nil {
				l.logger.Printf("authorization violation status failed: %v", serr)
			}
		}
		if requestID != "" {
			if _, rerr := l.control.Respond(ctx, control.RespondInput{RequestID: requestID, Responder: l.state.Name, Approve: approve, ResponseBody: body}); rerr != nil {
				l.logger.Printf("control respond failed: %v", rerr)
			}
		}
		l.ack(ctx, e.Item.MailboxID)
		return
	}

	if !fabric.IsActionable(kind) {
		l.ack(ctx, e.Item.MailboxID)
		return
	}
	if l.state.InFlight[e.Item.MailboxID] {
		return
	}

	summary, _ := e.Message.Meta["summary"].(string)
	l.state.PromptQueue = append(l.state.PromptQueue, hub.PromptLine{
		Text:         fmt.Sprintf("from=%s summary=%s text=%s", e.Message.Sender, summary, e.Message.Body),
		MailboxIndex: e.Item.MailboxID,
	})
	l.state.InFlight[e.Item.MailboxID] = true

	if l.state.CollabTargets[e.Message.Sender] == nil {
		l.state.CollabTargets[e.Message.Sender] = map[fabric.Kind]bool{}
	}
	l.state.CollabTargets[e.Message.Sender][kind] = true
}

func (l *Loop) ack(ctx context.Context, index int64) {
	n, err := l.mail.MarkRead(ctx, l.state.Room, l.state.Name, mail.MarkReadSelector{MailboxIDs: []int64{index}})
	if err != nil {
		l.logger.Printf("mark_read failed: %v", err)
		return
	}
	if n < 1 {
		l.state.ForceRescan = true
	}
	delete(l.state.InFlight, index)
}

// dispatchBlocking pops a prompt batch and runs the external agent
// synchronously (no concurrent drain, per spec §4.4).
func (l *Loop) dispatchBlocking(ctx context.Context) bool {
	queue := l.state.PromptQueue
	if len(queue) == 0 {
		return false
	}
	batch := queue
	if len(batch) > hub.MaxPromptMessagesPerRun {
		batch = batch[:hub.MaxPromptMessagesPerRun]
	}
	lines := ""
	indexes := make([]int64, 0, len(batch))
	total := 0
	taken := 0
	for i, b := range batch {
		if i > 0 && total+len(b.Text) > hub.MaxPromptCharsPerRun {
			break
		}
		if lines != "" {
			lines += "\n"
		}
		lines += b.Text
		total += len(b.Text)
		indexes = append(indexes, b.MailboxIndex)
		taken++
	}
	l.state.PromptQueue = queue[taken:]

	prompt := "You have new mail. Respond to the items below.\n\n" + lines
	args := agentproc.BuildArgs(l.cfg.PermissionMode, l.cfg.Model, l.cfg.Profile, l.cfg.Cwd, prompt)

	cmd := exec.CommandContext(ctx, l.cfg.CodexBin, args...)
	out, runErr := cmd.CombinedOutput()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	summary := agentproc.Summarize(string(out), len(out) > agentproc.MaxCaptureBytes)

	l.publishResult(ctx, exitCode == 0, exitCode, summary)
	l.fanOutCollaboration(ctx, exitCode != 0)

	for _, idx := range indexes {
		l.ack(ctx, idx)
	}
	return true
}

func (l *Loop) publishResult(ctx context.Context, ok bool, exitCode int, summary string) {
	state, kind, mailSummary := "complete", fabric.KindStatus, "worker-run-complete"
	if !ok {
		state, kind, mailSummary = "failed", fabric.KindBlocker, "worker-run-failed"
	}
	body := fmt.Sprintf("worker_result state=%s exit=%d summary=%s", state, exitCode, summary)
	if _, err := l.mail.Send(ctx, mail.SendInput{Room: l.state.Room, Sender: l.state.Name, Recipient: l.cfg.LeadName, Kind: kind, Body: body}); err != nil {
		l.logger.Printf("publish worker_result failed: %v", err)
	}
	if _, err := l.mail.Send(ctx, mail.SendInput{
		Room: l.state.Room, Sender: l.state.Name, Recipient: l.cfg.LeadName, Kind: fabric.KindNote, Body: mailSummary,
		Meta: map[string]any{"source": "worker-result", "worker": l.state.Name, "state": state, "exit_code": exitCode, "summary": mailSummary},
	}); err != nil {
		l.logger.Printf("mailbox worker-result failed: %v", err)
	}
}

// fanOutCollaboration mirrors hub.fanOutCollaboration: every peer whose
// messages were accumulated into a prompt batch this run gets a
// note/answer/blocker update, identical to the hub's per-worker fan-out
// (spec §4.4's "identical" contract).
func (l *Loop) fanOutCollaboration(ctx context.Context, failed bool) {
	peers := make([]string, 0, len(l.state.CollabTargets))
	for peer := range l.state.CollabTargets {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	for _, peer := range peers {
		if peer == l.state.Name {
			continue
		}
		if peer == l.cfg.LeadName && !l.state.IsLead {
			continue
		}
		kinds := l.state.CollabTargets[peer]

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
		if _, err := l.mail.Send(ctx, mail.SendInput{Room: l.state.Room, Sender: l.state.Name, Recipient: peer, Kind: kind, Body: summary, Meta: meta}); err != nil {
			l.logger.Printf("collab fan-out to %s failed: %v", peer, err)
		}
	}
	l.state.CollabTargets = map[string]map[fabric.Kind]bool{}
}

func (l *Loop) checkIdle(ctx context.Context) bool {
	idleMs := time.Duration(l.cfg.IdleMs) * time.Millisecond
	if idleMs <= 0 || time.Since(l.state.LastActivity) < idleMs {
		return false
	}
	if _, err := l.mail.Send(ctx, mail.SendInput{Room: l.state.Room, Sender: l.state.Name, Recipient: l.cfg.LeadName, Kind: fabric.KindIdleNotification, Body: "idle"}); err != nil {
		l.logger.Printf("idle notification failed: %v", err)
		return false
	}
	l.state.LastActivity = time.Now()
	return true
}
