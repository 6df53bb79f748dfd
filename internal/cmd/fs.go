package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-teams/fabric/internal/agentproc"
	"github.com/codex-teams/fabric/internal/color"
	"github.com/codex-teams/fabric/internal/config"
	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/storage"
)

func newControlID() string { return control.GenerateID() }

var (
	fsRepo    string
	fsSession string
	fsJSON    bool
)

var fsCmd = &cobra.Command{
	Use:     "filesystem",
	Aliases: []string{"fs"},
	GroupID: GroupFilesystem,
	Short:   "Operate against one session's JSON-mirrored stores",
	RunE:    requireSubcommand,
	Long: `The filesystem surface talks to the JSON mirrors under one
session root, <repo>/.codex-teams/<session>/: team config, per-agent
mailboxes, the control/runtime tables and the state blob. It needs no
sqlite driver. The Hub, Worker Loop and Pane Bridge exchange mail
through the sqlite Room Log (bus.sqlite) instead; of these JSON stores
they use only the runtime table and, for the Pane Bridge, the state
blob.`,
}

func init() {
	fsCmd.PersistentFlags().StringVar(&fsRepo, "repo", ".", "repository root")
	fsCmd.PersistentFlags().StringVar(&fsSession, "session", "default", "session name")
	fsCmd.PersistentFlags().BoolVar(&fsJSON, "json", false, "print machine-readable JSON")

	fsCmd.AddCommand(
		teamCreateCmd, teamDeleteCmd, teamGetCmd,
		memberAddCmd, memberRemoveCmd, memberModeCmd, memberBatchModeCmd,
		fsControlRequestCmd, fsControlRespondCmd, fsControlPendingCmd, fsControlGetCmd,
		mailboxWriteCmd, mailboxReadCmd, mailboxMarkReadCmd, mailboxFormatCmd,
		dispatchCmd, sendToLeadCmd, sendIdleCmd, inboxPollCmd,
		stateContextSetCmd, stateContextClearCmd, stateGetCmd,
		runtimeSetCmd, runtimeMarkCmd, runtimeListCmd, runtimeKillCmd,
		colorMapCmd,
	)
}

// sessionDir resolves the session root a filesystem command operates
// against, per spec §6's "<repo>/.codex-teams/<session>/" layout.
func sessionDir() string {
	return filepath.Join(fsRepo, ".codex-teams", fsSession)
}

func printJSONOr(v any, plain func()) {
	if fsJSON {
		data, _ := json.Marshal(v)
		fmt.Println(string(data))
		return
	}
	plain()
}

// --- Team Config --------------------------------------------------

var (
	teamName    string
	teamLead    string
	memberID    string
	memberName  string
	memberColor string
	memberAgentType string
	memberModel string
	memberBackendType string
	memberMode  string
	memberPlanModeRequired bool
	memberCwd   string
	memberRole  string
	memberSubscriptionsCSV string
	batchAgentsCSV string
)

var teamCreateCmd = &cobra.Command{
	Use:   "team-create",
	Short: "Create a new Team Config for this session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.NewTeamConfigStore(sessionDir()).Create(teamName, teamLead)
	},
}

var teamDeleteCmd = &cobra.Command{
	Use:   "team-delete",
	Short: "Delete this session's Team Config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.NewTeamConfigStore(sessionDir()).Delete()
	},
}

var teamGetCmd = &cobra.Command{
	Use:   "team-get",
	Short: "Print this session's Team Config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewTeamConfigStore(sessionDir()).Get()
		if err != nil {
			return err
		}
		printJSONOr(cfg, func() {
			fmt.Printf("team=%s lead=%s members=%d\n", cfg.TeamName, cfg.LeadAgentID, len(cfg.Members))
		})
		return nil
	},
}

var memberAddCmd = &cobra.Command{
	Use:   "member-add",
	Short: "Add or replace a Team Config member",
	RunE: func(cmd *cobra.Command, args []string) error {
		var subs []string
		if memberSubscriptionsCSV != "" {
			subs = strings.Split(memberSubscriptionsCSV, ",")
		}
		return config.NewTeamConfigStore(sessionDir()).AddMember(fabric.TeamMember{
			AgentID: memberID, Name: memberName, Color: memberColor, AgentType: memberAgentType,
			Model: memberModel, BackendType: memberBackendType, Mode: memberMode,
			PlanModeRequired: memberPlanModeRequired, Cwd: memberCwd, Role: fabric.Role(memberRole),
			Subscriptions: subs,
		})
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "member-remove",
	Short: "Remove a Team Config member",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.NewTeamConfigStore(sessionDir()).RemoveMember(memberID)
	},
}

var memberModeCmd = &cobra.Command{
	Use:   "member-mode",
	Short: "Set one member's permission mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.NewTeamConfigStore(sessionDir()).SetMode(memberID, memberMode)
	},
}

var memberBatchModeCmd = &cobra.Command{
	Use:   "member-batch-mode",
	Short: "Set permission mode for every member in --agents-csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := strings.Split(batchAgentsCSV, ",")
		return config.NewTeamConfigStore(sessionDir()).SetBatchMode(ids, memberMode)
	},
}

func init() {
	teamCreateCmd.Flags().StringVar(&teamName, "team-name", "", "team name")
	teamCreateCmd.Flags().StringVar(&teamLead, "lead", "", "lead agent id")

	memberAddCmd.Flags().StringVar(&memberID, "agent-id", "", "agent id (name@team)")
	memberAddCmd.Flags().StringVar(&memberName, "name", "", "display name")
	memberAddCmd.Flags().StringVar(&memberColor, "color", "", "assigned color")
	memberAddCmd.Flags().StringVar(&memberAgentType, "agent-type", "", "agent type")
	memberAddCmd.Flags().StringVar(&memberModel, "model", "", "model name")
	memberAddCmd.Flags().StringVar(&memberBackendType, "backend-type", "subprocess", "backend type: subprocess or tmux")
	memberAddCmd.Flags().StringVar(&memberMode, "mode", "", "permission mode")
	memberAddCmd.Flags().BoolVar(&memberPlanModeRequired, "plan-mode-required", false, "require plan mode before executing")
	memberAddCmd.Flags().StringVar(&memberCwd, "cwd", "", "working directory")
	memberAddCmd.Flags().StringVar(&memberRole, "role", "", "room role")
	memberAddCmd.Flags().StringVar(&memberSubscriptionsCSV, "subscriptions", "", "comma-separated mention subscriptions")

	memberRemoveCmd.Flags().StringVar(&memberID, "agent-id", "", "agent id to remove")

	memberModeCmd.Flags().StringVar(&memberID, "agent-id", "", "agent id")
	memberModeCmd.Flags().StringVar(&memberMode, "mode", "", "new permission mode")

	memberBatchModeCmd.Flags().StringVar(&batchAgentsCSV, "agents-csv", "", "comma-separated agent ids")
	memberBatchModeCmd.Flags().StringVar(&memberMode, "mode", "", "new permission mode")
}

// --- Control (filesystem mirror) -----------------------------------

var fsControlRequestCmd = &cobra.Command{
	Use:   "control-request",
	Short: "Create a pending control request against control.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqType := fabric.CtlType(controlType)
		if !reqType.Valid() {
			return fmt.Errorf("unknown --type %q", controlType)
		}
		id := controlRequestID
		if id == "" {
			id = newControlID()
		}
		now := nowString()
		cr := fabric.ControlRequest{
			RequestID: id, Room: busRoom, ReqType: reqType, Sender: controlFrom, Recipient: controlTo,
			Body: controlBody, Summary: controlSummary, Status: fabric.ControlPending, CreatedTs: now, UpdatedTs: now,
		}
		if err := storage.NewControlTableStore(sessionDir()).Create(cr); err != nil {
			return err
		}
		_, err := storage.NewMailboxStore(sessionDir()).AppendMessage(busRoom, controlTo, fabric.Message{
			Sender: controlFrom, Recipient: controlTo, Kind: reqType.RequestKind(), Body: controlBody,
			Meta: map[string]any{"request_id": id, "req_type": string(reqType), "summary": controlSummary},
			Ts: now,
		}, time.Now())
		if err != nil {
			return err
		}
		if controlPrintID {
			fmt.Println(id)
		}
		return nil
	},
}

var fsControlRespondCmd = &cobra.Command{
	Use:   "control-respond",
	Short: "Resolve a pending control request in control.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		if controlApprove == controlReject {
			return fmt.Errorf("exactly one of --approve or --reject is required")
		}
		status := fabric.ControlRejected
		if controlApprove {
			status = fabric.ControlApproved
		}
		cr, err := storage.NewControlTableStore(sessionDir()).Resolve(controlRequestID, status, controlFrom, controlSummary)
		if err != nil {
			return err
		}
		_, err = storage.NewMailboxStore(sessionDir()).AppendMessage(cr.Room, cr.Sender, fabric.Message{
			Sender: controlFrom, Recipient: cr.Sender, Kind: cr.ReqType.ResponseKind(), Body: controlSummary,
			Meta: map[string]any{"request_id": cr.RequestID, "req_type": string(cr.ReqType), "approve": controlApprove, "state": string(status)},
			Ts: nowString(),
		}, time.Now())
		return err
	},
}

var fsControlPendingCmd = &cobra.Command{
	Use:   "control-pending",
	Short: "List pending control requests in control.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient := controlAgent
		if controlAllStatus {
			recipient = ""
		}
		pending, err := storage.NewControlTableStore(sessionDir()).ListPending(busRoom, recipient)
		if err != nil {
			return err
		}
		printJSONOr(pending, func() {
			for _, cr := range pending {
				fmt.Printf("%s %s %s->%s %s\n", cr.RequestID, cr.ReqType, cr.Sender, cr.Recipient, cr.Status)
			}
		})
		return nil
	},
}

var fsControlGetCmd = &cobra.Command{
	Use:   "control-get",
	Short: "Print a single control request by --request-id",
	RunE: func(cmd *cobra.Command, args []string) error {
		cr, ok, err := storage.NewControlTableStore(sessionDir()).Get(controlRequestID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("control request %s not found", controlRequestID)
		}
		printJSONOr(cr, func() {
			fmt.Printf("%s %s %s->%s %s\n", cr.RequestID, cr.ReqType, cr.Sender, cr.Recipient, cr.Status)
		})
		return nil
	},
}

func init() {
	fsControlRequestCmd.Flags().StringVar(&controlFrom, "from", "", "requesting agent id")
	fsControlRequestCmd.Flags().StringVar(&controlTo, "to", "", "recipient agent id")
	fsControlRequestCmd.Flags().StringVar(&controlType, "type", "", "request type: plan_approval, shutdown, permission, mode_set")
	fsControlRequestCmd.Flags().StringVar(&controlBody, "body", "", "request body")
	fsControlRequestCmd.Flags().StringVar(&controlSummary, "summary", "", "short request summary")
	fsControlRequestCmd.Flags().StringVar(&controlRequestID, "request-id", "", "explicit request id (optional)")
	fsControlRequestCmd.Flags().BoolVar(&controlPrintID, "print-id", false, "print the assigned request id on success")

	fsControlRespondCmd.Flags().StringVar(&controlRequestID, "request-id", "", "request id to resolve")
	fsControlRespondCmd.Flags().StringVar(&controlFrom, "from", "", "responding agent id")
	fsControlRespondCmd.Flags().BoolVar(&controlApprove, "approve", false, "approve the request")
	fsControlRespondCmd.Flags().BoolVar(&controlReject, "reject", false, "reject the request")
	fsControlRespondCmd.Flags().StringVar(&controlSummary, "summary", "", "response body")

	fsControlPendingCmd.Flags().StringVar(&controlAgent, "agent", "", "recipient to filter by")
	fsControlPendingCmd.Flags().BoolVar(&controlAllStatus, "all-status", false, "list pending requests across every recipient")

	fsControlGetCmd.Flags().StringVar(&controlRequestID, "request-id", "", "request id to look up")
}

// --- Mailbox ---------------------------------------------------------

var (
	mailboxRoom    string
	mailboxTo      string
	mailboxKind    string
	mailboxBody    string
	mailboxSummary string
	mailboxColor   string
	mailboxMeta    string
	mailboxAgent   string
	mailboxUnread  bool
	mailboxSinceID int64
	mailboxLimit   int
	mailboxIDs     []int64
	mailboxUpTo    int64
	mailboxAll     bool
	mailboxItemID  int64
)

var mailboxWriteCmd = &cobra.Command{
	Use:   "mailbox-write",
	Short: "Append a self-contained message to --to's mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		var meta map[string]any
		if mailboxMeta != "" {
			if err := json.Unmarshal([]byte(mailboxMeta), &meta); err != nil {
				return fmt.Errorf("--meta: %w", err)
			}
		}
		if meta == nil {
			meta = map[string]any{}
		}
		meta["summary"] = mailboxSummary
		meta["color"] = mailboxColor
		_, err := storage.NewMailboxStore(sessionDir()).AppendMessage(mailboxRoom, mailboxTo, fabric.Message{
			Sender: sendFrom, Recipient: mailboxTo, Kind: fabric.Kind(mailboxKind), Body: mailboxBody, Meta: meta,
			Ts: nowString(),
		}, time.Now())
		return err
	},
}

var mailboxReadCmd = &cobra.Command{
	Use:   "mailbox-read",
	Short: "Read --agent's mailbox file",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := storage.NewMailboxStore(sessionDir()).FetchInbox(mailboxRoom, mailboxAgent, mailboxUnread, mailboxSinceID, mailboxLimit)
		if err != nil {
			return err
		}
		printJSONOr(items, func() {
			for _, it := range items {
				body, sender := "", ""
				if it.Message != nil {
					body, sender = it.Message.Body, it.Message.Sender
					if c, ok := it.Message.Meta["color"].(string); ok {
						sender = colorizeSender(sender, c)
					}
				}
				fmt.Printf("[%d] %s from=%s: %s\n", it.MailboxID, it.State, sender, body)
			}
		})
		return nil
	},
}

var mailboxMarkReadCmd = &cobra.Command{
	Use:   "mailbox-mark-read",
	Short: "Mark --agent's mailbox entries read",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := storage.MarkReadFilter{Room: mailboxRoom, MailboxIDs: mailboxIDs, All: mailboxAll}
		if mailboxUpTo > 0 {
			filter.UpToMailboxID = &mailboxUpTo
		}
		n, err := storage.NewMailboxStore(sessionDir()).MarkRead(mailboxAgent, filter, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var mailboxFormatCmd = &cobra.Command{
	Use:   "mailbox-format",
	Short: "Print one mail item in the wire schema (type/from/recipient/text/summary/...)",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := storage.NewMailboxStore(sessionDir()).FetchInbox(mailboxRoom, mailboxAgent, false, 0, 0)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.MailboxID != mailboxItemID {
				continue
			}
			fmt.Println(string(formatMailItem(it)))
			return nil
		}
		return fmt.Errorf("mailbox item %d not found for %s", mailboxItemID, mailboxAgent)
	},
}

// formatMailItem renders a Mail Item in the wire schema spec §6 names:
// type/from/recipient/text/summary/timestamp/color/read/request_id/
// approve/meta.
func formatMailItem(it fabric.MailItem) []byte {
	out := map[string]any{"read": it.State == fabric.MailStateRead}
	if it.Message != nil {
		m := it.Message
		summary, _ := m.Meta["summary"].(string)
		col, _ := m.Meta["color"].(string)
		out["type"] = string(m.Kind)
		out["from"] = m.Sender
		out["recipient"] = m.Recipient
		out["text"] = m.Body
		out["summary"] = summary
		out["color"] = col
		out["timestamp"] = m.Ts
		out["meta"] = m.Meta
		if rid, ok := m.Meta["request_id"]; ok {
			out["request_id"] = rid
		}
		if approve, ok := m.Meta["approve"]; ok {
			out["approve"] = approve
		}
	}
	data, _ := json.Marshal(out)
	return data
}

func init() {
	mailboxWriteCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	mailboxWriteCmd.Flags().StringVar(&sendFrom, "from", "", "sender agent id")
	mailboxWriteCmd.Flags().StringVar(&mailboxTo, "to", "", "recipient agent id")
	mailboxWriteCmd.Flags().StringVar(&mailboxKind, "kind", string(fabric.KindNote), "message kind")
	mailboxWriteCmd.Flags().StringVar(&mailboxBody, "body", "", "message body")
	mailboxWriteCmd.Flags().StringVar(&mailboxSummary, "summary", "", "one-line summary")
	mailboxWriteCmd.Flags().StringVar(&mailboxColor, "color", "", "sender's assigned color")
	mailboxWriteCmd.Flags().StringVar(&mailboxMeta, "meta", "", "additional meta, as a JSON object")

	mailboxReadCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	mailboxReadCmd.Flags().StringVar(&mailboxAgent, "agent", "", "agent whose mailbox to read")
	mailboxReadCmd.Flags().BoolVar(&mailboxUnread, "unread", false, "only unread entries")
	mailboxReadCmd.Flags().Int64Var(&mailboxSinceID, "since-mailbox-id", 0, "only entries at or after this mailbox id")
	mailboxReadCmd.Flags().IntVar(&mailboxLimit, "limit", 0, "maximum entries (0 = no cap)")

	mailboxMarkReadCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	mailboxMarkReadCmd.Flags().StringVar(&mailboxAgent, "agent", "", "agent whose mailbox to mark")
	mailboxMarkReadCmd.Flags().Int64SliceVar(&mailboxIDs, "id", nil, "mailbox id to mark read (repeatable)")
	mailboxMarkReadCmd.Flags().Int64Var(&mailboxUpTo, "up-to", 0, "mark every entry up to and including this mailbox id")
	mailboxMarkReadCmd.Flags().BoolVar(&mailboxAll, "all", false, "mark every unread entry read")

	mailboxFormatCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	mailboxFormatCmd.Flags().StringVar(&mailboxAgent, "agent", "", "mailbox owner")
	mailboxFormatCmd.Flags().Int64Var(&mailboxItemID, "id", 0, "mailbox id to format")
}

// --- Convenience sends ----------------------------------------------

var (
	dispatchAgent          string
	dispatchCodexBin       string
	dispatchPermissionMode string
	dispatchModel          string
	dispatchProfile        string
	dispatchCwd            string
)

// runSingleDispatch implements a one-shot version of the worker loop's
// blocking dispatch (internal/worker.Loop.scanAndClassify +
// dispatchBlocking), against the filesystem surface's MailboxStore
// directly rather than the Mail Fabric's sqlite-backed FetchInbox.
func runSingleDispatch(agent string) error {
	store := storage.NewMailboxStore(sessionDir())
	items, err := store.FetchInbox(mailboxRoom, agent, true, 0, 0)
	if err != nil {
		return err
	}

	var lines []string
	var indexes []int64
	for _, it := range items {
		if it.Message == nil || !fabric.IsActionable(it.Message.Kind) {
			continue
		}
		summary, _ := it.Message.Meta["summary"].(string)
		lines = append(lines, fmt.Sprintf("from=%s summary=%s text=%s", it.Message.Sender, summary, it.Message.Body))
		indexes = append(indexes, it.MailboxID)
	}
	if len(lines) == 0 {
		return nil
	}

	prompt := "You have new mail. Respond to the items below.\n\n" + strings.Join(lines, "\n")
	args := agentproc.BuildArgs(dispatchPermissionMode, dispatchModel, dispatchProfile, dispatchCwd, prompt)

	child, err := agentproc.Spawn(dispatchCodexBin, args)
	if err != nil {
		return err
	}
	for {
		if exited, _ := child.Exited(); exited {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	out, _ := child.Capture()
	fmt.Println(agentproc.Summarize(string(out), false))

	filter := storage.MarkReadFilter{Room: mailboxRoom, MailboxIDs: indexes}
	_, err = store.MarkRead(agent, filter, time.Now())
	return err
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one blocking worker tick for --agent against this session",
	Long: `dispatch fetches --agent's unread actionable mail, spawns the
external agent once with the accumulated prompt (the same contract as
the single-agent worker loop's blocking dispatch), and acknowledges
whatever it consumed. It is meant for scripted, one-shot invocations
rather than a standing process — use the worker or hub commands for
that.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingleDispatch(dispatchAgent)
	},
}

var sendToLeadCmd = &cobra.Command{
	Use:   "send-to-lead",
	Short: "Send a message to this session's resolved lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewTeamConfigStore(sessionDir()).Get()
		if err != nil {
			return err
		}
		lead, err := config.LeadName(&cfg)
		if err != nil {
			return err
		}
		_, err = storage.NewMailboxStore(sessionDir()).AppendMessage(mailboxRoom, lead, fabric.Message{
			Sender: sendFrom, Recipient: lead, Kind: fabric.Kind(mailboxKind), Body: mailboxBody,
			Meta: map[string]any{"summary": mailboxSummary}, Ts: nowString(),
		}, time.Now())
		return err
	},
}

var sendIdleCmd = &cobra.Command{
	Use:   "send-idle",
	Short: "Send an idle_notification from --from to this session's lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewTeamConfigStore(sessionDir()).Get()
		if err != nil {
			return err
		}
		lead, err := config.LeadName(&cfg)
		if err != nil {
			return err
		}
		_, err = storage.NewMailboxStore(sessionDir()).AppendMessage(mailboxRoom, lead, fabric.Message{
			Sender: sendFrom, Recipient: lead, Kind: fabric.KindIdleNotification, Body: "idle", Ts: nowString(),
		}, time.Now())
		return err
	},
}

var inboxPollCmd = &cobra.Command{
	Use:   "inbox-poll",
	Short: "Print --agent's mention token (changes whenever new unread mail arrives)",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := storage.NewMailboxStore(sessionDir()).MentionToken(mailboxRoom, mailboxAgent)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchAgent, "agent", "", "agent to dispatch")
	dispatchCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	dispatchCmd.Flags().StringVar(&dispatchCodexBin, "codex-bin", "codex", "external agent binary")
	dispatchCmd.Flags().StringVar(&dispatchPermissionMode, "permission-mode", "", "permission mode")
	dispatchCmd.Flags().StringVar(&dispatchModel, "model", "", "model override")
	dispatchCmd.Flags().StringVar(&dispatchProfile, "profile", "", "profile override")
	dispatchCmd.Flags().StringVar(&dispatchCwd, "cwd", "", "working directory")

	sendToLeadCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	sendToLeadCmd.Flags().StringVar(&sendFrom, "from", "", "sender agent id")
	sendToLeadCmd.Flags().StringVar(&mailboxKind, "kind", string(fabric.KindNote), "message kind")
	sendToLeadCmd.Flags().StringVar(&mailboxBody, "body", "", "message body")
	sendToLeadCmd.Flags().StringVar(&mailboxSummary, "summary", "", "one-line summary")

	sendIdleCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	sendIdleCmd.Flags().StringVar(&sendFrom, "from", "", "sender agent id")

	inboxPollCmd.Flags().StringVar(&mailboxRoom, "room", "main", "room name")
	inboxPollCmd.Flags().StringVar(&mailboxAgent, "agent", "", "agent to poll")
}

// --- State Blob -------------------------------------------------------

var (
	stateSelf          string
	stateLead          string
	stateTeammatesCSV  string
)

var stateContextSetCmd = &cobra.Command{
	Use:   "state-context-set",
	Short: "Set this session's State Blob team context",
	RunE: func(cmd *cobra.Command, args []string) error {
		var teammates []string
		if stateTeammatesCSV != "" {
			teammates = strings.Split(stateTeammatesCSV, ",")
		}
		return storage.NewStateBlobStore(sessionDir()).SetContext(fabric.TeamContext{
			Self: stateSelf, Lead: stateLead, Teammates: teammates,
		})
	},
}

var stateContextClearCmd = &cobra.Command{
	Use:   "state-context-clear",
	Short: "Clear this session's State Blob team context",
	RunE: func(cmd *cobra.Command, args []string) error {
		return storage.NewStateBlobStore(sessionDir()).ClearContext()
	},
}

var stateGetCmd = &cobra.Command{
	Use:   "state-get",
	Short: "Print this session's State Blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := storage.NewStateBlobStore(sessionDir()).Get()
		if err != nil {
			return err
		}
		printJSONOr(blob, func() {
			fmt.Printf("self=%s lead=%s muted=%v auto_kill_on_done=%v\n", blob.Team.Self, blob.Team.Lead, blob.Muted, blob.AutoKillOnDone)
		})
		return nil
	},
}

func init() {
	stateContextSetCmd.Flags().StringVar(&stateSelf, "self", "", "this agent's own id")
	stateContextSetCmd.Flags().StringVar(&stateLead, "lead", "", "the lead's id")
	stateContextSetCmd.Flags().StringVar(&stateTeammatesCSV, "teammates", "", "comma-separated teammate ids")
}

// --- Runtime Table ------------------------------------------------

var (
	runtimeAgent   string
	runtimeBackend string
	runtimePID     int
	runtimePaneID  string
	runtimeWindow  string
	runtimeStatus  string
)

var runtimeSetCmd = &cobra.Command{
	Use:   "runtime-set",
	Short: "Record a Runtime Record for --agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := nowString()
		return storage.NewRuntimeTableStore(sessionDir()).Set(fabric.RuntimeRecord{
			Agent: runtimeAgent, Backend: runtimeBackend, Status: fabric.RuntimeRunning,
			PID: runtimePID, PaneID: runtimePaneID, Window: runtimeWindow, StartedAt: now, UpdatedAt: now,
		})
	},
}

var runtimeMarkCmd = &cobra.Command{
	Use:   "runtime-mark",
	Short: "Update --agent's Runtime Record status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return storage.NewRuntimeTableStore(sessionDir()).Mark(runtimeAgent, fabric.RuntimeStatus(runtimeStatus))
	},
}

var runtimeListCmd = &cobra.Command{
	Use:   "runtime-list",
	Short: "List Runtime Records, optionally filtered by --status",
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := storage.NewRuntimeTableStore(sessionDir()).List(fabric.RuntimeStatus(runtimeStatus))
		if err != nil {
			return err
		}
		printJSONOr(recs, func() {
			for _, r := range recs {
				fmt.Printf("%s backend=%s status=%s pid=%d\n", r.Agent, r.Backend, r.Status, r.PID)
			}
		})
		return nil
	},
}

var runtimeKillCmd = &cobra.Command{
	Use:   "runtime-kill",
	Short: "Mark --agent's Runtime Record terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		return storage.NewRuntimeTableStore(sessionDir()).Mark(runtimeAgent, fabric.RuntimeTerminated)
	},
}

func init() {
	runtimeSetCmd.Flags().StringVar(&runtimeAgent, "agent", "", "agent id")
	runtimeSetCmd.Flags().StringVar(&runtimeBackend, "backend", "subprocess", "backend: subprocess or tmux")
	runtimeSetCmd.Flags().IntVar(&runtimePID, "pid", 0, "process id (subprocess backend)")
	runtimeSetCmd.Flags().StringVar(&runtimePaneID, "pane-id", "", "tmux pane/session id (tmux backend)")
	runtimeSetCmd.Flags().StringVar(&runtimeWindow, "window", "", "tmux window (tmux backend)")

	runtimeMarkCmd.Flags().StringVar(&runtimeAgent, "agent", "", "agent id")
	runtimeMarkCmd.Flags().StringVar(&runtimeStatus, "status", "", "new status: running or terminated")

	runtimeListCmd.Flags().StringVar(&runtimeStatus, "status", "", "filter by status (empty = all)")

	runtimeKillCmd.Flags().StringVar(&runtimeAgent, "agent", "", "agent id")
}

// --- Color palette ------------------------------------------------

var colorMapCmd = &cobra.Command{
	Use:   "color-map",
	Short: "Print the fixed 8-color palette and its multiplexer mapping",
	RunE: func(cmd *cobra.Command, args []string) error {
		type row struct {
			Color       color.Color `json:"color"`
			Multiplexer string      `json:"multiplexer"`
		}
		var rows []row
		for _, c := range color.All() {
			mc, err := color.MultiplexerColor(c)
			if err != nil {
				return err
			}
			rows = append(rows, row{Color: c, Multiplexer: mc})
		}
		printJSONOr(rows, func() {
			for _, r := range rows {
				fmt.Printf("%s -> %s\n", r.Color, r.Multiplexer)
			}
		})
		return nil
	},
}

func nowString() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
