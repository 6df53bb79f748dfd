package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codex-teams/fabric/internal/color"
	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

// ansiFor maps a member's assigned palette color onto a plain ANSI
// foreground escape, grounded on the teacher's TTY-gated status
// rendering (status.go's term.IsTerminal check) rather than always
// emitting control codes into piped output.
var ansiFor = map[color.Color]string{
	color.Red:    "\x1b[31m",
	color.Blue:   "\x1b[34m",
	color.Green:  "\x1b[32m",
	color.Yellow: "\x1b[33m",
	color.Purple: "\x1b[35m",
	color.Orange: "\x1b[38;5;208m",
	color.Pink:   "\x1b[38;5;205m",
	color.Cyan:   "\x1b[36m",
}

const ansiReset = "\x1b[0m"

// isTTY reports whether stdout is an interactive terminal. Output gated
// on it (ANSI coloring) is skipped automatically when piped or
// redirected, matching the teacher's term.IsTerminal(os.Stdout) check.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// colorizeSender wraps name in c's ANSI escape when stdout is a
// terminal and c names a valid palette entry; otherwise it returns name
// unchanged.
func colorizeSender(name, c string) string {
	if !isTTY() {
		return name
	}
	code, ok := ansiFor[color.Color(c)]
	if !ok {
		return name
	}
	return code + name + ansiReset
}

var (
	busDB   string
	busRoom string

	registerAgent string
	registerRole  string
)

var busCmd = &cobra.Command{
	Use:     "bus",
	GroupID: GroupBus,
	Short:   "Operate against the sqlite Room Log",
	RunE:    requireSubcommand,
	Long: `The bus surface talks directly to bus.sqlite: one room log shared
by every agent in a room, with messages fanning out into per-recipient
mailbox rows.`,
}

func init() {
	busCmd.PersistentFlags().StringVar(&busDB, "db", "bus.sqlite", "path to the room log sqlite file")
	busCmd.PersistentFlags().StringVar(&busRoom, "room", "main", "room name")

	busCmd.AddCommand(
		busInitCmd, busRegisterCmd, busSendCmd, busTailCmd, busStatusCmd,
		busInboxCmd, busMarkReadCmd, busMembersCmd,
		busControlRequestCmd, busControlRespondCmd, busControlPendingCmd,
	)
}

// openBus opens the room log at --db and wires the Mail Fabric and
// Control Lifecycle over it. Callers must Close() the returned log.
func openBus() (*storage.RoomLog, *mail.Fabric, *control.Lifecycle, error) {
	rl, err := storage.OpenRoomLog(busDB)
	if err != nil {
		return nil, nil, nil, err
	}
	m := mail.New(rl)
	return rl, m, control.New(rl, m), nil
}

var busInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create (or migrate) the room log sqlite file at --db",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, _, err := openBus()
		if err != nil {
			return err
		}
		return rl.Close()
	},
}

var busRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Upsert a member row for --agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()
		now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
		_, err = rl.UpsertMember(context.Background(), fabric.Member{
			Room: busRoom, Agent: registerAgent, Role: fabric.Role(registerRole), LastSeenTs: now, JoinedTs: now,
		})
		return err
	},
}

var (
	sendFrom    string
	sendTo      string
	sendKind    string
	sendBody    string
	sendMeta    string
	sendCC      []string
	sendThreadID string
	sendReplyTo string
	sendPrintID bool
)

var busSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message (fans out to all active members when --to=all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, m, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		var meta map[string]any
		if sendMeta != "" {
			if err := json.Unmarshal([]byte(sendMeta), &meta); err != nil {
				return fmt.Errorf("--meta: %w", err)
			}
		}

		res, err := m.Send(context.Background(), mail.SendInput{
			Room: busRoom, Sender: sendFrom, Recipient: sendTo, Kind: fabric.Kind(sendKind),
			Body: sendBody, Meta: meta, CC: sendCC, ThreadID: sendThreadID, ReplyTo: sendReplyTo,
		})
		if err != nil {
			return err
		}
		if sendPrintID {
			fmt.Println(res.MessageID)
		}
		return nil
	},
}

var (
	tailSinceID int64
	tailFollow  bool
	tailPollMs  int
	tailLimit   int
	tailAll     bool
	tailJSON    bool
	tailAgent   string
)

var busTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print messages since --since-id, optionally following",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, m, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		ctx := context.Background()
		sinceID := tailSinceID
		for {
			msgs, err := m.FetchMessages(ctx, busRoom, sinceID, tailAgent, tailAll, tailLimit)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				printMessage(msg, tailJSON)
				sinceID = msg.ID
			}
			if !tailFollow {
				return nil
			}
			time.Sleep(time.Duration(tailPollMs) * time.Millisecond)
		}
	},
}

func printMessage(msg fabric.Message, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(msg)
		fmt.Println(string(data))
		return
	}
	sender := msg.Sender
	if c, ok := msg.Meta["color"].(string); ok {
		sender = colorizeSender(sender, c)
	}
	fmt.Printf("[%d] %s %s->%s %s: %s\n", msg.ID, msg.Ts, sender, msg.Recipient, msg.Kind, msg.Body)
}

var busStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize room membership and pending control requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, ctl, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		ctx := context.Background()
		members, err := rl.Members(ctx, busRoom)
		if err != nil {
			return err
		}
		pending, err := ctl.ListPending(ctx, busRoom, "")
		if err != nil {
			return err
		}
		if tailJSON {
			data, _ := json.Marshal(map[string]any{"members": members, "pending_control_requests": pending})
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("room=%s members=%d pending_control_requests=%d\n", busRoom, len(members), len(pending))
		return nil
	},
}

func init() {
	busRegisterCmd.Flags().StringVar(&registerAgent, "agent", "", "agent id to register")
	busRegisterCmd.Flags().StringVar(&registerRole, "role", "", "member role (optional)")

	busSendCmd.Flags().StringVar(&sendFrom, "from", "", "sender agent id")
	busSendCmd.Flags().StringVar(&sendTo, "to", fabric.RecipientAll, "recipient agent id, or \"all\" to broadcast")
	busSendCmd.Flags().StringVar(&sendKind, "kind", string(fabric.KindNote), "message kind")
	busSendCmd.Flags().StringVar(&sendBody, "body", "", "message body")
	busSendCmd.Flags().StringVar(&sendMeta, "meta", "", "message meta, as a JSON object")
	busSendCmd.Flags().StringArrayVar(&sendCC, "cc", nil, "additional recipients copied on the message")
	busSendCmd.Flags().StringVar(&sendThreadID, "thread-id", "", "thread id to carry through")
	busSendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id this replies to")
	busSendCmd.Flags().BoolVar(&sendPrintID, "print-id", false, "print the assigned message id on success")

	busTailCmd.Flags().Int64Var(&tailSinceID, "since-id", 0, "only show messages with id greater than this")
	busTailCmd.Flags().BoolVar(&tailFollow, "follow", false, "keep polling for new messages")
	busTailCmd.Flags().IntVar(&tailPollMs, "poll-ms", 500, "poll interval in milliseconds when --follow is set")
	busTailCmd.Flags().IntVar(&tailLimit, "limit", 200, "maximum messages per fetch")
	busTailCmd.Flags().BoolVar(&tailAll, "all", false, "bypass the viewer visibility filter")
	busTailCmd.Flags().BoolVar(&tailJSON, "json", false, "print one JSON object per message")
	busTailCmd.Flags().StringVar(&tailAgent, "agent", "", "viewer agent id for the visibility filter")

	busStatusCmd.Flags().BoolVar(&tailJSON, "json", false, "print a JSON summary")
}

var (
	inboxAgent          string
	inboxUnread         bool
	inboxSinceMailboxID int64
	inboxLimit          int
	inboxJSON           bool
	inboxMarkRead       bool
)

var busInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Fetch --agent's inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, m, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		ctx := context.Background()
		entries, err := m.FetchInbox(ctx, busRoom, inboxAgent, inboxUnread, inboxSinceMailboxID, inboxLimit)
		if err != nil {
			return err
		}
		if inboxMarkRead {
			ids := make([]int64, len(entries))
			for i, e := range entries {
				ids[i] = e.Item.MailboxID
			}
			if len(ids) > 0 {
				if _, err := m.MarkRead(ctx, busRoom, inboxAgent, mail.MarkReadSelector{MailboxIDs: ids}); err != nil {
					return err
				}
			}
		}
		if inboxJSON {
			data, _ := json.Marshal(entries)
			fmt.Println(string(data))
			return nil
		}
		for _, e := range entries {
			sender := e.Message.Sender
			if c, ok := e.Message.Meta["color"].(string); ok {
				sender = colorizeSender(sender, c)
			}
			fmt.Printf("[%d] %s %s from=%s: %s\n", e.Item.MailboxID, e.Item.State, e.Message.Kind, sender, e.Message.Body)
		}
		return nil
	},
}

var (
	markReadIDs  []int64
	markReadUpTo int64
	markReadAll  bool
)

var busMarkReadCmd = &cobra.Command{
	Use:   "mark-read",
	Short: "Mark --agent's mailbox entries read",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, m, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		sel := mail.MarkReadSelector{All: markReadAll, MailboxIDs: markReadIDs}
		if markReadUpTo > 0 {
			sel.UpTo = &markReadUpTo
		}
		n, err := m.MarkRead(context.Background(), busRoom, inboxAgent, sel)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var busMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List room members",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, _, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		members, err := rl.Members(context.Background(), busRoom)
		if err != nil {
			return err
		}
		if inboxJSON {
			data, _ := json.Marshal(members)
			fmt.Println(string(data))
			return nil
		}
		for _, mbr := range members {
			fmt.Printf("%s role=%s status=%s\n", mbr.Agent, mbr.Role, mbr.Status)
		}
		return nil
	},
}

func init() {
	busInboxCmd.Flags().StringVar(&inboxAgent, "agent", "", "agent whose inbox to fetch")
	busInboxCmd.Flags().BoolVar(&inboxUnread, "unread", false, "only unread entries")
	busInboxCmd.Flags().Int64Var(&inboxSinceMailboxID, "since-mailbox-id", 0, "only entries at or after this mailbox id")
	busInboxCmd.Flags().IntVar(&inboxLimit, "limit", 200, "maximum entries")
	busInboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "print entries as JSON")
	busInboxCmd.Flags().BoolVar(&inboxMarkRead, "mark-read", false, "mark the fetched entries read")

	busMarkReadCmd.Flags().StringVar(&inboxAgent, "agent", "", "agent whose mailbox to mark")
	busMarkReadCmd.Flags().Int64SliceVar(&markReadIDs, "id", nil, "mailbox id to mark read (repeatable)")
	busMarkReadCmd.Flags().Int64Var(&markReadUpTo, "up-to", 0, "mark every entry up to and including this mailbox id")
	busMarkReadCmd.Flags().BoolVar(&markReadAll, "all", false, "mark every unread entry read")

	busMembersCmd.Flags().BoolVar(&inboxJSON, "json", false, "print members as JSON")
}

var (
	controlFrom      string
	controlTo        string
	controlType      string
	controlBody      string
	controlSummary   string
	controlRequestID string
	controlApprove   bool
	controlReject    bool
	controlAgent     string
	controlAllStatus bool
	controlPrintID   bool
)

var busControlRequestCmd = &cobra.Command{
	Use:   "control-request",
	Short: "Create a pending control request (plan_approval, shutdown, permission, mode_set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, ctl, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		cr, err := ctl.Create(context.Background(), control.CreateInput{
			Room: busRoom, ReqType: fabric.CtlType(controlType),
			Sender: controlFrom, Recipient: controlTo, Body: controlBody, Summary: controlSummary,
		})
		if err != nil {
			return err
		}
		if controlPrintID {
			fmt.Println(cr.RequestID)
		}
		return nil
	},
}

var busControlRespondCmd = &cobra.Command{
	Use:   "control-respond",
	Short: "Resolve a pending control request",
	RunE: func(cmd *cobra.Command, args []string) error {
		if controlApprove == controlReject {
			return fmt.Errorf("exactly one of --approve or --reject is required")
		}
		rl, _, ctl, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		_, err = ctl.Respond(context.Background(), control.RespondInput{
			RequestID: controlRequestID, Responder: controlFrom, Approve: controlApprove, ResponseBody: controlSummary,
		})
		return err
	},
}

var busControlPendingCmd = &cobra.Command{
	Use:   "control-pending",
	Short: "List pending control requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, _, ctl, err := openBus()
		if err != nil {
			return err
		}
		defer rl.Close()

		recipient := controlAgent
		if controlAllStatus {
			recipient = ""
		}
		pending, err := ctl.ListPending(context.Background(), busRoom, recipient)
		if err != nil {
			return err
		}
		if inboxJSON {
			data, _ := json.Marshal(pending)
			fmt.Println(string(data))
			return nil
		}
		for _, cr := range pending {
			fmt.Printf("%s %s %s->%s %s\n", cr.RequestID, cr.ReqType, cr.Sender, cr.Recipient, cr.Status)
		}
		return nil
	},
}

func init() {
	busControlRequestCmd.Flags().StringVar(&controlFrom, "from", "", "requesting agent id")
	busControlRequestCmd.Flags().StringVar(&controlTo, "to", "", "recipient agent id")
	busControlRequestCmd.Flags().StringVar(&controlType, "type", "", "request type: plan_approval, shutdown, permission, mode_set")
	busControlRequestCmd.Flags().StringVar(&controlBody, "body", "", "request body")
	busControlRequestCmd.Flags().StringVar(&controlSummary, "summary", "", "short request summary")
	busControlRequestCmd.Flags().BoolVar(&controlPrintID, "print-id", false, "print the assigned request id on success")

	busControlRespondCmd.Flags().StringVar(&controlRequestID, "request-id", "", "request id to resolve")
	busControlRespondCmd.Flags().StringVar(&controlFrom, "from", "", "responding agent id")
	busControlRespondCmd.Flags().BoolVar(&controlApprove, "approve", false, "approve the request")
	busControlRespondCmd.Flags().BoolVar(&controlReject, "reject", false, "reject the request")
	busControlRespondCmd.Flags().StringVar(&controlSummary, "summary", "", "response body")

	busControlPendingCmd.Flags().StringVar(&controlAgent, "agent", "", "recipient to filter by")
	busControlPendingCmd.Flags().BoolVar(&controlAllStatus, "all-status", false, "list pending requests across every recipient")
	busControlPendingCmd.Flags().BoolVar(&inboxJSON, "json", false, "print requests as JSON")
}
