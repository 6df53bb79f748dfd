package cmd

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/panebridge"
	"github.com/codex-teams/fabric/internal/storage"
	"github.com/codex-teams/fabric/internal/tmux"
)

var (
	paneBridgeRepo        string
	paneBridgeSession     string
	paneBridgeRoom        string
	paneBridgeLeadName    string
	paneBridgeIdleMs      int
)

var paneBridgeCmd = &cobra.Command{
	Use:     "pane-bridge",
	GroupID: GroupProcess,
	Short:   "Run the Pane Bridge over every tmux-backed runtime record",
	Long: `pane-bridge is the alternate mailbox consumer named in spec §4.5:
instead of spawning an external agent process, it injects a rendered
prompt directly into a running tmux pane, and watches for a worker's
done signal to kill the pane.`,
	RunE: runPaneBridge,
}

func init() {
	paneBridgeCmd.Flags().StringVar(&paneBridgeRepo, "repo", ".", "repository root")
	paneBridgeCmd.Flags().StringVar(&paneBridgeSession, "session", "default", "session name")
	paneBridgeCmd.Flags().StringVar(&paneBridgeRoom, "room", "main", "room name")
	paneBridgeCmd.Flags().StringVar(&paneBridgeLeadName, "lead-name", "lead", "lead agent id")
	paneBridgeCmd.Flags().IntVar(&paneBridgeIdleMs, "poll-ms", 250, "poll interval in milliseconds")
}

func runPaneBridge(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(paneBridgeRepo, ".codex-teams", paneBridgeSession)
	rl, err := storage.OpenRoomLog(filepath.Join(dir, "bus.sqlite"))
	if err != nil {
		return err
	}
	defer rl.Close()

	m := mail.New(rl)
	rt := storage.NewRuntimeTableStore(dir)
	logger := log.New(os.Stderr, "", log.LstdFlags)

	bridge := panebridge.New(panebridge.Config{
		Room: paneBridgeRoom, LeadName: paneBridgeLeadName, IdleTimeout: time.Duration(paneBridgeIdleMs) * time.Millisecond,
	}, m, rt, tmux.NewTmux(), logger, func(agent string) *storage.StateBlobStore {
		return storage.NewStateBlobStore(filepath.Join(paneBridgeRepo, ".codex-teams", agent))
	})

	return bridge.Run(context.Background())
}
