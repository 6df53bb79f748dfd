package cmd

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
	"github.com/codex-teams/fabric/internal/worker"
)

var (
	workerRepo           string
	workerSession        string
	workerRoom           string
	workerAgent          string
	workerLeadName       string
	workerCodexBin       string
	workerPollMs         int
	workerIdleMs         int
	workerPermissionMode string
	workerModel          string
	workerProfile        string
	workerCwd            string
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	GroupID: GroupProcess,
	Short:   "Run the single-agent Worker Loop for one agent",
	Long: `worker drives the same scan/classify/dispatch pipeline as one
hub worker, but as its own process with a blocking child invocation
instead of the hub's concurrent drain — used interchangeably with the
hub for a one-agent-per-process deployment.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerRepo, "repo", ".", "repository root")
	workerCmd.Flags().StringVar(&workerSession, "session", "default", "session name")
	workerCmd.Flags().StringVar(&workerRoom, "room", "main", "room name")
	workerCmd.Flags().StringVar(&workerAgent, "agent", "", "this worker's agent id")
	workerCmd.Flags().StringVar(&workerLeadName, "lead-name", "lead", "lead agent id")
	workerCmd.Flags().StringVar(&workerCodexBin, "codex-bin", "codex", "external agent binary")
	workerCmd.Flags().IntVar(&workerPollMs, "poll-ms", 500, "base poll interval in milliseconds")
	workerCmd.Flags().IntVar(&workerIdleMs, "idle-ms", 0, "idle-notification threshold in milliseconds (0 disables)")
	workerCmd.Flags().StringVar(&workerPermissionMode, "permission-mode", "", "permission mode")
	workerCmd.Flags().StringVar(&workerModel, "model", "", "model override")
	workerCmd.Flags().StringVar(&workerProfile, "profile", "", "profile override")
	workerCmd.Flags().StringVar(&workerCwd, "cwd", "", "working directory")
}

func runWorker(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(workerRepo, ".codex-teams", workerSession)
	rl, err := storage.OpenRoomLog(filepath.Join(dir, "bus.sqlite"))
	if err != nil {
		return err
	}
	defer rl.Close()

	m := mail.New(rl)
	ctl := control.New(rl, m)
	rt := storage.NewRuntimeTableStore(dir)
	logger := log.New(os.Stderr, "", log.LstdFlags)

	loop := worker.New(worker.Config{
		Room: workerRoom, Agent: workerAgent, LeadName: workerLeadName, CodexBin: workerCodexBin,
		PollMs: workerPollMs, IdleMs: workerIdleMs, PermissionMode: workerPermissionMode,
		Model: workerModel, Profile: workerProfile, Cwd: workerCwd,
	}, m, ctl, rt, logger)

	return loop.Run(context.Background())
}
