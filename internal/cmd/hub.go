package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/hub"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

var (
	hubRepo           string
	hubSession        string
	hubRoom           string
	hubPrefix         string
	hubCount          int
	hubAgentsCSV      string
	hubWorktreesRoot  string
	hubProfile        string
	hubModel          string
	hubLeadName       string
	hubLeadCwd        string
	hubLeadProfile    string
	hubLeadModel      string
	hubReviewerName   string
	hubReviewerProfile string
	hubReviewerModel  string
	hubReviewerPermissionMode string
	hubCodexBin       string
	hubPollMs         int
	hubIdleMs         int
	hubPermissionMode string
	hubPlanModeRequired bool
	hubHeartbeatFile  string
	hubLifecycleLog   string
)

var hubCmd = &cobra.Command{
	Use:     "hub",
	GroupID: GroupProcess,
	Short:   "Run the Hub Supervisor over a generated or explicit worker set",
	Long: `hub drives the cooperative scan/classify/dispatch/drain/ack loop
over every worker in the room, plus a lead and an optional reviewer,
until a termination signal or context cancellation triggers a clean
shutdown.`,
	RunE: runHub,
}

func init() {
	hubCmd.Flags().StringVar(&hubRepo, "repo", ".", "repository root")
	hubCmd.Flags().StringVar(&hubSession, "session", "default", "session name")
	hubCmd.Flags().StringVar(&hubRoom, "room", "main", "room name")
	hubCmd.Flags().StringVar(&hubPrefix, "prefix", "worker-", "generated worker name prefix")
	hubCmd.Flags().IntVar(&hubCount, "count", 0, "number of generated workers (worker set is --agents-csv instead when set)")
	hubCmd.Flags().StringVar(&hubAgentsCSV, "agents-csv", "", "explicit comma-separated worker agent ids")
	hubCmd.Flags().StringVar(&hubWorktreesRoot, "worktrees-root", "", "root directory each generated worker's cwd nests under")
	hubCmd.Flags().StringVar(&hubProfile, "profile", "", "default worker profile")
	hubCmd.Flags().StringVar(&hubModel, "model", "", "default worker model")
	hubCmd.Flags().StringVar(&hubLeadName, "lead-name", "lead", "lead agent id")
	hubCmd.Flags().StringVar(&hubLeadCwd, "lead-cwd", "", "lead's working directory")
	hubCmd.Flags().StringVar(&hubLeadProfile, "lead-profile", "", "lead's profile override")
	hubCmd.Flags().StringVar(&hubLeadModel, "lead-model", "", "lead's model override")
	hubCmd.Flags().StringVar(&hubReviewerName, "reviewer-name", "", "reviewer agent id (optional)")
	hubCmd.Flags().StringVar(&hubReviewerProfile, "reviewer-profile", "", "reviewer's profile override")
	hubCmd.Flags().StringVar(&hubReviewerModel, "reviewer-model", "", "reviewer's model override")
	hubCmd.Flags().StringVar(&hubReviewerPermissionMode, "reviewer-permission-mode", "plan", "reviewer's permission mode")
	hubCmd.Flags().StringVar(&hubCodexBin, "codex-bin", "codex", "external agent binary")
	hubCmd.Flags().IntVar(&hubPollMs, "poll-ms", 500, "base poll interval in milliseconds")
	hubCmd.Flags().IntVar(&hubIdleMs, "idle-ms", 0, "idle-notification threshold in milliseconds (0 disables)")
	hubCmd.Flags().StringVar(&hubPermissionMode, "permission-mode", "", "default worker permission mode")
	hubCmd.Flags().BoolVar(&hubPlanModeRequired, "plan-mode-required", false, "accepted but not read by the hub; setting it changes nothing")
	hubCmd.Flags().StringVar(&hubHeartbeatFile, "heartbeat-file", "", "optional heartbeat.json path")
	hubCmd.Flags().StringVar(&hubLifecycleLog, "lifecycle-log", "", "optional hub.log path")
}

func hubSessionDir() string {
	return filepath.Join(hubRepo, ".codex-teams", hubSession)
}

func runHub(cmd *cobra.Command, args []string) error {
	dir := hubSessionDir()
	rl, err := storage.OpenRoomLog(filepath.Join(dir, "bus.sqlite"))
	if err != nil {
		return err
	}
	defer rl.Close()

	m := mail.New(rl)
	ctl := control.New(rl, m)
	rt := storage.NewRuntimeTableStore(dir)

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if hubLifecycleLog != "" {
		f, err := os.OpenFile(hubLifecycleLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening lifecycle log: %w", err)
		}
		defer f.Close()
		logger = log.New(f, "", log.LstdFlags)
	}

	workers := buildWorkers()

	h := hub.New(hub.Config{
		Room: hubRoom, CodexBin: hubCodexBin, PollMs: hubPollMs, IdleMs: hubIdleMs,
		PermissionMode: hubPermissionMode, HeartbeatFile: hubHeartbeatFile, LifecycleLog: hubLifecycleLog,
	}, m, ctl, rt, logger, workers, hubLeadName)

	return h.Run(context.Background())
}

// buildWorkers assembles the lead, optional reviewer, and either an
// explicit --agents-csv set or --count generated workers named
// "<prefix><n>", per spec §6's Hub flag surface.
func buildWorkers() []*hub.WorkerState {
	var workers []*hub.WorkerState

	lead := hub.NewWorkerState(hubLeadName, hubRoom, fabric.RoleLead, true)
	lead.Cwd, lead.Profile, lead.Model = hubLeadCwd, hubLeadProfile, hubLeadModel
	lead.PermissionMode = hubPermissionMode
	workers = append(workers, lead)

	if hubReviewerName != "" {
		reviewer := hub.NewWorkerState(hubReviewerName, hubRoom, fabric.RoleReviewer, false)
		reviewer.Profile, reviewer.Model = hubReviewerProfile, hubReviewerModel
		reviewer.PermissionMode = hubReviewerPermissionMode
		workers = append(workers, reviewer)
	}

	names := workerNames()
	for _, name := range names {
		w := hub.NewWorkerState(name, hubRoom, fabric.RoleWorker, false)
		w.Profile, w.Model, w.PermissionMode = hubProfile, hubModel, hubPermissionMode
		if hubWorktreesRoot != "" {
			w.Cwd = filepath.Join(hubWorktreesRoot, name)
		}
		workers = append(workers, w)
	}
	return workers
}

func workerNames() []string {
	if hubAgentsCSV != "" {
		return strings.Split(hubAgentsCSV, ",")
	}
	names := make([]string, 0, hubCount)
	for i := 1; i <= hubCount; i++ {
		names = append(names, fmt.Sprintf("%s%d", hubPrefix, i))
	}
	return names
}
