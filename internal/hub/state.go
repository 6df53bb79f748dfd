// Package hub implements the Hub Supervisor from spec §4.3: a
// single-threaded cooperative scheduler over N worker states, batching
// inbound mail into prompts, spawning and draining external agent
// processes, enforcing in-flight semantics on acknowledgement, and
// emitting collaboration/result updates.
package hub

import (
	"time"

	"github.com/codex-teams/fabric/internal/agentproc"
	"github.com/codex-teams/fabric/internal/fabric"
)

// Resource caps and batch sizes from spec §5/§6.
const (
	WorkerMailboxBatch    = 200
	LeadMailboxBatch      = 500
	MaxPromptMessagesPerRun = 8
	MaxPromptCharsPerRun  = 12_000

	ActiveLoopSleep = 20 * time.Millisecond
	FastLoopSleep   = 50 * time.Millisecond
	MaxLoopSleep    = 250 * time.Millisecond

	FSCmdRetries  = 2
	BusCmdRetries = 3
	RetryBaseDelay = 80 * time.Millisecond

	ShutdownGrace = 5 * time.Second

	MassRestartWindow    = 30 * time.Second
	MassRestartThreshold = 3
)

// PromptLine is one queued line awaiting inclusion in the next prompt
// batch: "from=<sender> summary=<summary> text=<text>" plus the
// mailbox index it composes, per spec §4.3c.
type PromptLine struct {
	Text         string
	MailboxIndex int64
}

// runningChild tracks the external agent process dispatched for a
// worker's current prompt batch.
type runningChild struct {
	child     *agentproc.Child
	startedAt time.Time
	indexes   []int64
}

// WorkerState is the per-agent state the hub's scheduler carries
// across ticks, per spec §4.3.
type WorkerState struct {
	Name  string
	Room  string
	IsLead bool
	Role  fabric.Role

	// Permission-mode profile consulted by agentproc.BuildArgs.
	PermissionMode string
	Model          string
	Profile        string
	Cwd            string

	ScanIndex   int64
	LastToken   int64
	ForceRescan bool

	PromptQueue []PromptLine
	InFlight    map[int64]bool

	running *runningChild

	// CollabTargets accumulates, per peer, the set of source kinds seen
	// this run — spec §4.3e's fan-out-by-accumulated-targets rule.
	CollabTargets map[string]map[fabric.Kind]bool

	Stopped         bool
	LastActivity    time.Time
	LastIdleNotify  time.Time
	idleNotified    bool

	// lastExitAt is never set or read; the hub's flap detector keeps
	// its own exit window in Hub.deaths.
	lastExitAt time.Time
}

// NewWorkerState creates a fresh WorkerState for agent in room.
func NewWorkerState(name, room string, role fabric.Role, isLead bool) *WorkerState {
	return &WorkerState{
		Name:          name,
		Room:          room,
		IsLead:        isLead,
		Role:          role,
		InFlight:      map[int64]bool{},
		CollabTargets: map[string]map[fabric.Kind]bool{},
		LastActivity:  time.Now(),
	}
}

// IsBusy reports whether this worker currently has a child running.
func (w *WorkerState) IsBusy() bool { return w.running != nil }

// touchActivity resets the idle clock whenever the worker does
// anything observable (scan found new mail, dispatched, drained).
func (w *WorkerState) touchActivity(now time.Time) {
	w.LastActivity = now
	w.idleNotified = false
}
