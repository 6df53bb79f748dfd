package hub

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codex-teams/fabric/internal/control"
	"github.com/codex-teams/fabric/internal/fabric"
	"github.com/codex-teams/fabric/internal/mail"
	"github.com/codex-teams/fabric/internal/storage"
)

// Config carries the Hub CLI surface's flags (spec §6 "Hub").
type Config struct {
	Room          string
	CodexBin      string
	PollMs        int
	IdleMs        int
	PermissionMode string
	HeartbeatFile string
	LifecycleLog  string
}

// Hub is the cooperative scheduler over N Worker States described in
// spec §4.3, grounded on the teacher's daemon.Daemon.Run single
// select-loop structure generalized from "ensure agents running" to
// "scan, classify, enqueue, dispatch, drain, acknowledge" per worker.
type Hub struct {
	cfg Config

	mail    *mail.Fabric
	control *control.Lifecycle
	runtime *storage.RuntimeTableStore

	logger *log.Logger

	workers  []*WorkerState
	byName   map[string]*WorkerState
	leadName string

	workerDone      map[string]bool
	leadScanIndex   int64
	reviewAnnounced bool

	stopMu sync.Mutex
	stop   bool

	deaths []deathRecord
}

type deathRecord struct {
	worker string
	at     time.Time
}

// New constructs a Hub over workers (in dispatch order), with leadName
// identifying which worker is the team lead.
func New(cfg Config, m *mail.Fabric, ctl *control.Lifecycle, rt *storage.RuntimeTableStore, logger *log.Logger, workers []*WorkerState, leadName string) *Hub {
	byName := make(map[string]*WorkerState, len(workers))
	done := make(map[string]bool, len(workers))
	for _, w := range workers {
		byName[w.Name] = w
		if w.Role == fabric.RoleWorker {
			done[w.Name] = false
		}
	}
	return &Hub{
		cfg:        cfg,
		mail:       m,
		control:    ctl,
		runtime:    rt,
		logger:     logger,
		workers:    workers,
		byName:     byName,
		leadName:   leadName,
		workerDone: done,
	}
}

func (h *Hub) isStopped() bool {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()
	return h.stop
}

func (h *Hub) setStopped() {
	h.stopMu.Lock()
	h.stop = true
	h.stopMu.Unlock()
}

// Run drives the main loop until ctx is canceled or a termination
// signal arrives. It always returns after a clean shutdown sequence.
func (h *Hub) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var lastHeartbeat time.Time

	for {
		if h.isStopped() {
			return h.shutdown(ctx, "stop flag set")
		}

		select {
		case <-ctx.Done():
			return h.shutdown(ctx, "context canceled")
		case sig := <-sigCh:
			return h.shutdown(ctx, fmt.Sprintf("received signal %v", sig))
		default:
		}

		anyWork := false
		for _, w := range h.workers {
			if w.Stopped {
				continue
			}
			did := h.tick(ctx, w)
			anyWork = anyWork || did
		}

		leadRescan := h.aggregateLeadSide(ctx)
		anyWork = anyWork || leadRescan

		anyChildRunning := false
		for _, w := range h.workers {
			if w.IsBusy() {
				anyChildRunning = true
				break
			}
		}

		h.writeHeartbeatIfDue(&lastHeartbeat)

		sleep := h.computeSleep(anyWork, anyChildRunning)
		select {
		case <-ctx.Done():
			return h.shutdown(ctx, "context canceled")
		case sig := <-sigCh:
			return h.shutdown(ctx, fmt.Sprintf("received signal %v", sig))
		case <-time.After(sleep):
		}
	}
}

// computeSleep implements spec §5's adaptive sleep budget.
func (h *Hub) computeSleep(anyWork, anyChildRunning bool) time.Duration {
	if anyWork {
		return ActiveLoopSleep
	}
	if anyChildRunning {
		return FastLoopSleep
	}
	pollMs := time.Duration(h.cfg.PollMs) * time.Millisecond
	d := FastLoopSleep
	if pollMs > d {
		d = pollMs
	}
	if d > MaxLoopSleep {
		d = MaxLoopSleep
	}
	return d
}

// shutdown terminates active children (SIGTERM, grace, SIGKILL),
// drains remaining output, marks every worker offline, and logs a
// lifecycle line with reason — per spec §4.3 "Shutdown".
func (h *Hub) shutdown(ctx context.Context, reason string) error {
	h.setStopped()
	h.logLifecycle(fmt.Sprintf("shutdown: %s", reason))

	for _, w := range h.workers {
		if !w.IsBusy() {
			continue
		}
		pid := w.running.child.PID()
		if pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGTERM) // best-effort graceful stop first
			done := make(chan struct{})
			go func() {
				for {
					if exited, _ := w.running.child.Exited(); exited {
						close(done)
						return
					}
					time.Sleep(50 * time.Millisecond)
				}
			}()
			select {
			case <-done:
			case <-time.After(ShutdownGrace):
				_ = w.running.child.Kill()
			}
		}
		w.running = nil
	}

	for _, w := range h.workers {
		if err := retryFS(func() error { return h.runtime.Mark(w.Name, fabric.RuntimeTerminated) }); err != nil {
			h.logLifecycle(fmt.Sprintf("mark offline failed for %s: %v", w.Name, err))
		}
	}

	h.logLifecycle("shutdown complete")
	return nil
}

func (h *Hub) logLifecycle(msg string) {
	if h.logger != nil {
		h.logger.Println(msg)
	}
}
