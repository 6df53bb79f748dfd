package hub

import (
	"os"
	"time"

	"github.com/codex-teams/fabric/internal/storage"
)

// heartbeatBlob is the optional `heartbeat.json` liveness blob from
// spec §6: {ts, pid, session, room, active_workers, total_workers, stop}.
type heartbeatBlob struct {
	Ts            string `json:"ts"`
	Pid           int    `json:"pid"`
	Session       string `json:"session"`
	Room          string `json:"room"`
	ActiveWorkers int    `json:"active_workers"`
	TotalWorkers  int    `json:"total_workers"`
	Stop          bool   `json:"stop"`
}

// writeHeartbeatIfDue writes heartbeat.json at cadence
// max(500ms, poll_ms), per spec §6.
func (h *Hub) writeHeartbeatIfDue(last *time.Time) {
	if h.cfg.HeartbeatFile == "" {
		return
	}
	cadence := 500 * time.Millisecond
	pollMs := time.Duration(h.cfg.PollMs) * time.Millisecond
	if pollMs > cadence {
		cadence = pollMs
	}
	if !last.IsZero() && time.Since(*last) < cadence {
		return
	}
	*last = time.Now()

	active := 0
	for _, w := range h.workers {
		if w.IsBusy() {
			active++
		}
	}

	blob := heartbeatBlob{
		Ts:            time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Pid:           os.Getpid(),
		Session:       h.cfg.Room,
		Room:          h.cfg.Room,
		ActiveWorkers: active,
		TotalWorkers:  len(h.workers),
		Stop:          h.isStopped(),
	}
	if err := storage.WriteHeartbeat(h.cfg.HeartbeatFile, blob); err != nil {
		h.logLifecycle("heartbeat write failed: " + err.Error())
	}
}

// recordDeath tracks a worker exit for the flap/mass-restart detector
// (SPEC_FULL.md supplemented feature #6), grounded on the teacher's
// recordSessionDeath/emitMassDeathEvent window-based counting.
func (h *Hub) recordDeath(worker string, now time.Time) {
	h.deaths = append(h.deaths, deathRecord{worker: worker, at: now})

	cutoff := now.Add(-MassRestartWindow)
	kept := h.deaths[:0]
	for _, d := range h.deaths {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	h.deaths = kept

	if len(h.deaths) >= MassRestartThreshold {
		h.logLifecycle("flap-detected: " + flapSummary(h.deaths))
	}
}

func flapSummary(deaths []deathRecord) string {
	names := make(map[string]bool, len(deaths))
	for _, d := range deaths {
		names[d.worker] = true
	}
	s := ""
	for n := range names {
		if s != "" {
			s += ","
		}
		s += n
	}
	return s
}
