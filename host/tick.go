package host

import (
	"context"
	"sync"

	"github.com/rvscript/scripthost/script"
)

// TickStats summarizes one instance after a Tick() pass for the CLI's "top"
// dashboard: its name, budget overrun count, and crashed status. It carries
// no tick-blocked-thread counts.
type TickStats struct {
	Name          string
	BudgetOverruns uint64
	Crashed        bool
}

// blockReasons tracks, per thread-block reason code, how many of this
// Host's threads are currently parked on it — the collaborator
// script.EachTickEvent's BlockedCounter reports against (spec.md §4.9).
// Host owns it (rather than script.Instance) because blocking is a
// cross-instance, host-orchestration concept: one instance's tick handler
// asks "how many total threads, across every instance, are blocked for
// reason R", not just its own.
type blockReasons struct {
	mu     sync.Mutex
	counts map[int32]int
}

// SetBlockedCount records that n threads are currently blocked on reason,
// replacing whatever count was previously recorded for it. Host
// orchestration (a cooperative scheduler, a worker pool) calls this as
// threads park and unpark; script.Instance never calls it directly.
func (h *Host) SetBlockedCount(reason int32, n int) {
	h.blocked.mu.Lock()
	defer h.blocked.mu.Unlock()
	h.blocked.counts[reason] = n
}

func (h *Host) blockedCounter(reason int32) int {
	h.blocked.mu.Lock()
	defer h.blocked.mu.Unlock()
	return h.blocked.counts[reason]
}

// Tick runs EachTickEvent on every registered instance, feeding it this
// Host's blocked-thread counts, and returns a TickStats snapshot per
// instance for diagnostics (spec.md §2 "TickPreemption", §4.2, §4.9: "part
// of script (EachTickEvent) + host orchestration").
func (h *Host) Tick(ctx context.Context) []TickStats {
	instances := h.Registry.All()
	stats := make([]TickStats, 0, len(instances))
	for _, inst := range instances {
		if _, err := inst.EachTickEvent(ctx, script.BlockedCounter(h.blockedCounter)); err != nil {
			h.log.WithField("script", inst.Name()).WithError(err).Warn("tick event failed")
		}
		stats = append(stats, TickStats{
			Name:           inst.Name(),
			BudgetOverruns: inst.BudgetOverruns(),
			Crashed:        inst.Crashed(),
		})
	}
	return stats
}
