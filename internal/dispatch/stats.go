package dispatch

import (
	"sync/atomic"
	"time"
)

// Stats holds process-wide monotonic counters. Every counter is an
// independent atomic; they are not a consistent snapshot of one another.
type Stats struct {
	since time.Time

	received  atomic.Uint64
	matched   atomic.Uint64
	muted     atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// StatsSnapshot is a point-in-time read of Stats.
type StatsSnapshot struct {
	Since     time.Time `json:"since"`
	Received  uint64    `json:"received"`
	Matched   uint64    `json:"matched"`
	Muted     uint64    `json:"muted"`
	Delivered uint64    `json:"delivered"`
	Failed    uint64    `json:"failed"`
	Rejected  uint64    `json:"rejected"`
}

func newStats(since time.Time) *Stats { return &Stats{since: since} }

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Since:     s.since,
		Received:  s.received.Load(),
		Matched:   s.matched.Load(),
		Muted:     s.muted.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
	}
}
