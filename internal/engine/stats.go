package engine

import "sync/atomic"

// Stats is a point-in-time copy of an engine's counters.
type Stats struct {
	Writes        int64 `json:"writes"`
	WriteFailures int64 `json:"write_failures"`
	StaleWrites   int64 `json:"stale_writes"`
	Notifications int64 `json:"notifications"`
	SelfFiltered  int64 `json:"self_filtered"`
	Duplicates    int64 `json:"duplicates"`
	Delivered     int64 `json:"delivered"`
	Polls         int64 `json:"polls"`
}

type counters struct {
	writes        atomic.Int64
	writeFailures atomic.Int64
	staleWrites   atomic.Int64
	notifications atomic.Int64
	selfFiltered  atomic.Int64
	duplicates    atomic.Int64
	delivered     atomic.Int64
}

func (c *counters) snapshot(polls int64) Stats {
	return Stats{
		Writes:        c.writes.Load(),
		WriteFailures: c.writeFailures.Load(),
		StaleWrites:   c.staleWrites.Load(),
		Notifications: c.notifications.Load(),
		SelfFiltered:  c.selfFiltered.Load(),
		Duplicates:    c.duplicates.Load(),
		Delivered:     c.delivered.Load(),
		Polls:         polls,
	}
}
