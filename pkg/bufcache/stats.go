package bufcache

import "sync/atomic"

type counters struct {
	gets             atomic.Int64
	hits             atomic.Int64
	misses           atomic.Int64
	creates          atomic.Int64
	lockWaited       atomic.Int64
	lockBusy         atomic.Int64
	reads            atomic.Int64
	readErrors       atomic.Int64
	readAheadSkipped atomic.Int64
	writes           atomic.Int64
	writeErrors      atomic.Int64
	writeRetries     atomic.Int64
	pageRetries      atomic.Int64
	reclaimed        atomic.Int64
	dataLoss         atomic.Int64
}

// Stats is a snapshot of a target's counters.
type Stats struct {
	Target           string `json:"target"`
	Gets             int64  `json:"gets"`
	Hits             int64  `json:"hits"`
	Misses           int64  `json:"misses"`
	Creates          int64  `json:"creates"`
	LockWaited       int64  `json:"lock_waited"`
	LockBusy         int64  `json:"lock_busy"`
	Reads            int64  `json:"reads"`
	ReadErrors       int64  `json:"read_errors"`
	ReadAheadSkipped int64  `json:"read_ahead_skipped"`
	Writes           int64  `json:"writes"`
	WriteErrors      int64  `json:"write_errors"`
	WriteRetries     int64  `json:"write_retries"`
	PageRetries      int64  `json:"page_retries"`
	Reclaimed        int64  `json:"reclaimed"`
	DataLoss         int64  `json:"data_loss"`
	Buffers          int64  `json:"buffers"`
	LRU              int    `json:"lru"`
	InFlight         int64  `json:"in_flight"`
}

// Stats returns the current counters.
func (t *Target) Stats() Stats {
	c := &t.stats

	return Stats{
		Target:           t.id.String(),
		Gets:             c.gets.Load(),
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Creates:          c.creates.Load(),
		LockWaited:       c.lockWaited.Load(),
		LockBusy:         c.lockBusy.Load(),
		Reads:            c.reads.Load(),
		ReadErrors:       c.readErrors.Load(),
		ReadAheadSkipped: c.readAheadSkipped.Load(),
		Writes:           c.writes.Load(),
		WriteErrors:      c.writeErrors.Load(),
		WriteRetries:     c.writeRetries.Load(),
		PageRetries:      c.pageRetries.Load(),
		Reclaimed:        c.reclaimed.Load(),
		DataLoss:         c.dataLoss.Load(),
		Buffers:          t.buffers.Load(),
		LRU:              t.lru.len(),
		InFlight:         t.ioCount.Load(),
	}
}
