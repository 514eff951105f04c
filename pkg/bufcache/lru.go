package bufcache

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"
)

// lruList is the target's list of unreferenced cached buffers. Each entry
// holds one reference to its buffer.
//
// The LRU lock is the innermost lock. Walkers run under it and may only
// try-lock a buffer's mu, skipping buffers whose lock is taken.
type lruList struct {
	mu sync.Mutex
	l  list.List
}

type lruVerdict uint8

const (
	lruSkip lruVerdict = iota
	lruRotate
	lruRemoved
)

func (l *lruList) add(b *Buffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b.lruElem != nil {
		return false
	}

	b.lruElem = l.l.PushBack(b)
	b.onLRU.Store(true)

	return true
}

func (l *lruList) del(b *Buffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b.lruElem == nil {
		return false
	}

	l.l.Remove(b.lruElem)
	b.lruElem = nil
	b.onLRU.Store(false)

	return true
}

func (l *lruList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.l.Len()
}

// walk visits up to n entries from the cold end. Rotated entries move to
// the hot end, removed entries are returned for disposal.
func (l *lruList) walk(n int, isolate func(*Buffer) lruVerdict) []*Buffer {
	l.mu.Lock()
	defer l.mu.Unlock()

	var dispose []*Buffer

	e := l.l.Front()
	for i := 0; i < n && e != nil; i++ {
		next := e.Next()
		b := e.Value.(*Buffer)

		switch isolate(b) {
		case lruRotate:
			l.l.MoveToBack(e)
		case lruRemoved:
			l.l.Remove(e)
			b.lruElem = nil
			b.onLRU.Store(false)
			dispose = append(dispose, b)
		case lruSkip:
		}

		e = next
	}

	return dispose
}

// ReclaimPolicy turns the number of reclaimable buffers into the number of
// LRU entries to scan. The embedding application decides when to call
// [Target.Shrink]; the policy decides how hard.
type ReclaimPolicy interface {
	PressureHint(count int) int
}

// ReclaimFunc adapts a function to [ReclaimPolicy].
type ReclaimFunc func(count int) int

func (f ReclaimFunc) PressureHint(count int) int { return f(count) }

// RatioPolicy scans a fixed fraction of the LRU per pass.
type RatioPolicy struct {
	Ratio float64
}

func (p RatioPolicy) PressureHint(count int) int {
	return int(math.Ceil(float64(count) * min(max(p.Ratio, 0), 1)))
}

// Count returns the number of buffers on the LRU.
func (t *Target) Count() int { return t.lru.len() }

// Scan walks up to n LRU entries. Entries with weight left lose one unit and
// rotate; entries at weight zero are freed. It returns the number freed.
func (t *Target) Scan(n int) int {
	dispose := t.lru.walk(n, isolate)

	for _, b := range dispose {
		b.Release()
	}

	t.stats.reclaimed.Add(int64(len(dispose)))

	return len(dispose)
}

// Shrink runs one reclaim pass sized by p.
func (t *Target) Shrink(p ReclaimPolicy) int {
	count := t.Count()
	if count == 0 {
		return 0
	}

	n := p.PressureHint(count)
	if n <= 0 {
		return 0
	}

	return t.Scan(n)
}

// RunReclaimer calls Shrink every interval until ctx is done.
func (t *Target) RunReclaimer(ctx context.Context, interval time.Duration, p ReclaimPolicy) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Shrink(p)
		}
	}
}

// isolate is the shrinker's LRU verdict. Runs under the LRU lock.
func isolate(b *Buffer) lruVerdict {
	if !b.mu.TryLock() {
		return lruSkip
	}
	defer b.mu.Unlock()

	for {
		ref := b.lruRef.Load()
		if ref <= 0 {
			break
		}

		if b.lruRef.CompareAndSwap(ref, ref-1) {
			return lruRotate
		}
	}

	b.state |= stateDispose

	return lruRemoved
}

// drainIsolate disposes any LRU entry nobody else holds. Runs under the
// LRU lock.
func drainIsolate(b *Buffer) lruVerdict {
	if b.hold.Load() > 1 {
		return lruSkip
	}

	if !b.mu.TryLock() {
		return lruSkip
	}
	defer b.mu.Unlock()

	b.lruRef.Store(0)
	b.state |= stateDispose

	return lruRemoved
}

const (
	drainPoll      = time.Millisecond
	drainWarnEvery = 1000
)

// Drain empties the target for teardown. It waits for async I/O to finish,
// flushes pending completions, then frees every LRU buffer, waiting for
// buffers still held elsewhere. Buffers whose last write failed are logged
// as lost data.
//
// Drain returns ctx.Err() if ctx ends first.
func (t *Target) Drain(ctx context.Context) error {
	for t.ioCount.Load() > 0 {
		err := sleepCtx(ctx, drainPoll)
		if err != nil {
			return err
		}
	}

	t.completions.flush()

	lost := 0

	for pass := 1; ; pass++ {
		dispose := t.lru.walk(math.MaxInt, drainIsolate)

		for _, b := range dispose {
			if b.hasFlag(FlagWriteFailed) {
				lost++
				t.stats.dataLoss.Add(1)
				t.log.Error("dropping buffer whose write failed, metadata is lost",
					"block", b.addr, "len", b.length)
			}

			b.Release()
		}

		remaining := t.lru.len()
		if remaining == 0 {
			break
		}

		if pass%drainWarnEvery == 0 {
			t.log.Warn("drain waiting for buffers held by other users", "remaining", remaining)
		}

		err := sleepCtx(ctx, drainPoll)
		if err != nil {
			return err
		}
	}

	if lost > 0 {
		t.log.Error("buffers with failed writes were discarded; the device needs repair", "count", lost)
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
