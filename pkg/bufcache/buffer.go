package bufcache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Map is one contiguous block range of a buffer.
type Map struct {
	Addr int64
	Len  int
}

// Verifier checks buffer content against its on-disk format.
//
// VerifyRead runs after every successful read; VerifyWrite runs before every
// write is dispatched. A VerifyWrite failure means in-memory metadata is
// corrupt and shuts the subsystem down.
type Verifier interface {
	Name() string
	VerifyRead(b *Buffer) error
	VerifyWrite(b *Buffer) error
}

// Owner is notified about writes of a buffer it owns (a journal item, for
// example). Hooks run after the buffer lock is dropped, at most once per
// completed write.
type Owner interface {
	// IODone is called after a write completed without error.
	IODone(b *Buffer)
	// IOFailed is called after an async write failed transiently. The
	// owner decides when to resubmit.
	IOFailed(b *Buffer, err error)
}

type hookKind uint8

const (
	hookNone hookKind = iota
	hookDone
	hookFailed
)

// Buffer is a cached, reference-counted, lockable view of a block range.
//
// A buffer is returned locked with one reference. Content and flags may
// only be changed while holding the buffer lock. Every reference taken with
// [Buffer.Hold] or returned by the target must be dropped with
// [Buffer.Release] (or [Buffer.Relse], which also unlocks).
type Buffer struct {
	target *Target
	shard  *shard // nil for uncached buffers
	maps   []Map
	addr   int64
	length int // blocks
	size   int // bytes

	flags  atomic.Uint32
	hold   atomic.Int32
	lruRef atomic.Int32
	pins   atomic.Int32

	sem    *semaphore.Weighted
	locked atomic.Bool

	// mu is the narrow per-buffer lock. It guards state, ioErr, err and
	// iodone, and is taken before the shard and LRU locks.
	mu     sync.Mutex
	state  uint8
	ioErr  error
	err    error
	iodone chan struct{}
	unpin  *sync.Cond

	ioRemaining atomic.Int32

	// LRU membership, guarded by the LRU lock. onLRU mirrors lruElem for
	// readers that do not hold that lock.
	lruElem *list.Element
	onLRU   atomic.Bool

	// Fields below are guarded by the buffer lock.
	delwri      *DelwriQueue
	verifier    Verifier
	owner       Owner
	pendingHook hookKind
	pendingErr  error
	lastErr     error
	failures    int
	firstFail   time.Time

	region []byte   // allocation behind data, nil for page-by-page backing
	data   []byte   // contiguous view, nil when unmapped
	pages  [][]byte // page views in order, always set
}

// Addr returns the first block of the buffer.
func (b *Buffer) Addr() int64 { return b.addr }

// Len returns the buffer length in blocks.
func (b *Buffer) Len() int { return b.length }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return b.size }

// Maps returns the block ranges the buffer covers.
func (b *Buffer) Maps() []Map { return append([]Map(nil), b.maps...) }

// Target returns the target the buffer belongs to.
func (b *Buffer) Target() *Target { return b.target }

// Flags returns the current flags.
func (b *Buffer) Flags() Flags { return Flags(b.flags.Load()) }

func (b *Buffer) hasFlag(f Flags) bool { return Flags(b.flags.Load())&f != 0 }

func (b *Buffer) setFlags(f Flags) { b.flags.Or(uint32(f)) }

func (b *Buffer) clearFlags(f Flags) { b.flags.And(^uint32(f)) }

// HoldCount returns the number of references.
func (b *Buffer) HoldCount() int { return int(b.hold.Load()) }

// LRUWeight returns the number of shrinker passes the buffer survives on
// the LRU.
func (b *Buffer) LRUWeight() int { return int(b.lruRef.Load()) }

// SetLRUWeight sets the LRU weight. Hot metadata gets a higher weight so it
// outlives colder buffers under pressure.
func (b *Buffer) SetLRUWeight(n int) { b.lruRef.Store(int32(n)) }

// Error returns the error of the last I/O, nil if it succeeded.
func (b *Buffer) Error() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

func (b *Buffer) setError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Verifier returns the verifier attached to the buffer.
func (b *Buffer) Verifier() Verifier { return b.verifier }

// SetVerifier attaches v. The buffer must be locked.
func (b *Buffer) SetVerifier(v Verifier) {
	b.assertLocked()
	b.verifier = v
}

// SetOwner attaches the owner notified about writes. The buffer must be
// locked.
func (b *Buffer) SetOwner(o Owner) {
	b.assertLocked()
	b.owner = o
}

// Hold takes an additional reference.
func (b *Buffer) Hold() { b.hold.Add(1) }

// Release drops a reference. The last reference either parks the buffer on
// the target's LRU or frees it.
func (b *Buffer) Release() { b.target.release(b) }

// Relse unlocks the buffer and drops a reference.
func (b *Buffer) Relse() {
	b.Unlock()
	b.Release()
}

// Lock takes the buffer lock, waiting as long as needed.
func (b *Buffer) Lock() {
	_ = b.LockContext(context.Background())
}

// LockContext takes the buffer lock or returns ctx.Err().
//
// A buffer that is pinned by the log and stale cannot be unpinned until the
// log is flushed, so the log is forced before waiting.
func (b *Buffer) LockContext(ctx context.Context) error {
	if b.pins.Load() > 0 && b.hasFlag(FlagStale) {
		b.target.forceLog()
	}

	err := b.sem.Acquire(ctx, 1)
	if err != nil {
		return err
	}

	b.locked.Store(true)

	return nil
}

// TryLock takes the buffer lock if it is free.
func (b *Buffer) TryLock() bool {
	if !b.sem.TryAcquire(1) {
		return false
	}

	b.locked.Store(true)

	return true
}

// Unlock releases the buffer lock and then runs any owner hook a completed
// write left behind.
func (b *Buffer) Unlock() {
	b.assertLocked()

	hook, err, owner := b.pendingHook, b.pendingErr, b.owner
	b.pendingHook, b.pendingErr = hookNone, nil

	b.locked.Store(false)
	b.sem.Release(1)

	if owner == nil {
		return
	}

	switch hook {
	case hookDone:
		owner.IODone(b)
	case hookFailed:
		owner.IOFailed(b, err)
	case hookNone:
	}
}

// IsLocked reports whether someone holds the buffer lock.
func (b *Buffer) IsLocked() bool { return b.locked.Load() }

func (b *Buffer) assertLocked() {
	if !b.locked.Load() {
		panic("bufcache: buffer not locked")
	}
}

// Pin marks the buffer as referenced by uncommitted log state. Writes wait
// until the pin count drops to zero.
func (b *Buffer) Pin() { b.pins.Add(1) }

// Unpin drops a pin and wakes writers waiting for the last one.
func (b *Buffer) Unpin() {
	if b.pins.Add(-1) == 0 {
		b.mu.Lock()
		b.unpin.Broadcast()
		b.mu.Unlock()
	}
}

// IsPinned reports whether the buffer is pinned.
func (b *Buffer) IsPinned() bool { return b.pins.Load() > 0 }

func (b *Buffer) waitUnpin() {
	if b.pins.Load() == 0 {
		return
	}

	b.mu.Lock()
	for b.pins.Load() > 0 {
		b.unpin.Wait()
	}
	b.mu.Unlock()
}

// Stale marks the buffer content invalid: it will not be written, it
// leaves the LRU, and it is freed on its last release. The buffer must be
// locked. Stale is idempotent.
func (b *Buffer) Stale() {
	b.assertLocked()

	b.setFlags(FlagStale)
	// A delwri queue still holding the buffer drops it on its next submit.
	b.clearFlags(FlagQueuedForWrite)

	t := b.target

	b.mu.Lock()
	defer b.mu.Unlock()

	t.ioacctDec(b)
	b.lruRef.Store(0)

	if b.state&stateDispose == 0 && t.lru.del(b) {
		b.hold.Add(-1)
	}

	if b.hold.Load() < 1 {
		panic("bufcache: stale buffer has no references")
	}
}

// MarkCorrupt records that the caller found the content corrupt and stales
// the buffer so the next read goes back to disk. The buffer must be locked.
func (b *Buffer) MarkCorrupt(reason error) {
	b.target.log.Warn("metadata corruption detected",
		"block", b.addr, "len", b.length, "err", reason)
	b.setError(&VerifyError{Verifier: "caller", Addr: b.addr, Err: reason})
	b.Stale()
}

// Bytes returns the contiguous content, or nil for unmapped buffers.
func (b *Buffer) Bytes() []byte { return b.data }

// Pages returns the content as page-sized views, in order.
func (b *Buffer) Pages() [][]byte { return append([][]byte(nil), b.pages...) }

// Offset returns the content from byte off to the end of the buffer, or to
// the end of the containing page for unmapped buffers.
func (b *Buffer) Offset(off int) []byte {
	if b.data != nil {
		return b.data[off:]
	}

	segs := b.segments(off, b.size-off)
	if len(segs) == 0 {
		return nil
	}

	return segs[0]
}

// CopyIn copies p into the buffer at byte off and returns the bytes copied.
func (b *Buffer) CopyIn(off int, p []byte) int {
	n := 0
	for _, seg := range b.segments(off, len(p)) {
		n += copy(seg, p[n:])
	}

	return n
}

// CopyOut copies buffer content at byte off into p and returns the bytes
// copied.
func (b *Buffer) CopyOut(off int, p []byte) int {
	n := 0
	for _, seg := range b.segments(off, len(p)) {
		n += copy(p[n:], seg)
	}

	return n
}

// Zero clears n bytes at byte off.
func (b *Buffer) Zero(off, n int) {
	for _, seg := range b.segments(off, n) {
		clear(seg)
	}
}
