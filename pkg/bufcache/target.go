package bufcache

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// I/O error alerts are limited to alertBurst per alertWindow per target.
const (
	alertWindow = 30 * time.Second
	alertBurst  = 10
)

// Target is the cache for one block device.
//
// All methods are safe for concurrent use.
type Target struct {
	id         uuid.UUID
	tr         blockdev.Transport
	blockSize  int
	sectorSize int
	blocks     int64

	opts     Options
	alloc    Allocator
	shutdown ShutdownSignal
	clock    Clock
	log      *slog.Logger
	alerts   *rate.Limiter

	shards      []*shard
	lru         lruList
	completions *workqueue

	ioCount atomic.Int64 // async I/O in flight
	buffers atomic.Int64 // allocated buffers, cached or not
	closed  atomic.Bool
	closeMu sync.Mutex

	stats counters
}

// NewTarget builds a cache over the device behind tr.
func NewTarget(tr blockdev.Transport, opts Options) (*Target, error) {
	opts = opts.withDefaults()
	dev := tr.Device()

	if dev.Size()%int64(opts.BlockSize) != 0 {
		return nil, fmt.Errorf("%w: device size %d is not a multiple of block size %d",
			ErrInvalidInput, dev.Size(), opts.BlockSize)
	}

	blocks := dev.Size() / int64(opts.BlockSize)
	if blocks == 0 {
		return nil, fmt.Errorf("%w: device is smaller than one block", ErrInvalidInput)
	}

	t := &Target{
		id:         uuid.New(),
		tr:         tr,
		blockSize:  opts.BlockSize,
		sectorSize: dev.SectorSize(),
		blocks:     blocks,
		opts:       opts,
		alloc:      opts.Allocator,
		shutdown:   opts.Shutdown,
		clock:      opts.Clock,
		alerts:     rate.NewLimiter(rate.Every(alertWindow/alertBurst), alertBurst),
	}

	t.log = opts.Logger.With("target", t.id.String())

	nshards := (blocks + opts.ShardBlocks - 1) / opts.ShardBlocks
	t.shards = make([]*shard, nshards)

	for i := range t.shards {
		t.shards[i] = newShard()
	}

	t.completions = newWorkqueue(opts.CompletionWorkers)

	return t, nil
}

// ID identifies the target in logs and statistics.
func (t *Target) ID() uuid.UUID { return t.id }

// Blocks returns the number of addressable blocks.
func (t *Target) Blocks() int64 { return t.blocks }

// BlockSize returns the size of one block in bytes.
func (t *Target) BlockSize() int { return t.blockSize }

// Shutdown returns the signal the target stops on.
func (t *Target) Shutdown() ShutdownSignal { return t.shutdown }

// InFlight returns the number of accounted async I/Os.
func (t *Target) InFlight() int64 { return t.ioCount.Load() }

// Get returns the buffer for the block range, creating it if needed. The
// buffer is locked and carries one reference. Content is only valid if
// [FlagDone] is set; use [Target.Read] to have it read.
func (t *Target) Get(addr int64, length int, flags Flags) (*Buffer, error) {
	return t.GetMap([]Map{{Addr: addr, Len: length}}, flags)
}

// GetMap is [Target.Get] for a buffer built from several discontiguous
// block ranges.
func (t *Target) GetMap(maps []Map, flags Flags) (*Buffer, error) {
	if t.shutdown.IsShutdown() {
		return nil, ErrShuttingDown
	}

	err := t.checkMaps(maps)
	if err != nil {
		return nil, err
	}

	b, err := t.find(maps, flags, nil)
	if err == nil {
		return t.finishGet(b, flags)
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	nb := t.newBuffer(maps, flags)

	err = t.allocateBacking(nb, flags)
	if err != nil {
		t.discard(nb)

		return nil, err
	}

	b, err = t.find(maps, flags, nb)
	if err != nil {
		t.discard(nb)

		return nil, err
	}

	if b != nb {
		t.discard(nb)
	}

	return t.finishGet(b, flags)
}

// Incore returns the cached buffer for the range, locked and held, or
// [ErrNotFound]. It never creates a buffer or starts I/O.
//
// Incore is a bare lookup. Unlike [Target.Get] it leaves the LRU weight
// alone, is not counted as a get and does not map an unmapped buffer, so
// [Buffer.Bytes] may be nil. A stale hit is reset exactly as Get resets it,
// and keeps its zero weight, so releasing it frees it.
func (t *Target) Incore(addr int64, length int, flags Flags) (*Buffer, error) {
	maps := []Map{{Addr: addr, Len: length}}

	err := t.checkMaps(maps)
	if err != nil {
		return nil, err
	}

	return t.find(maps, flags, nil)
}

// GetUncached returns a locked buffer for the range that is never indexed
// and is freed on its last release.
func (t *Target) GetUncached(addr int64, length int, flags Flags) (*Buffer, error) {
	if t.shutdown.IsShutdown() {
		return nil, ErrShuttingDown
	}

	maps := []Map{{Addr: addr, Len: length}}

	err := t.checkMaps(maps)
	if err != nil {
		return nil, err
	}

	b := t.newBuffer(maps, flags)

	err = t.allocateBacking(b, flags&^FlagUnmapped)
	if err != nil {
		t.discard(b)

		return nil, err
	}

	return b, nil
}

func (t *Target) finishGet(b *Buffer, flags Flags) (*Buffer, error) {
	if b.data == nil && flags&FlagUnmapped == 0 {
		err := t.mapPages(b, flags)
		if err != nil {
			b.Relse()

			return nil, err
		}
	}

	// Callers that do not expect valid data do not care about the last
	// I/O's error.
	if flags&FlagRead == 0 {
		b.setError(nil)
	}

	if b.lruRef.Load() < t.opts.LRUWeight {
		b.lruRef.Store(t.opts.LRUWeight)
	}

	t.stats.gets.Add(1)

	return b, nil
}

func (t *Target) checkMaps(maps []Map) error {
	if len(maps) == 0 {
		return fmt.Errorf("%w: no block ranges", ErrInvalidInput)
	}

	for _, m := range maps {
		if m.Len <= 0 {
			return fmt.Errorf("%w: block %d has length %d", ErrInvalidInput, m.Addr, m.Len)
		}

		if m.Addr < 0 || m.Addr >= t.blocks || m.Addr+int64(m.Len) > t.blocks {
			if t.alerts.Allow() {
				t.log.Error("block out of range", "block", m.Addr, "len", m.Len, "blocks", t.blocks)
			}

			return fmt.Errorf("%w: block %d+%d outside %d blocks", ErrCorruptAddress, m.Addr, m.Len, t.blocks)
		}

		byteOff := m.Addr * int64(t.blockSize)
		byteLen := m.Len * t.blockSize

		if byteLen < t.sectorSize || byteOff%int64(t.sectorSize) != 0 || byteLen%t.sectorSize != 0 {
			return fmt.Errorf("%w: block %d+%d is not aligned to %d byte sectors",
				ErrInvalidInput, m.Addr, m.Len, t.sectorSize)
		}
	}

	return nil
}

// find looks the range up and returns it locked and held. On a miss it
// inserts newBuf if given, else fails with ErrNotFound.
func (t *Target) find(maps []Map, flags Flags, newBuf *Buffer) (*Buffer, error) {
	addr := maps[0].Addr

	length := 0
	for _, m := range maps {
		length += m.Len
	}

	s := t.shards[addr/t.opts.ShardBlocks]

	s.mu.Lock()

	b, err := s.lookup(addr, length)
	if err != nil {
		s.mu.Unlock()
		t.log.Error("conflicting buffer lengths", "block", addr, "len", length, "err", err)

		return nil, err
	}

	if b == nil {
		if newBuf == nil {
			s.mu.Unlock()
			t.stats.misses.Add(1)

			return nil, ErrNotFound
		}

		s.insert(newBuf)
		s.mu.Unlock()
		t.stats.creates.Add(1)

		return newBuf, nil
	}

	b.hold.Add(1)
	s.mu.Unlock()

	if !b.TryLock() {
		if flags&FlagTryLock != 0 {
			b.Release()
			t.stats.lockBusy.Add(1)

			return nil, ErrWouldBlock
		}

		b.Lock()
		t.stats.lockWaited.Add(1)
	}

	// A stale hit is reused as a fresh buffer.
	if b.hasFlag(FlagStale) {
		b.flags.And(uint32(memFlags))
		b.verifier = nil
	}

	t.stats.hits.Add(1)

	return b, nil
}

// newBuffer returns an unindexed buffer without memory, locked and held.
func (t *Target) newBuffer(maps []Map, flags Flags) *Buffer {
	length := 0
	for _, m := range maps {
		length += m.Len
	}

	b := &Buffer{
		target: t,
		maps:   slices.Clone(maps),
		addr:   maps[0].Addr,
		length: length,
		size:   length * t.blockSize,
		sem:    semaphore.NewWeighted(1),
	}

	b.unpin = sync.NewCond(&b.mu)
	b.sem.TryAcquire(1)
	b.locked.Store(true)
	b.hold.Store(1)
	b.lruRef.Store(t.opts.LRUWeight)
	b.flags.Store(uint32(flags & FlagNoIOAccounting))

	t.buffers.Add(1)

	return b
}

// discard frees a buffer that never became visible to anyone else.
func (t *Target) discard(b *Buffer) {
	t.freeBacking(b)
	t.buffers.Add(-1)
}

// release drops one reference (see [Buffer.Release]).
//
// Lock order: b.mu, then the shard lock, then the LRU lock.
func (t *Target) release(b *Buffer) {
	if b.shard == nil {
		if b.hold.Add(-1) == 0 {
			b.mu.Lock()
			t.ioacctDec(b)
			b.mu.Unlock()
			t.discard(b)
		}

		return
	}

	b.mu.Lock()

	if !b.decAndLockShard() {
		// Once only the LRU holds the buffer it no longer counts as in
		// flight.
		if b.hold.Load() == 1 && b.onLRU.Load() {
			t.ioacctDec(b)
		}

		b.mu.Unlock()

		return
	}

	s := b.shard
	t.ioacctDec(b)

	free := false

	if !b.hasFlag(FlagStale) && b.lruRef.Load() > 0 {
		if t.lru.add(b) {
			b.state &^= stateDispose
			b.hold.Add(1)
		}
	} else {
		if b.state&stateDispose == 0 {
			t.lru.del(b)
		}

		s.remove(b)

		free = true
	}

	s.mu.Unlock()
	b.mu.Unlock()

	if free {
		t.discard(b)
	}
}

// decAndLockShard drops a reference. It returns true with the shard lock
// held when the count reached zero.
func (b *Buffer) decAndLockShard() bool {
	for {
		h := b.hold.Load()
		if h <= 0 {
			panic("bufcache: release of a buffer with no references")
		}

		if h == 1 {
			break
		}

		if b.hold.CompareAndSwap(h, h-1) {
			return false
		}
	}

	b.shard.mu.Lock()

	if b.hold.Add(-1) == 0 {
		return true
	}

	b.shard.mu.Unlock()

	return false
}

// ioacctInc counts an async I/O against the target. Caller must not hold
// b.mu.
func (t *Target) ioacctInc(b *Buffer) {
	if b.hasFlag(FlagNoIOAccounting) {
		return
	}

	b.mu.Lock()
	if b.state&stateInFlight == 0 {
		b.state |= stateInFlight
		t.ioCount.Add(1)
	}
	b.mu.Unlock()
}

// ioacctDec undoes ioacctInc once. Caller holds b.mu.
func (t *Target) ioacctDec(b *Buffer) {
	if b.state&stateInFlight != 0 {
		b.state &^= stateInFlight
		t.ioCount.Add(-1)
	}
}

func (t *Target) forceLog() {
	if t.opts.LogForce != nil {
		t.opts.LogForce()
	}
}

// Close releases the target's workers. It fails with [ErrBusy] while any
// buffer is still allocated or any I/O is in flight; call [Target.Drain]
// first.
func (t *Target) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed.Load() {
		return nil
	}

	inflight, live := t.ioCount.Load(), t.buffers.Load()
	if inflight != 0 || live != 0 {
		return fmt.Errorf("%w: %d I/Os in flight, %d buffers allocated", ErrBusy, inflight, live)
	}

	t.completions.close()
	t.closed.Store(true)

	return nil
}
