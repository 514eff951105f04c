package bufcache

import (
	"fmt"
	"strings"
)

// Flags are buffer flags. Some are request flags passed to [Target.Get] and
// friends, some describe buffer state. They compose with |.
type Flags uint32

const (
	// FlagRead requests that the buffer content be read from disk. While
	// set on a buffer it marks the I/O direction.
	FlagRead Flags = 1 << iota
	// FlagWrite marks the I/O direction as a write.
	FlagWrite
	// FlagReadAhead marks speculative reads. Memory allocation fails fast.
	FlagReadAhead
	// FlagAsync means completion unlocks and releases the buffer instead of
	// waking a waiter.
	FlagAsync
	// FlagDone means the content is valid.
	FlagDone
	// FlagStale means the content must not be written and the buffer must
	// not be cached once released.
	FlagStale
	// FlagWriteFailed is set after an async write failed and is cleared by
	// the next successful write.
	FlagWriteFailed
	// FlagQueuedForWrite means the buffer is on a [DelwriQueue] waiting to
	// be written.
	FlagQueuedForWrite
	// FlagNoIOAccounting keeps async I/O on this buffer out of the target's
	// in-flight count. Used for buffers that outlive [Target.Drain].
	FlagNoIOAccounting
	// FlagUnmapped requests page-list backing without a contiguous view.
	// Content is reached through [Buffer.Pages] and the copy helpers.
	FlagUnmapped
	// FlagTryLock makes lookups fail with [ErrWouldBlock] instead of
	// waiting for the buffer lock.
	FlagTryLock

	memContig
	memPages
)

// memFlags survive recycling a stale buffer.
const memFlags = memContig | memPages

// ioFlags are cleared once an I/O completes.
const ioFlags = FlagRead | FlagWrite | FlagReadAhead

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagRead, "READ"},
	{FlagWrite, "WRITE"},
	{FlagReadAhead, "READ_AHEAD"},
	{FlagAsync, "ASYNC"},
	{FlagDone, "DONE"},
	{FlagStale, "STALE"},
	{FlagWriteFailed, "WRITE_FAIL"},
	{FlagQueuedForWrite, "DELWRI_Q"},
	{FlagNoIOAccounting, "NO_IOACCT"},
	{FlagUnmapped, "UNMAPPED"},
	{FlagTryLock, "TRYLOCK"},
	{memContig, "CONTIG"},
	{memPages, "PAGES"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}

	var parts []string

	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
			f &^= fn.f
		}
	}

	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}

	return strings.Join(parts, "|")
}

// buffer state bits, guarded by Buffer.mu.
const (
	stateInFlight uint8 = 1 << iota
	stateDispose
)
