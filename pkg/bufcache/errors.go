package bufcache

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// Sentinel errors returned by bufcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	bp, err := target.Read(addr, 8, 0, verifier)
//	if errors.Is(err, bufcache.ErrCorruptVerification) {
//	    // the block on disk is damaged; repair or fail the operation
//	}
var (
	// ErrOutOfMemory indicates the allocator could not back a buffer.
	//
	// Read-ahead fails with this error immediately. Other requests only see
	// it after the allocation retry budget ([Options.AllocRetries]) is
	// exhausted.
	//
	// Recovery: shrink the cache ([Target.Shrink]) and retry.
	ErrOutOfMemory = errors.New("bufcache: out of memory")

	// ErrNotFound indicates a lookup-only request ([Target.Incore]) missed.
	ErrNotFound = errors.New("bufcache: not found")

	// ErrCorruptAddress indicates a block address outside the target, or a
	// cached buffer at the same address with a different length.
	//
	// Both mean the metadata that produced the address is damaged.
	ErrCorruptAddress = errors.New("bufcache: corrupt address")

	// ErrCorruptVerification indicates a verifier rejected buffer content.
	//
	// On read the buffer is staled before the error is returned, so the next
	// read goes back to disk.
	ErrCorruptVerification = errors.New("bufcache: verification failed")

	// ErrTransport indicates the block transport failed a request. The
	// wrapped error carries the device error (usually a syscall.Errno).
	ErrTransport = errors.New("bufcache: transport error")

	// ErrShuttingDown indicates the shutdown signal has fired.
	//
	// Every later get, read and submit fails fast with this error. Release,
	// stale, delwri cancel and drain keep working so the cache can be torn
	// down.
	ErrShuttingDown = errors.New("bufcache: shutting down")

	// ErrWouldBlock indicates a [FlagTryLock] request found the buffer
	// locked.
	//
	// Recovery: retry later or take the blocking path.
	ErrWouldBlock = errors.New("bufcache: would block")

	// ErrBusy indicates the target still has buffers or I/O and cannot be
	// closed.
	//
	// Recovery: release all buffers and call [Target.Drain] first.
	ErrBusy = errors.New("bufcache: busy")

	// ErrInvalidInput indicates invalid arguments (empty maps, zero length,
	// sector-misaligned addresses).
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("bufcache: invalid input")
)

// IOError is the error recorded on a buffer when the transport fails one of
// its requests.
//
// It matches both [ErrTransport] and the underlying device error with
// [errors.Is].
type IOError struct {
	Op   blockdev.Op
	Addr int64
	Len  int
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s of block %d+%d: %v", e.Op, e.Addr, e.Len, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// VerifyError is the error recorded on a buffer when a [Verifier] rejects
// its content. It matches [ErrCorruptVerification] with [errors.Is].
type VerifyError struct {
	Verifier string
	Addr     int64
	Err      error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verifier %s rejected block %d: %v", e.Verifier, e.Addr, e.Err)
}

func (e *VerifyError) Unwrap() []error {
	return []error{ErrCorruptVerification, e.Err}
}
