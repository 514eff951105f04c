package bufcache

import (
	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// Submit starts I/O on a locked buffer. The direction comes from
// [FlagRead] or [FlagWrite], the completion mode from [FlagAsync].
//
// For async I/O the lock and one reference pass to the I/O: completion
// unlocks and releases the buffer. Otherwise the caller keeps both and
// either passes wait=true or calls [Buffer.Wait] later.
//
// Once the shutdown signal has fired Submit fails the buffer without
// touching the transport and returns [ErrShuttingDown].
func (b *Buffer) Submit(wait bool) error {
	b.assertLocked()

	t := b.target
	async := b.hasFlag(FlagAsync)

	if !async {
		b.mu.Lock()
		b.iodone = make(chan struct{})
		b.mu.Unlock()
	}

	if t.shutdown.IsShutdown() {
		b.ioendFail()

		return ErrShuttingDown
	}

	// The I/O holds its own reference so an async completion cannot free
	// the buffer under us.
	b.Hold()

	if b.hasFlag(FlagWrite) {
		b.waitUnpin()
	}

	b.mu.Lock()
	b.ioErr = nil
	b.mu.Unlock()

	// Sentinel count: completion cannot run until every request has been
	// issued.
	b.ioRemaining.Store(1)

	if async {
		t.ioacctInc(b)
	}

	b.ioapply()

	if b.ioRemaining.Add(-1) == 0 {
		if b.Error() != nil || !async {
			b.ioend()
		} else {
			t.completions.queue(b.ioend)
		}
	}

	var err error
	if wait {
		err = b.Wait()
	}

	b.Release()

	return err
}

// Wait blocks until the I/O started by a synchronous [Buffer.Submit]
// completes and returns its error.
func (b *Buffer) Wait() error {
	b.mu.Lock()
	done := b.iodone
	b.mu.Unlock()

	if done != nil {
		<-done
	}

	return b.Error()
}

// Write writes a locked buffer synchronously. A failed write shuts the
// subsystem down: the caller has no way to retry metadata it already
// committed to.
func (b *Buffer) Write() error {
	b.assertLocked()

	b.setFlags(FlagWrite)
	b.clearFlags(FlagAsync | FlagRead | FlagQueuedForWrite | FlagWriteFailed | FlagDone)

	err := b.Submit(true)
	if err != nil {
		b.target.shutdown.Shutdown(ReasonMetaIOError, err)
	}

	return err
}

// WriteAsync starts an async write. The lock and one reference pass to the
// I/O.
func (b *Buffer) WriteAsync() {
	b.assertLocked()

	b.setFlags(FlagWrite | FlagAsync)
	b.clearFlags(FlagRead | FlagQueuedForWrite)

	_ = b.Submit(false)
}

// ioendFail completes a buffer whose I/O could not be started.
func (b *Buffer) ioendFail() {
	b.clearFlags(FlagDone)
	b.Stale()
	b.setError(ErrShuttingDown)
	b.ioend()
}

// ioapply clears the buffer error and issues one transport request per map
// chunk.
func (b *Buffer) ioapply() {
	t := b.target

	b.setError(nil)

	op := blockdev.OpRead

	if b.hasFlag(FlagWrite) {
		op = blockdev.OpWrite

		if b.verifier != nil {
			err := b.verifier.VerifyWrite(b)
			if err != nil {
				verr := &VerifyError{Verifier: b.verifier.Name(), Addr: b.addr, Err: err}
				b.setError(verr)
				t.log.Error("write verifier failed, refusing to write corrupt metadata",
					"block", b.addr, "len", b.length, "err", err)
				t.shutdown.Shutdown(ReasonCorruptInCore, verr)

				return
			}
		} else if b.shard != nil {
			t.log.Debug("writing cached buffer without a verifier", "block", b.addr)
		}
	}

	readAhead := b.hasFlag(FlagReadAhead)
	off := 0

	for _, m := range b.maps {
		n := m.Len * t.blockSize
		devOff := m.Addr * int64(t.blockSize)
		segs := b.segments(off, n)

		for len(segs) > 0 {
			cnt := min(len(segs), t.opts.MaxSegments)
			req := &blockdev.Request{
				Op:        op,
				Offset:    devOff,
				Segments:  segs[:cnt:cnt],
				ReadAhead: readAhead,
			}

			req.Done = func(err error) { b.requestDone(op, m, err) }

			b.ioRemaining.Add(1)
			t.tr.Submit(req)

			devOff += int64(req.Len())
			segs = segs[cnt:]
		}

		off += n
	}
}

// requestDone runs in the transport's completion context. The first error
// wins; the last request to finish hands the buffer to the completion
// workers.
func (b *Buffer) requestDone(op blockdev.Op, m Map, err error) {
	if err != nil {
		b.mu.Lock()
		if b.ioErr == nil {
			b.ioErr = &IOError{Op: op, Addr: m.Addr, Len: m.Len, Err: err}
		}
		b.mu.Unlock()
	}

	if b.ioRemaining.Add(-1) == 0 {
		b.target.completions.queue(b.ioend)
	}
}

// ioend finishes an I/O: verify reads, classify write errors, then either
// release an async buffer or wake the waiter.
func (b *Buffer) ioend() {
	t := b.target

	b.mu.Lock()
	if b.err == nil && b.ioErr != nil {
		b.err = b.ioErr
	}

	b.ioErr = nil
	err := b.err
	b.mu.Unlock()

	if b.hasFlag(FlagRead) {
		if err == nil && b.verifier != nil {
			verr := b.verifier.VerifyRead(b)
			if verr != nil {
				err = &VerifyError{Verifier: b.verifier.Name(), Addr: b.addr, Err: verr}
				b.setError(err)
			}
		}

		if err == nil {
			b.setFlags(FlagDone)
		} else {
			t.stats.readErrors.Add(1)
		}
	} else {
		if err == nil {
			b.clearFlags(FlagWriteFailed)
			b.setFlags(FlagDone)
			t.stats.writes.Add(1)
		} else {
			t.stats.writeErrors.Add(1)

			if b.handleWriteError(err) {
				return
			}
		}

		b.lastErr, b.failures = nil, 0
		b.firstFail = zeroTime

		if err == nil && b.owner != nil {
			b.pendingHook = hookDone
		}
	}

	b.clearFlags(ioFlags)

	if b.hasFlag(FlagAsync) {
		b.Relse()
	} else {
		b.complete()
	}
}

func (b *Buffer) complete() {
	b.mu.Lock()
	done := b.iodone
	b.mu.Unlock()

	if done != nil {
		close(done)
	}
}
