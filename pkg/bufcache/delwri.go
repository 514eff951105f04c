package bufcache

import (
	"cmp"
	"fmt"
	"slices"
)

// DelwriQueue batches dirty buffers for write-back.
//
// Every queued buffer carries one reference owned by the queue. A buffer
// that is staled or written by someone else while queued loses
// [FlagQueuedForWrite] but stays on the queue until the next submit drops
// it.
//
// A DelwriQueue belongs to one goroutine and is not safe for concurrent use.
type DelwriQueue struct {
	bufs []*Buffer
}

// Len returns the number of buffers on the queue, including buffers waiting
// for lazy removal.
func (q *DelwriQueue) Len() int { return len(q.bufs) }

// Contains reports whether b is on q.
func (q *DelwriQueue) Contains(b *Buffer) bool { return b.delwri == q }

// Queue adds a locked buffer to q. It returns false if the buffer is
// already queued for write, here or on another queue.
func (q *DelwriQueue) Queue(b *Buffer) bool {
	b.assertLocked()

	if b.hasFlag(FlagRead) {
		panic("bufcache: queueing a buffer with a read in progress")
	}

	if b.hasFlag(FlagQueuedForWrite) {
		return false
	}

	b.setFlags(FlagQueuedForWrite)

	// A buffer lazily left on some queue keeps that queue's reference and
	// is written from there.
	if b.delwri == nil {
		b.Hold()
		b.delwri = q
		q.bufs = append(q.bufs, b)
	}

	return true
}

// SubmitNowait starts async writes of every queued buffer that can be
// locked without waiting and is not pinned. Skipped buffers stay on the
// queue. It returns the number of pinned buffers so the caller can force
// the log before trying again.
func (q *DelwriQueue) SubmitNowait() int {
	return q.submitBuffers(nil)
}

// Submit writes every queued buffer, waits for all of them and empties the
// queue. It returns the first write error.
func (q *DelwriQueue) Submit() error {
	var wait DelwriQueue

	q.submitBuffers(&wait)

	var first error

	for _, b := range wait.bufs {
		b.delwri = nil

		err := b.Wait()
		if err != nil && first == nil {
			first = err
		}

		b.Relse()
	}

	return first
}

// Cancel drops every buffer from the queue without writing it.
func (q *DelwriQueue) Cancel() {
	for _, b := range q.bufs {
		b.Lock()
		b.clearFlags(FlagQueuedForWrite)
		b.delwri = nil
		b.Relse()
	}

	clear(q.bufs)
	q.bufs = q.bufs[:0]
}

// Pushbuf writes one queued buffer now and waits for it, leaving it on q
// with [FlagQueuedForWrite] set again. The caller must not hold the buffer
// lock.
func (q *DelwriQueue) Pushbuf(b *Buffer) error {
	b.Lock()

	if b.delwri != q || !b.hasFlag(FlagQueuedForWrite) {
		b.Unlock()

		return fmt.Errorf("%w: block %d is not queued here", ErrInvalidInput, b.addr)
	}

	q.remove(b)

	single := &DelwriQueue{bufs: []*Buffer{b}}
	b.delwri = single
	b.Unlock()

	// q is the wait list, so the buffer and the queue reference go back
	// to q, still locked.
	before := len(q.bufs)
	single.submitBuffers(q)

	// Staled or written by someone else while unlocked: already dropped.
	if len(q.bufs) == before {
		return nil
	}

	err := b.Wait()
	b.setFlags(FlagQueuedForWrite)
	b.Unlock()

	return err
}

// submitBuffers writes the queued buffers in address order. With a wait
// list the writes are synchronous and the buffers move to it still locked;
// without one they are async and leave the queue.
func (q *DelwriQueue) submitBuffers(wait *DelwriQueue) int {
	slices.SortFunc(q.bufs, func(a, b *Buffer) int { return cmp.Compare(a.addr, b.addr) })

	pinned := 0
	keep := q.bufs[:0]

	for _, b := range q.bufs {
		if wait == nil {
			if b.IsPinned() {
				pinned++
				keep = append(keep, b)

				continue
			}

			if !b.TryLock() {
				keep = append(keep, b)

				continue
			}
		} else {
			b.Lock()
		}

		if !b.hasFlag(FlagQueuedForWrite) {
			b.delwri = nil
			b.Relse()

			continue
		}

		b.clearFlags(FlagQueuedForWrite)
		b.setFlags(FlagWrite)

		if wait != nil {
			b.clearFlags(FlagAsync)
			b.delwri = wait
			wait.bufs = append(wait.bufs, b)
		} else {
			b.setFlags(FlagAsync)
			b.delwri = nil
		}

		_ = b.Submit(false)
	}

	clear(q.bufs[len(keep):])
	q.bufs = keep

	return pinned
}

func (q *DelwriQueue) remove(b *Buffer) {
	i := slices.Index(q.bufs, b)
	if i >= 0 {
		q.bufs = slices.Delete(q.bufs, i, i+1)
	}
}
