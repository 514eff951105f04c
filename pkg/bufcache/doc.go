// Package bufcache is a metadata buffer cache.
//
// It maps block ranges of a device to in-memory buffers that are reference
// counted, individually lockable, read and written through an asynchronous
// transport, batched for write-back and reclaimed under memory pressure.
//
// # Basic Usage
//
//	tr := blockdev.NewQueue(dev, blockdev.DefaultQueueConfig())
//	target, err := bufcache.NewTarget(tr, bufcache.Options{})
//
//	// Read a block range; the buffer comes back locked and held.
//	bp, err := target.Read(addr, 8, 0, verifier)
//	if err != nil {
//	    return err
//	}
//
//	// Modify and queue for write-back.
//	bp.CopyIn(0, record)
//	var q bufcache.DelwriQueue
//	q.Queue(bp)
//	bp.Relse()
//
//	// Later: write everything out.
//	err = q.Submit()
//
// # Concurrency
//
// Buffers are shared: two lookups of the same range return the same
// [Buffer], and the second waits for the first to unlock it. Every method of
// [Target] and [Buffer] is safe for concurrent use, with the exception of
// content accessors, which require the buffer lock. A [DelwriQueue] belongs
// to a single goroutine.
//
// Locking architecture:
//
//   - Buffer lock: long-held, owns content and flags. Async I/O takes it
//     over from the submitter and drops it on completion.
//   - Buffer mutex: short-held, guards I/O error state, in-flight
//     accounting and disposal state.
//   - Shard mutex: guards one index shard.
//   - LRU mutex: guards the target's LRU list.
//
// Lock ordering: buffer lock → buffer mutex → shard mutex → LRU mutex.
// LRU walkers hold the LRU mutex and only try-lock buffer mutexes, skipping
// buffers whose mutex is taken, so they never wait against this order.
//
// # Error Handling
//
// Read errors are returned to the caller after the buffer is staled.
// Async write errors are retried according to [ErrorConfig]; a permanent
// failure fires the [ShutdownSignal], after which every get, read and submit
// fails with [ErrShuttingDown].
//
// # Reclaim
//
// Unreferenced buffers park on the target's LRU with a weight
// ([Options.LRUWeight]). Each [Target.Scan] pass over a buffer lowers its
// weight by one; a buffer at weight zero is freed. The embedding application
// decides when to reclaim, through [Target.Shrink] with a [ReclaimPolicy].
package bufcache
