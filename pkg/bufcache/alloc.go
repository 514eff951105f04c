package bufcache

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Allocator provides the memory behind buffers.
//
// Memory returned by AllocPage and AllocContig may hold stale data; the
// cache zeroes what it will not overwrite with a read. Free receives slices
// exactly as they were returned (full capacity).
type Allocator interface {
	// PageSize is the size of the slices AllocPage returns.
	PageSize() int

	AllocPage() ([]byte, error)
	AllocContig(size int) ([]byte, error)
	Free(p []byte)
}

// HeapAllocator allocates from the Go heap and optionally enforces a byte
// budget, which is how tests and the CLI simulate memory pressure.
type HeapAllocator struct {
	pageSize int
	limit    int64
	used     atomic.Int64
}

// NewHeapAllocator returns an allocator with the system page size. A limit
// of zero means no budget.
func NewHeapAllocator(limit int64) *HeapAllocator {
	return NewHeapAllocatorPageSize(limit, os.Getpagesize())
}

// NewHeapAllocatorPageSize is NewHeapAllocator with an explicit page size.
func NewHeapAllocatorPageSize(limit int64, pageSize int) *HeapAllocator {
	return &HeapAllocator{pageSize: pageSize, limit: limit}
}

func (a *HeapAllocator) PageSize() int { return a.pageSize }

func (a *HeapAllocator) AllocPage() ([]byte, error) {
	return a.AllocContig(a.pageSize)
}

func (a *HeapAllocator) AllocContig(size int) ([]byte, error) {
	used := a.used.Add(int64(size))
	if a.limit > 0 && used > a.limit {
		a.used.Add(-int64(size))

		return nil, fmt.Errorf("%w: %d bytes over a %d byte budget", ErrOutOfMemory, size, a.limit)
	}

	return make([]byte, size), nil
}

func (a *HeapAllocator) Free(p []byte) {
	a.used.Add(-int64(cap(p)))
}

// InUse returns the number of bytes currently allocated.
func (a *HeapAllocator) InUse() int64 { return a.used.Load() }
