package bufcache

import (
	"errors"
	"fmt"
	"time"
)

// allocateBacking gives a new buffer its memory.
//
// Buffers smaller than a page take one contiguous allocation; if that fails
// they fall back to the page path. Page-backed buffers allocate every page
// on its own, retrying under pressure, and are then mapped unless
// [FlagUnmapped] was requested.
func (t *Target) allocateBacking(b *Buffer, flags Flags) error {
	zero := flags&FlagRead == 0
	pageSize := t.alloc.PageSize()

	if b.size < pageSize {
		p, err := t.alloc.AllocContig(b.size)
		if err == nil {
			if zero {
				clear(p)
			}

			b.region = p
			b.data = p[:b.size]
			b.pages = [][]byte{b.data}
			b.setFlags(memContig)

			return nil
		}
	}

	n := (b.size + pageSize - 1) / pageSize
	pages := make([][]byte, n)

	for i := range pages {
		p, err := t.allocPage(flags)
		if err != nil {
			for _, done := range pages[:i] {
				t.alloc.Free(done[:cap(done)])
			}

			return err
		}

		if zero {
			clear(p)
		}

		pages[i] = p[:min(pageSize, b.size-i*pageSize)]
	}

	b.pages = pages
	b.setFlags(memPages)

	return t.mapPages(b, flags)
}

// allocPage allocates one page, retrying with backoff until the retry
// budget runs out. Read-ahead never retries.
func (t *Target) allocPage(flags Flags) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		p, err := t.alloc.AllocPage()
		if err == nil {
			return p, nil
		}

		if !errors.Is(err, ErrOutOfMemory) {
			err = fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}

		if flags&FlagReadAhead != 0 || attempt >= t.opts.AllocRetries {
			return nil, err
		}

		t.stats.pageRetries.Add(1)

		if attempt > 0 && attempt%100 == 0 {
			t.log.Warn("page allocation stalling", "attempts", attempt, "err", err)
		}

		time.Sleep(t.opts.AllocBackoff)
	}
}

// mapPages gives a page-backed buffer its contiguous view.
//
// Go cannot map separate allocations into one address range, so mapping
// moves the content into a single region and keeps the page list as views
// over it. A one-page buffer is its own view.
func (t *Target) mapPages(b *Buffer, flags Flags) error {
	if len(b.pages) == 1 {
		b.data = b.pages[0]

		return nil
	}

	if flags&FlagUnmapped != 0 {
		return nil
	}

	var (
		region []byte
		err    error
	)

	for retried := 0; retried < 2; retried++ {
		region, err = t.alloc.AllocContig(b.size)
		if err == nil {
			break
		}
	}

	if err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			err = fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}

		return fmt.Errorf("mapping %d pages: %w", len(b.pages), err)
	}

	region = region[:b.size]
	pageSize := t.alloc.PageSize()

	for i, p := range b.pages {
		copy(region[i*pageSize:], p)
		t.alloc.Free(p[:cap(p)])
		b.pages[i] = region[i*pageSize : i*pageSize+len(p)]
	}

	b.region = region
	b.data = region

	return nil
}

func (t *Target) freeBacking(b *Buffer) {
	switch {
	case b.region != nil:
		t.alloc.Free(b.region[:cap(b.region)])
	default:
		for _, p := range b.pages {
			t.alloc.Free(p[:cap(p)])
		}
	}

	b.region, b.data, b.pages = nil, nil, nil
}

// segments returns the backing slices covering [off, off+n) in order.
func (b *Buffer) segments(off, n int) [][]byte {
	var segs [][]byte

	pos := 0

	for _, p := range b.pages {
		end := pos + len(p)
		if end <= off {
			pos = end

			continue
		}

		if pos >= off+n {
			break
		}

		lo := max(off-pos, 0)
		hi := min(off+n-pos, len(p))
		segs = append(segs, p[lo:hi])
		pos = end
	}

	return segs
}
