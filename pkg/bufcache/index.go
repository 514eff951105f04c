package bufcache

import (
	"fmt"
	"slices"
	"sync"
)

// shard indexes the cached buffers of one address range. Buffers are keyed
// by their first block; a key may briefly hold a stale buffer next to the
// buffer replacing it with a different length.
type shard struct {
	mu   sync.Mutex
	bufs map[int64][]*Buffer
}

func newShard() *shard {
	return &shard{bufs: make(map[int64][]*Buffer)}
}

// lookup returns the buffer matching addr and length. A live buffer at
// addr with another length means the caller's metadata disagrees with the
// cache. Caller holds s.mu.
func (s *shard) lookup(addr int64, length int) (*Buffer, error) {
	var conflict *Buffer

	for _, b := range s.bufs[addr] {
		if b.length == length {
			return b, nil
		}

		if !b.hasFlag(FlagStale) {
			conflict = b
		}
	}

	if conflict != nil {
		return nil, fmt.Errorf("%w: block %d cached with length %d, requested %d",
			ErrCorruptAddress, addr, conflict.length, length)
	}

	return nil, nil
}

// insert adds b. Caller holds s.mu.
func (s *shard) insert(b *Buffer) {
	s.bufs[b.addr] = append(s.bufs[b.addr], b)
	b.shard = s
}

// remove drops b. Caller holds s.mu.
func (s *shard) remove(b *Buffer) {
	list := s.bufs[b.addr]

	i := slices.Index(list, b)
	if i < 0 {
		panic("bufcache: removing buffer that is not indexed")
	}

	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(s.bufs, b.addr)
	} else {
		s.bufs[b.addr] = list
	}
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, list := range s.bufs {
		n += len(list)
	}

	return n
}
