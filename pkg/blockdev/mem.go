package blockdev

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// MemDevice is a [Device] backed by a byte slice.
//
// Reads and writes are counted so tests can assert how much I/O reached the
// device.
type MemDevice struct {
	mu         sync.RWMutex
	data       []byte
	sectorSize int
	closed     bool

	reads  atomic.Int64
	writes atomic.Int64
	syncs  atomic.Int64
}

// NewMemDevice returns a zeroed device of size bytes.
func NewMemDevice(size int64, sectorSize int) (*MemDevice, error) {
	err := checkGeometry(size, sectorSize)
	if err != nil {
		return nil, err
	}

	return &MemDevice{data: make([]byte, size), sectorSize: sectorSize}, nil
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}

	if off < 0 || off > int64(len(d.data)) {
		return 0, fmt.Errorf("read at %d: %w", off, ErrOutOfRange)
	}

	d.reads.Add(1)

	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("write at %d len %d: %w", off, len(p), ErrOutOfRange)
	}

	d.writes.Add(1)

	return copy(d.data[off:], p), nil
}

func (d *MemDevice) Size() int64 { return int64(len(d.data)) }

func (d *MemDevice) SectorSize() int { return d.sectorSize }

func (d *MemDevice) Sync() error {
	d.syncs.Add(1)

	return nil
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	return nil
}

// Bytes returns a copy of the device content.
func (d *MemDevice) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]byte, len(d.data))
	copy(out, d.data)

	return out
}

// IOCounts returns the number of ReadAt and WriteAt calls served.
func (d *MemDevice) IOCounts() (reads, writes int64) {
	return d.reads.Load(), d.writes.Load()
}
