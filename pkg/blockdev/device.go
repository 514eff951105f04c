package blockdev

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrOutOfRange is returned when a request addresses bytes outside the
	// device.
	ErrOutOfRange = errors.New("blockdev: out of range")

	// ErrClosed is returned when a device or transport is used after Close.
	ErrClosed = errors.New("blockdev: closed")

	// ErrInvalidSize is returned when a device size is not a positive
	// multiple of its sector size.
	ErrInvalidSize = errors.New("blockdev: invalid size")
)

// DefaultSectorSize is the sector size used when none is configured.
const DefaultSectorSize = 512

// Device is a fixed-size store addressed in bytes.
//
// ReadAt and WriteAt follow [io.ReaderAt] and [io.WriterAt]. Implementations
// must be safe for concurrent use with non-overlapping ranges.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the device size in bytes.
	Size() int64

	// SectorSize returns the smallest addressable unit in bytes.
	SectorSize() int

	// Sync makes previous writes durable.
	Sync() error

	Close() error
}

// Op is the direction of a request.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request is one contiguous device transfer.
//
// Segments are transferred back to back starting at Offset, so the request
// covers sum(len(Segments[i])) bytes. Done is called exactly once, from any
// goroutine, with nil or the first error the transfer hit.
type Request struct {
	Op        Op
	Offset    int64
	Segments  [][]byte
	ReadAhead bool
	Done      func(err error)
}

// Len returns the number of bytes the request covers.
func (r *Request) Len() int {
	n := 0
	for _, seg := range r.Segments {
		n += len(seg)
	}

	return n
}

// Transport executes requests against a device.
type Transport interface {
	// Submit hands the request to the transport. Submit may complete the
	// request before it returns.
	Submit(req *Request)

	// Device returns the device requests are executed against.
	Device() Device
}

// Congester is implemented by transports that can tell when they are
// saturated. Speculative work such as read-ahead is skipped while
// Congested reports true.
type Congester interface {
	Congested() bool
}

// Execute performs req against dev synchronously and returns the result
// without calling req.Done.
func Execute(dev Device, req *Request) error {
	if req.Offset < 0 || req.Offset+int64(req.Len()) > dev.Size() {
		return fmt.Errorf("%s at %d len %d: %w", req.Op, req.Offset, req.Len(), ErrOutOfRange)
	}

	off := req.Offset

	for _, seg := range req.Segments {
		var err error

		switch req.Op {
		case OpRead:
			_, err = dev.ReadAt(seg, off)
		case OpWrite:
			_, err = dev.WriteAt(seg, off)
		default:
			return fmt.Errorf("execute: unknown %s", req.Op)
		}

		if err != nil {
			return fmt.Errorf("%s at %d: %w", req.Op, off, err)
		}

		off += int64(len(seg))
	}

	return nil
}

// Inline is a transport that completes each request before Submit returns.
type Inline struct {
	dev Device
}

// NewInline returns a transport that executes requests on the calling
// goroutine.
func NewInline(dev Device) *Inline {
	return &Inline{dev: dev}
}

// Submit executes req and calls req.Done.
func (t *Inline) Submit(req *Request) {
	req.Done(Execute(t.dev, req))
}

// Device returns the wrapped device.
func (t *Inline) Device() Device { return t.dev }

func checkGeometry(size int64, sectorSize int) error {
	if sectorSize <= 0 || size <= 0 || size%int64(sectorSize) != 0 {
		return fmt.Errorf("%w: size %d, sector size %d", ErrInvalidSize, size, sectorSize)
	}

	return nil
}
