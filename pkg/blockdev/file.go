//go:build linux || darwin

package blockdev

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// FileDevice is a [Device] stored in a regular file (a device image).
//
// I/O uses pread/pwrite on a single descriptor, so concurrent ReadAt and
// WriteAt calls are safe. The image is exclusively flocked for the lifetime
// of the device.
type FileDevice struct {
	path       string
	sectorSize int
	size       int64
	flock      flockFunc

	mu sync.RWMutex
	fd int // -1 once closed
}

// FileOptions configures [OpenFile].
type FileOptions struct {
	// SectorSize defaults to [DefaultSectorSize].
	SectorSize int

	// Size creates the image with this many bytes if it does not exist.
	// Zero means the image must already exist. An existing image of a
	// different size is rejected.
	Size int64
}

// OpenFile opens (or creates) the device image at path.
//
// Returns [ErrDeviceBusy] if another FileDevice holds the image.
func OpenFile(path string, opts FileOptions) (*FileDevice, error) {
	return openFile(path, opts, unix.Flock)
}

func openFile(path string, opts FileOptions, flock flockFunc) (*FileDevice, error) {
	sectorSize := opts.SectorSize
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Size > 0 {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", path, err)
	}

	dev, err := initFile(fd, path, sectorSize, opts.Size, flock)
	if err != nil {
		_ = unix.Close(fd)

		return nil, err
	}

	return dev, nil
}

func initFile(fd int, path string, sectorSize int, size int64, flock flockFunc) (*FileDevice, error) {
	err := lockExclusive(flock, fd)
	if err != nil {
		return nil, fmt.Errorf("locking device %s: %w", path, err)
	}

	same, err := sameInode(fd, path)
	if err != nil {
		return nil, err
	}

	if !same {
		return nil, fmt.Errorf("device %s was replaced while opening: %w", path, ErrDeviceBusy)
	}

	var st unix.Stat_t

	err = unix.Fstat(fd, &st)
	if err != nil {
		return nil, fmt.Errorf("stating device %s: %w", path, err)
	}

	switch {
	case st.Size == 0 && size > 0:
		err = unix.Ftruncate(fd, size)
		if err != nil {
			return nil, fmt.Errorf("sizing device %s to %d bytes: %w", path, size, err)
		}
	case size > 0 && st.Size != size:
		return nil, fmt.Errorf("device %s is %d bytes but %d was requested: %w", path, st.Size, size, ErrInvalidSize)
	default:
		size = st.Size
	}

	err = checkGeometry(size, sectorSize)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", path, err)
	}

	return &FileDevice{
		path:       path,
		sectorSize: sectorSize,
		size:       size,
		flock:      flock,
		fd:         fd,
	}, nil
}

// Path returns the image path.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fd < 0 {
		return 0, ErrClosed
	}

	if off < 0 || off >= d.size {
		return 0, io.EOF
	}

	total := 0

	for len(p) > 0 {
		n, err := unix.Pread(d.fd, p, off)
		total += n

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return total, fmt.Errorf("pread at %d: %w", off, err)
		}

		if n == 0 {
			return total, io.EOF
		}

		p = p[n:]
		off += int64(n)
	}

	return total, nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fd < 0 {
		return 0, ErrClosed
	}

	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write at %d len %d: %w", off, len(p), ErrOutOfRange)
	}

	total := 0

	for len(p) > 0 {
		n, err := unix.Pwrite(d.fd, p, off)
		total += n

		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return total, fmt.Errorf("pwrite at %d: %w", off, err)
		}

		p = p[n:]
		off += int64(n)
	}

	return total, nil
}

func (d *FileDevice) Size() int64 { return d.size }

func (d *FileDevice) SectorSize() int { return d.sectorSize }

func (d *FileDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fd < 0 {
		return ErrClosed
	}

	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("fsync %s: %w", d.path, err)
	}

	return nil
}

// Close releases the image lock and closes the descriptor. Close is
// idempotent.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}

	unlockErr := unlock(d.flock, d.fd)

	closeErr := unix.Close(d.fd)
	if closeErr != nil {
		closeErr = fmt.Errorf("closing device %s: %w", d.path, closeErr)
	}

	d.fd = -1

	return errors.Join(unlockErr, closeErr)
}
