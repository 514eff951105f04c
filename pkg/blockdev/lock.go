//go:build linux || darwin

package blockdev

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrDeviceBusy is returned by [OpenFile] when another process holds the
// device image open.
var ErrDeviceBusy = errors.New("blockdev: device busy")

// flockFunc matches [unix.Flock] and is replaced in tests.
type flockFunc func(fd int, how int) error

// lockExclusive takes a non-blocking exclusive flock on fd.
//
// flock is advisory and attaches to the open file description, so the lock
// lives exactly as long as the device's fd. Two FileDevice values in the same
// process that open the same path get separate descriptions and therefore
// conflict, which is what we want: a device image has a single cache above it.
func lockExclusive(flock flockFunc, fd int) error {
	err := flockRetryEINTR(flock, fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}

	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrDeviceBusy
	}

	return fmt.Errorf("flock: %w", err)
}

func unlock(flock flockFunc, fd int) error {
	err := flockRetryEINTR(flock, fd, unix.LOCK_UN)
	if err != nil {
		return fmt.Errorf("unlocking device: %w", err)
	}

	return nil
}

// flockRetryEINTR retries flock while it is interrupted by a signal.
func flockRetryEINTR(flock flockFunc, fd int, how int) error {
	for {
		err := flock(fd, how)
		if !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}

// sameInode reports whether fd still refers to the file at path. A device
// image that was replaced between open and flock is not the one we locked.
func sameInode(fd int, path string) (bool, error) {
	var fdStat, pathStat unix.Stat_t

	err := unix.Fstat(fd, &fdStat)
	if err != nil {
		return false, fmt.Errorf("fstat: %w", err)
	}

	err = unix.Stat(path, &pathStat)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}

		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}
