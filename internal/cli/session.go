package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/blockdev"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
)

// session is one cache target over the configured device image.
type session struct {
	cfg   *config.Config
	log   *slog.Logger
	dev   blockdev.Device
	queue *blockdev.Queue
	sub   *bufcache.Subsystem
	tgt   *bufcache.Target
	alloc *bufcache.HeapAllocator
}

// sessionOptions adjusts how openSession builds the stack.
type sessionOptions struct {
	// wrap, if set, wraps the file device before the transport sees it.
	wrap func(blockdev.Device) blockdev.Device
}

// openSession opens the device image named by cfg and builds a target on
// an async queue transport. Log output goes to logOut.
func openSession(cfg *config.Config, logOut io.Writer, so sessionOptions) (*session, error) {
	log := cfg.Logger(logOut)

	file, err := blockdev.OpenFile(cfg.DeviceAbs, blockdev.FileOptions{SectorSize: cfg.SectorSize})
	if err != nil {
		return nil, err
	}

	var dev blockdev.Device = file
	if so.wrap != nil {
		dev = so.wrap(file)
	}

	queue := blockdev.NewQueue(dev, cfg.Transport)
	sub := bufcache.NewSubsystem(cfg.DeviceAbs, log)

	opts := cfg.CacheOptions()
	opts.Shutdown = sub
	opts.Logger = log

	tgt, err := bufcache.NewTarget(queue, opts)
	if err != nil {
		_ = queue.Close()
		_ = dev.Close()

		return nil, err
	}

	alloc, _ := opts.Allocator.(*bufcache.HeapAllocator)

	return &session{cfg: cfg, log: log, dev: dev, queue: queue, sub: sub, tgt: tgt, alloc: alloc}, nil
}

// drainTimeout bounds teardown after the command context was cancelled.
const drainTimeout = 30 * time.Second

// close drains the target, stops the transport and syncs and closes the
// device. Every failure is reported.
func (s *session) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	s.sub.BeginUnmount()

	drainErr := s.tgt.Drain(ctx)
	if drainErr == nil {
		drainErr = s.tgt.Close()
	}

	queueErr := s.queue.Close()

	var syncErr error
	if !s.sub.IsShutdown() {
		syncErr = s.dev.Sync()
	}

	return errors.Join(drainErr, queueErr, syncErr, s.dev.Close())
}

// parseBlock parses a block address argument.
func parseBlock(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: block %q", errInvalidArg, s)
	}

	return n, nil
}

var (
	errInvalidArg   = errors.New("invalid argument")
	errMissingArg   = errors.New("missing argument")
	errDeviceExists = errors.New("device image already exists")
)
