package bufcache

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// testBlocks is the size of every test device in 512 byte blocks.
const testBlocks = 1024

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTarget builds a target over tr with a fresh shutdown subsystem and
// a silent logger unless opts carries its own.
func newTestTarget(t *testing.T, tr blockdev.Transport, opts Options) (*Target, *Subsystem) {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	sub, _ := opts.Shutdown.(*Subsystem)
	if opts.Shutdown == nil {
		sub = NewSubsystem("test", opts.Logger)
		opts.Shutdown = sub
	}

	tgt, err := NewTarget(tr, opts)
	if err != nil {
		t.Fatalf("NewTarget: err=%v", err)
	}

	t.Cleanup(tgt.completions.close)

	return tgt, sub
}

func newMemDevice(t *testing.T) *blockdev.MemDevice {
	t.Helper()

	dev, err := blockdev.NewMemDevice(testBlocks*512, 512)
	if err != nil {
		t.Fatalf("NewMemDevice: err=%v", err)
	}

	return dev
}

func newMemTarget(t *testing.T, opts Options) (*Target, *blockdev.MemDevice, *Subsystem) {
	t.Helper()

	dev := newMemDevice(t)
	tgt, sub := newTestTarget(t, blockdev.NewInline(dev), opts)

	return tgt, dev, sub
}

// newBadBlockTarget returns a target whose device fails every I/O touching
// one of the given blocks with EIO.
func newBadBlockTarget(t *testing.T, opts Options, bad ...int64) (*Target, *blockdev.Chaos, *Subsystem) {
	t.Helper()

	chaos := blockdev.NewChaos(newMemDevice(t), 1, blockdev.ChaosConfig{})
	chaos.SetMode(blockdev.ChaosModeStickyOnly)

	for _, blk := range bad {
		chaos.SetSector(blk*512, blockdev.SectorIOError)
	}

	tgt, sub := newTestTarget(t, blockdev.NewInline(chaos), opts)

	return tgt, chaos, sub
}

func mustGet(t *testing.T, tgt *Target, addr int64, length int, flags Flags) *Buffer {
	t.Helper()

	b, err := tgt.Get(addr, length, flags)
	if err != nil {
		t.Fatalf("Get(%d, %d): err=%v", addr, length, err)
	}

	return b
}

func fill(b *Buffer, c byte) []byte {
	p := make([]byte, b.Size())
	for i := range p {
		p[i] = c + byte(i%7)
	}

	b.CopyIn(0, p)

	return p
}

func content(b *Buffer) []byte {
	p := make([]byte, b.Size())
	b.CopyOut(0, p)

	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

type countingTransport struct {
	blockdev.Transport

	submits atomic.Int64
}

func (c *countingTransport) Submit(req *blockdev.Request) {
	c.submits.Add(1)
	c.Transport.Submit(req)
}

// parkedTransport holds requests until the test completes them.
type parkedTransport struct {
	dev  blockdev.Device
	reqs chan *blockdev.Request
}

func newParkedTransport(dev blockdev.Device) *parkedTransport {
	return &parkedTransport{dev: dev, reqs: make(chan *blockdev.Request, 64)}
}

func (p *parkedTransport) Submit(req *blockdev.Request) { p.reqs <- req }

func (p *parkedTransport) Device() blockdev.Device { return p.dev }

func (p *parkedTransport) completeOne(t *testing.T) {
	t.Helper()

	select {
	case req := <-p.reqs:
		req.Done(blockdev.Execute(p.dev, req))
	case <-time.After(5 * time.Second):
		t.Fatal("no request was submitted")
	}
}

type congestedTransport struct {
	blockdev.Transport
}

func (congestedTransport) Congested() bool { return true }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingOwner struct {
	done           atomic.Int32
	unlockedInHook atomic.Bool
	failed         chan error
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{failed: make(chan error, 16)}
}

func (o *recordingOwner) IODone(b *Buffer) {
	o.done.Add(1)
	o.unlockedInHook.Store(!b.IsLocked())
}

func (o *recordingOwner) IOFailed(_ *Buffer, err error) { o.failed <- err }

type testVerifier struct {
	readErr  error
	writeErr error
	reads    atomic.Int32
}

var errBadMagic = errors.New("bad magic")

func (*testVerifier) Name() string { return "test" }

func (v *testVerifier) VerifyRead(*Buffer) error {
	v.reads.Add(1)

	return v.readErr
}

func (v *testVerifier) VerifyWrite(*Buffer) error { return v.writeErr }

// recordingTransport records the device offset of every write request.
type recordingTransport struct {
	blockdev.Transport

	mu     sync.Mutex
	writes []int64
}

func (r *recordingTransport) Submit(req *blockdev.Request) {
	if req.Op == blockdev.OpWrite {
		r.mu.Lock()
		r.writes = append(r.writes, req.Offset)
		r.mu.Unlock()
	}

	r.Transport.Submit(req)
}

func (r *recordingTransport) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int64(nil), r.writes...)
}
