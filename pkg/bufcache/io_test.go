package bufcache

import (
	"bytes"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

func Test_Read_Returns_Device_Content_When_Range_Is_Not_Cached(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	want := bytes.Repeat([]byte("metadata"), 128)

	_, err := dev.WriteAt(want, 7*512)
	if err != nil {
		t.Fatalf("WriteAt: err=%v", err)
	}

	b, err := tgt.Read(7, 2, 0, nil)
	if err != nil {
		t.Fatalf("Read: err=%v", err)
	}

	if !bytes.Equal(b.Bytes(), want) {
		t.Fatal("read content differs from device content")
	}

	if !b.hasFlag(FlagDone) || b.hasFlag(FlagRead) {
		t.Fatalf("flags=%s, want DONE without READ", b.Flags())
	}

	b.Relse()
}

func Test_Read_Skips_Device_When_Buffer_Is_Cached_And_Rereads_When_Stale(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	b, err := tgt.Read(7, 1, 0, nil)
	if err != nil {
		t.Fatalf("Read: err=%v", err)
	}

	b.Relse()

	cached, err := tgt.Read(7, 1, 0, nil)
	if err != nil {
		t.Fatalf("cached Read: err=%v", err)
	}

	if reads, _ := dev.IOCounts(); reads != 1 {
		t.Fatalf("device reads=%d after cached Read, want 1", reads)
	}

	cached.Stale()
	cached.Relse()

	_, err = dev.WriteAt(bytes.Repeat([]byte{0xab}, 512), 7*512)
	if err != nil {
		t.Fatalf("WriteAt: err=%v", err)
	}

	fresh, err := tgt.Read(7, 1, 0, nil)
	if err != nil {
		t.Fatalf("Read after Stale: err=%v", err)
	}
	defer fresh.Relse()

	if reads, _ := dev.IOCounts(); reads != 2 {
		t.Fatalf("device reads=%d after stale Read, want 2", reads)
	}

	if fresh.Bytes()[0] != 0xab {
		t.Fatalf("content after stale reread=%#x, want 0xab", fresh.Bytes()[0])
	}
}

func Test_Read_Returns_ErrCorruptVerification_When_Verifier_Rejects_Content(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newMemTarget(t, Options{})

	v := &testVerifier{readErr: errBadMagic}

	_, err := tgt.Read(30, 1, 0, v)
	if !errors.Is(err, ErrCorruptVerification) || !errors.Is(err, errBadMagic) {
		t.Fatalf("Read: err=%v, want %v wrapping %v", err, ErrCorruptVerification, errBadMagic)
	}

	var verr *VerifyError
	if !errors.As(err, &verr) || verr.Verifier != "test" || verr.Addr != 30 {
		t.Fatalf("Read: err=%#v, want *VerifyError from test at 30", err)
	}

	if _, err := tgt.Incore(30, 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Incore after failed verify: err=%v, want %v", err, ErrNotFound)
	}

	if n := tgt.Stats().ReadErrors; n != 1 {
		t.Fatalf("read errors=%d, want 1", n)
	}
}

func Test_Read_Verifies_Cached_Buffer_When_First_Read_Had_No_Verifier(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newMemTarget(t, Options{})

	b, err := tgt.Read(31, 1, 0, nil)
	if err != nil {
		t.Fatalf("Read: err=%v", err)
	}

	b.Relse()

	v := &testVerifier{readErr: errBadMagic}

	_, err = tgt.Read(31, 1, 0, v)
	if !errors.Is(err, ErrCorruptVerification) {
		t.Fatalf("Read with verifier: err=%v, want %v", err, ErrCorruptVerification)
	}

	if v.reads.Load() != 1 {
		t.Fatalf("verifier ran %d times, want 1", v.reads.Load())
	}

	ok := &testVerifier{}

	b, err = tgt.Read(31, 1, 0, ok)
	if err != nil {
		t.Fatalf("Read after failed reverify: err=%v", err)
	}

	if b.Verifier() != ok {
		t.Fatal("buffer does not carry the verifier it was read with")
	}

	b.Relse()
}

func Test_Read_Returns_ErrTransport_When_Device_Fails(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newBadBlockTarget(t, Options{}, 9)

	_, err := tgt.Read(8, 2, 0, nil)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, syscall.EIO) {
		t.Fatalf("Read: err=%v, want %v and EIO", err, ErrTransport)
	}

	if !blockdev.IsInjected(err) {
		t.Fatalf("Read: err=%v does not carry the injected device error", err)
	}

	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != blockdev.OpRead || ioErr.Addr != 8 {
		t.Fatalf("Read: err=%#v, want *IOError for read at 8", err)
	}

	if _, err := tgt.Incore(8, 2, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Incore after failed read: err=%v, want %v", err, ErrNotFound)
	}
}

func Test_ReadMap_Gathers_Ranges_When_Buffer_Is_Discontiguous(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	maps := []Map{{Addr: 0, Len: 1}, {Addr: 10, Len: 2}}

	b, err := tgt.GetMap(maps, 0)
	if err != nil {
		t.Fatalf("GetMap: err=%v", err)
	}

	want := fill(b, 'm')

	err = b.Write()
	if err != nil {
		t.Fatalf("Write: err=%v", err)
	}

	raw := dev.Bytes()
	if !bytes.Equal(raw[:512], want[:512]) || !bytes.Equal(raw[10*512:12*512], want[512:]) {
		t.Fatal("discontiguous write landed in the wrong places")
	}

	b.Stale()
	b.Relse()

	b, err = tgt.ReadMap(maps, 0, nil)
	if err != nil {
		t.Fatalf("ReadMap: err=%v", err)
	}
	defer b.Relse()

	if !bytes.Equal(content(b), want) {
		t.Fatal("ReadMap content differs from what was written")
	}
}

func Test_ReadAhead_Caches_Buffer_When_Transport_Is_Idle(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	tgt.ReadAhead(20, 4, nil)
	tgt.completions.flush()

	b, err := tgt.Incore(20, 4, 0)
	if err != nil {
		t.Fatalf("Incore after read-ahead: err=%v", err)
	}

	if !b.hasFlag(FlagDone) {
		t.Fatalf("flags=%s after read-ahead, want DONE", b.Flags())
	}

	b.Relse()

	b, err = tgt.Read(20, 4, 0, nil)
	if err != nil {
		t.Fatalf("Read: err=%v", err)
	}

	b.Relse()

	if reads, _ := dev.IOCounts(); reads != 1 {
		t.Fatalf("device reads=%d, want 1", reads)
	}

	if n := tgt.InFlight(); n != 0 {
		t.Fatalf("in flight=%d after read-ahead completed, want 0", n)
	}
}

func Test_ReadAhead_Does_Nothing_When_Transport_Is_Congested(t *testing.T) {
	t.Parallel()

	dev := newMemDevice(t)
	tgt, _ := newTestTarget(t, congestedTransport{blockdev.NewInline(dev)}, Options{})

	tgt.ReadAhead(20, 1, nil)

	if _, err := tgt.Incore(20, 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Incore: err=%v, want %v", err, ErrNotFound)
	}

	if n := tgt.Stats().ReadAheadSkipped; n != 1 {
		t.Fatalf("read-ahead skipped=%d, want 1", n)
	}
}

func Test_ReadAhead_Does_Nothing_When_Buffer_Is_Locked(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	b := mustGet(t, tgt, 20, 1, 0)

	tgt.ReadAhead(20, 1, nil)

	if reads, _ := dev.IOCounts(); reads != 0 {
		t.Fatalf("device reads=%d, want 0", reads)
	}

	if b.HoldCount() != 1 {
		t.Fatalf("hold=%d, want 1", b.HoldCount())
	}

	b.Relse()
}

func Test_ReadUncached_Returns_Content_When_Range_Is_Not_Indexed(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	_, err := dev.WriteAt([]byte("superblock"), 0)
	if err != nil {
		t.Fatalf("WriteAt: err=%v", err)
	}

	b, err := tgt.ReadUncached(0, 1, 0, nil)
	if err != nil {
		t.Fatalf("ReadUncached: err=%v", err)
	}

	if !strings.HasPrefix(string(b.Bytes()), "superblock") {
		t.Fatalf("content=%q, want superblock prefix", b.Bytes()[:16])
	}

	b.Relse()

	if n := tgt.Stats().Buffers; n != 0 {
		t.Fatalf("buffers=%d, want 0", n)
	}
}

func Test_Write_Stores_Content_When_Device_Is_Healthy(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	b := mustGet(t, tgt, 64, 2, 0)
	want := fill(b, 'a')

	err := b.Write()
	if err != nil {
		t.Fatalf("Write: err=%v", err)
	}

	if !bytes.Equal(dev.Bytes()[64*512:66*512], want) {
		t.Fatal("device content differs from buffer content")
	}

	if !b.hasFlag(FlagDone) || b.hasFlag(FlagWrite) {
		t.Fatalf("flags=%s after write, want DONE without WRITE", b.Flags())
	}

	if !b.IsLocked() || b.HoldCount() != 1 {
		t.Fatalf("locked=%v hold=%d after sync write, want true 1", b.IsLocked(), b.HoldCount())
	}

	b.Relse()
}

func Test_Write_Waits_For_Unpin_When_Buffer_Is_Pinned(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	b := mustGet(t, tgt, 64, 1, 0)
	fill(b, 'p')
	b.Pin()

	done := make(chan error, 1)

	go func() { done <- b.Write() }()

	select {
	case <-done:
		t.Fatal("write of a pinned buffer completed")
	case <-time.After(20 * time.Millisecond):
	}

	if _, writes := dev.IOCounts(); writes != 0 {
		t.Fatalf("device writes=%d while pinned, want 0", writes)
	}

	b.Unpin()

	err := <-done
	if err != nil {
		t.Fatalf("Write: err=%v", err)
	}

	b.Relse()
}

func Test_Write_Returns_ErrCorruptVerification_When_Write_Verifier_Fails(t *testing.T) {
	t.Parallel()

	tgt, dev, sub := newMemTarget(t, Options{})

	b := mustGet(t, tgt, 2, 1, 0)
	b.SetVerifier(&testVerifier{writeErr: errBadMagic})

	err := b.Write()
	if !errors.Is(err, ErrCorruptVerification) {
		t.Fatalf("Write: err=%v, want %v", err, ErrCorruptVerification)
	}

	if _, writes := dev.IOCounts(); writes != 0 {
		t.Fatalf("device writes=%d, want 0", writes)
	}

	if !sub.IsShutdown() {
		t.Fatal("corrupt in-core metadata did not shut the subsystem down")
	}

	if msg := sub.Err().Error(); !strings.Contains(msg, ReasonCorruptInCore.String()) {
		t.Fatalf("shutdown err=%q, want reason %q", msg, ReasonCorruptInCore)
	}

	b.Relse()
}

func Test_Write_Shuts_Down_When_Sync_Write_Fails(t *testing.T) {
	t.Parallel()

	tgt, chaos, sub := newBadBlockTarget(t, Options{}, 40)

	b := mustGet(t, tgt, 40, 1, 0)
	fill(b, 's')

	err := b.Write()
	if !errors.Is(err, ErrTransport) || !errors.Is(err, syscall.EIO) {
		t.Fatalf("Write: err=%v, want %v and EIO", err, ErrTransport)
	}

	if w := chaos.Stats().Writes; w != 1 {
		t.Fatalf("device writes=%d, want 1 (no retry for sync writes)", w)
	}

	if !b.hasFlag(FlagStale) {
		t.Fatalf("flags=%s after failed sync write, want STALE", b.Flags())
	}

	if !sub.IsShutdown() {
		t.Fatal("failed sync write did not shut the subsystem down")
	}

	b.Relse()

	if n := tgt.Stats().Buffers; n != 0 {
		t.Fatalf("buffers=%d, want 0", n)
	}
}

func Test_Submit_Fails_Without_Transport_When_Shut_Down(t *testing.T) {
	t.Parallel()

	tr := &countingTransport{Transport: blockdev.NewInline(newMemDevice(t))}
	tgt, sub := newTestTarget(t, tr, Options{})

	b := mustGet(t, tgt, 1, 1, 0)
	async := mustGet(t, tgt, 2, 1, 0)

	sub.Shutdown(ReasonForced, nil)

	err := b.Write()
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Write after shutdown: err=%v, want %v", err, ErrShuttingDown)
	}

	if !errors.Is(b.Error(), ErrShuttingDown) {
		t.Fatalf("buffer err=%v, want %v", b.Error(), ErrShuttingDown)
	}

	if !b.hasFlag(FlagStale) || b.hasFlag(FlagWrite) {
		t.Fatalf("flags=%s after shutdown write, want STALE without WRITE", b.Flags())
	}

	b.Relse()

	async.WriteAsync()

	if async.IsLocked() {
		t.Fatal("async write after shutdown left the buffer locked")
	}

	if n := tr.submits.Load(); n != 0 {
		t.Fatalf("transport submits=%d, want 0", n)
	}

	if n := tgt.Stats().Buffers; n != 0 {
		t.Fatalf("buffers=%d, want 0", n)
	}

	_, err = tgt.Get(3, 1, 0)
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Get after shutdown: err=%v, want %v", err, ErrShuttingDown)
	}

	_, err = tgt.Read(3, 1, 0, nil)
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Read after shutdown: err=%v, want %v", err, ErrShuttingDown)
	}
}

func Test_Submit_Splits_Requests_When_Pages_Exceed_MaxSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		maxSegments int
		want        int64
	}{
		{name: "one segment per request", maxSegments: 1, want: 4},
		{name: "default", maxSegments: 0, want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dev := newMemDevice(t)
			tr := &countingTransport{Transport: blockdev.NewInline(dev)}
			tgt, _ := newTestTarget(t, tr, Options{
				MaxSegments: tc.maxSegments,
				Allocator:   NewHeapAllocatorPageSize(0, 512),
			})

			b := mustGet(t, tgt, 16, 4, 0)
			want := fill(b, 'q')

			err := b.Write()
			if err != nil {
				t.Fatalf("Write: err=%v", err)
			}

			b.Relse()

			if n := tr.submits.Load(); n != tc.want {
				t.Fatalf("transport submits=%d, want %d", n, tc.want)
			}

			if !bytes.Equal(dev.Bytes()[16*512:20*512], want) {
				t.Fatal("device content differs after split write")
			}
		})
	}
}

func Test_WriteAsync_Calls_Owner_After_Unlock_When_Write_Succeeds(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})
	owner := newRecordingOwner()

	b := mustGet(t, tgt, 70, 1, 0)
	b.SetOwner(owner)
	want := fill(b, 'o')
	b.WriteAsync()

	tgt.completions.flush()

	if n := owner.done.Load(); n != 1 {
		t.Fatalf("IODone calls=%d, want 1", n)
	}

	if !owner.unlockedInHook.Load() {
		t.Fatal("IODone ran with the buffer lock held")
	}

	if !bytes.Equal(dev.Bytes()[70*512:71*512], want) {
		t.Fatal("device content differs from buffer content")
	}

	if n := tgt.InFlight(); n != 0 {
		t.Fatalf("in flight=%d, want 0", n)
	}

	if tgt.Count() != 1 {
		t.Fatalf("LRU count=%d, want 1", tgt.Count())
	}
}

// retryUntilShutdown resubmits b every time its owner reports a transient
// failure, until the subsystem shuts down. It returns the number of
// transient failures.
func retryUntilShutdown(t *testing.T, b *Buffer, owner *recordingOwner, sub *Subsystem, between func()) int {
	t.Helper()

	shut := make(chan struct{})
	sub.OnShutdown(func(ShutdownReason, error) { close(shut) })

	b.Hold()
	b.WriteAsync()

	failures := 0

	for {
		select {
		case <-owner.failed:
			failures++

			if between != nil {
				between()
			}

			b.Lock()
			b.Hold()
			b.WriteAsync()
		case <-shut:
			b.Target().completions.flush()

			return failures
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for write failure")
		}
	}
}

func Test_WriteAsync_Attempts_Four_Times_When_MaxRetries_Is_Three(t *testing.T) {
	t.Parallel()

	tgt, chaos, sub := newBadBlockTarget(t, Options{
		Errors: &ErrorConfig{Default: RetryPolicy{MaxRetries: 3, RetryTimeout: RetryForever}},
	}, 100)

	owner := newRecordingOwner()

	b := mustGet(t, tgt, 100, 1, 0)
	b.SetOwner(owner)
	fill(b, 'r')

	failures := retryUntilShutdown(t, b, owner, sub, nil)

	if w := chaos.Stats().Writes; w != 4 {
		t.Fatalf("device writes=%d, want 4", w)
	}

	if failures != 2 {
		t.Fatalf("owner saw %d transient failures, want 2", failures)
	}

	if !b.hasFlag(FlagStale) {
		t.Fatalf("flags=%s after permanent failure, want STALE", b.Flags())
	}

	if n := tgt.Stats().WriteRetries; n != 1 {
		t.Fatalf("immediate retries=%d, want 1", n)
	}

	b.Release()

	if n := tgt.Stats().Buffers; n != 0 {
		t.Fatalf("buffers=%d, want 0", n)
	}
}

func Test_WriteAsync_Gives_Up_After_Immediate_Retry_When_Policy_Is_Zero(t *testing.T) {
	t.Parallel()

	tgt, chaos, sub := newBadBlockTarget(t, Options{Errors: &ErrorConfig{}}, 100)

	owner := newRecordingOwner()

	b := mustGet(t, tgt, 100, 1, 0)
	b.SetOwner(owner)
	fill(b, 'z')

	failures := retryUntilShutdown(t, b, owner, sub, nil)

	if w := chaos.Stats().Writes; w != 2 {
		t.Fatalf("device writes=%d, want 2", w)
	}

	if failures != 0 {
		t.Fatalf("owner saw %d transient failures, want 0", failures)
	}

	if !sub.IsShutdown() {
		t.Fatal("subsystem still running after permanent failure")
	}

	b.Release()
}

func Test_Options_Keeps_Explicit_ErrorConfig_When_It_Is_Zero(t *testing.T) {
	t.Parallel()

	explicit := &ErrorConfig{}

	got := Options{Errors: explicit}.withDefaults()
	if got.Errors != explicit {
		t.Fatalf("Errors=%+v, want the explicit zero config", got.Errors)
	}

	def := Options{}.withDefaults()
	if def.Errors == nil || !def.Errors.FailAtUnmount {
		t.Fatalf("Errors=%+v, want DefaultErrorConfig when unset", def.Errors)
	}

	if p := def.Errors.Lookup(syscall.EIO); p.MaxRetries != RetryForever {
		t.Fatalf("default EIO policy=%+v, want retry forever", p)
	}
}

func Test_WriteAsync_Fails_Permanently_When_Retry_Timeout_Expires(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	tgt, chaos, sub := newBadBlockTarget(t, Options{
		Clock:  clock,
		Errors: &ErrorConfig{Default: RetryPolicy{MaxRetries: RetryForever, RetryTimeout: 30 * time.Second}},
	}, 100)

	owner := newRecordingOwner()

	b := mustGet(t, tgt, 100, 1, 0)
	b.SetOwner(owner)

	failures := retryUntilShutdown(t, b, owner, sub, func() { clock.Advance(31 * time.Second) })

	if w := chaos.Stats().Writes; w != 3 {
		t.Fatalf("device writes=%d, want 3", w)
	}

	if failures != 1 {
		t.Fatalf("owner saw %d transient failures, want 1", failures)
	}

	b.Release()
}

func Test_WriteAsync_Fails_Permanently_When_Unmounting(t *testing.T) {
	t.Parallel()

	tgt, chaos, sub := newBadBlockTarget(t, Options{}, 100)

	sub.BeginUnmount()

	owner := newRecordingOwner()

	b := mustGet(t, tgt, 100, 1, 0)
	b.SetOwner(owner)

	failures := retryUntilShutdown(t, b, owner, sub, nil)

	if w := chaos.Stats().Writes; w != 2 {
		t.Fatalf("device writes=%d, want 2 (one immediate retry)", w)
	}

	if failures != 0 {
		t.Fatalf("owner saw %d transient failures, want 0", failures)
	}

	b.Release()
}

func Test_WriteAsync_Clears_WriteFailed_When_Retry_Succeeds(t *testing.T) {
	t.Parallel()

	tgt, chaos, sub := newBadBlockTarget(t, Options{}, 100)

	owner := newRecordingOwner()

	b := mustGet(t, tgt, 100, 1, 0)
	b.SetOwner(owner)
	b.Hold()
	b.WriteAsync()

	select {
	case <-owner.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write failure")
	}

	chaos.ResetAllSectors()

	b.Lock()

	if !b.hasFlag(FlagWriteFailed) {
		t.Fatalf("flags=%s after transient failure, want WRITE_FAIL", b.Flags())
	}

	b.Hold()
	b.WriteAsync()
	tgt.completions.flush()

	if b.hasFlag(FlagWriteFailed) {
		t.Fatalf("flags=%s after successful retry, want no WRITE_FAIL", b.Flags())
	}

	if owner.done.Load() != 1 {
		t.Fatalf("IODone calls=%d, want 1", owner.done.Load())
	}

	if sub.IsShutdown() {
		t.Fatal("recovered write shut the subsystem down")
	}

	b.Release()
}

func Test_ErrorConfig_Lookup_Returns_Errno_Policy_When_Error_Wraps_Errno(t *testing.T) {
	t.Parallel()

	cfg := DefaultErrorConfig()

	err := &IOError{Op: blockdev.OpWrite, Addr: 1, Len: 1, Err: &blockdev.InjectedError{Err: syscall.ENODEV}}
	if p := cfg.Lookup(err); p.MaxRetries != 0 {
		t.Fatalf("Lookup(ENODEV).MaxRetries=%d, want 0", p.MaxRetries)
	}

	if p := cfg.Lookup(errors.New("unknown")); p != cfg.Default {
		t.Fatalf("Lookup(unknown)=%+v, want default %+v", p, cfg.Default)
	}
}
