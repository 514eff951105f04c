package bufcache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// queued returns a buffer at addr filled with c, on q, unlocked, with only
// the queue's reference left.
func queued(t *testing.T, tgt *Target, q *DelwriQueue, addr int64, c byte) (*Buffer, []byte) {
	t.Helper()

	b := mustGet(t, tgt, addr, 1, 0)
	want := fill(b, c)

	require.True(t, q.Queue(b))
	b.Relse()

	return b, want
}

func Test_DelwriQueue_Queue_Returns_False_When_Buffer_Is_Already_Queued(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newMemTarget(t, Options{})

	var q, other DelwriQueue

	b := mustGet(t, tgt, 4, 1, 0)

	require.True(t, q.Queue(b))
	require.False(t, q.Queue(b))
	require.False(t, other.Queue(b))

	require.Equal(t, 1, q.Len())
	require.Equal(t, 0, other.Len())
	require.Equal(t, 2, b.HoldCount(), "caller plus one queue reference")
	require.True(t, q.Contains(b))
	require.True(t, b.hasFlag(FlagQueuedForWrite))

	b.Relse()
	q.Cancel()
}

func Test_DelwriQueue_Submit_Writes_Buffers_In_Address_Order_When_Queued_Out_Of_Order(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	tr.Transport = blockdev.NewInline(newMemDevice(t))
	tgt, _ := newTestTarget(t, tr, Options{})

	var q DelwriQueue

	for _, addr := range []int64{30, 10, 20} {
		queued(t, tgt, &q, addr, byte(addr))
	}

	require.NoError(t, q.Submit())
	require.Equal(t, 0, q.Len())
	require.Equal(t, []int64{10 * 512, 20 * 512, 30 * 512}, tr.offsets())

	for _, addr := range []int64{10, 20, 30} {
		b, err := tgt.Incore(addr, 1, 0)
		require.NoError(t, err)
		require.False(t, b.hasFlag(FlagQueuedForWrite))
		require.True(t, b.hasFlag(FlagDone))
		require.Equal(t, 2, b.HoldCount(), "caller plus LRU")
		b.Relse()
	}
}

func Test_DelwriQueue_Submit_Drops_Buffer_When_Staled_While_Queued(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b, _ := queued(t, tgt, &q, 6, 'z')

	b.Lock()
	b.Stale()
	b.Unlock()

	require.Equal(t, 1, q.Len(), "stale buffer stays queued until the next submit")
	require.False(t, b.hasFlag(FlagQueuedForWrite))

	require.NoError(t, q.Submit())

	_, writes := dev.IOCounts()
	require.Equal(t, int64(0), writes)
	require.Equal(t, 0, q.Len())
	require.Equal(t, int64(0), tgt.Stats().Buffers)
}

func Test_DelwriQueue_Queue_Keeps_Lazy_Entry_When_Requeued_After_Sync_Write(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q, other DelwriQueue

	b := mustGet(t, tgt, 6, 1, 0)
	require.True(t, q.Queue(b))

	require.NoError(t, b.Write())
	require.False(t, b.hasFlag(FlagQueuedForWrite))

	require.True(t, other.Queue(b), "written buffer may be queued again")
	require.Equal(t, 0, other.Len(), "the old queue still owns the entry")
	require.True(t, q.Contains(b))
	b.Relse()

	require.NoError(t, q.Submit())

	_, writes := dev.IOCounts()
	require.Equal(t, int64(2), writes)
}

func Test_DelwriQueue_SubmitNowait_Skips_Buffer_When_Pinned(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b, want := queued(t, tgt, &q, 8, 'n')
	b.Pin()

	require.Equal(t, 1, q.SubmitNowait())
	require.Equal(t, 1, q.Len())

	b.Unpin()

	require.Equal(t, 0, q.SubmitNowait())
	require.Equal(t, 0, q.Len())

	tgt.completions.flush()

	require.True(t, bytes.Equal(dev.Bytes()[8*512:9*512], want))
	require.Equal(t, int64(0), tgt.InFlight())
	require.Equal(t, 1, tgt.Count())
}

func Test_DelwriQueue_SubmitNowait_Skips_Buffer_When_Locked(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b, _ := queued(t, tgt, &q, 8, 'l')
	b.Lock()

	require.Equal(t, 0, q.SubmitNowait())
	require.Equal(t, 1, q.Len())

	_, writes := dev.IOCounts()
	require.Equal(t, int64(0), writes)

	b.Unlock()
	q.Cancel()
}

func Test_DelwriQueue_Cancel_Releases_Buffers_When_Not_Written(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b, _ := queued(t, tgt, &q, 2, 'c')
	queued(t, tgt, &q, 3, 'c')

	q.Cancel()

	require.Equal(t, 0, q.Len())
	require.False(t, b.hasFlag(FlagQueuedForWrite))
	require.Equal(t, 2, tgt.Count(), "cancelled buffers stay cached")

	_, writes := dev.IOCounts()
	require.Equal(t, int64(0), writes)
}

func Test_DelwriQueue_Pushbuf_Writes_One_Buffer_When_Others_Are_Queued(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b, want := queued(t, tgt, &q, 2, 'p')
	c, _ := queued(t, tgt, &q, 3, 'q')

	require.NoError(t, q.Pushbuf(b))

	require.True(t, bytes.Equal(dev.Bytes()[2*512:3*512], want))

	_, writes := dev.IOCounts()
	require.Equal(t, int64(1), writes)
	require.Equal(t, 2, q.Len())
	require.True(t, q.Contains(b))
	require.True(t, b.hasFlag(FlagQueuedForWrite), "pushed buffer stays queued")
	require.False(t, b.IsLocked())
	require.True(t, c.hasFlag(FlagQueuedForWrite))

	require.NoError(t, q.Submit())

	_, writes = dev.IOCounts()
	require.Equal(t, int64(3), writes)
}

func Test_DelwriQueue_Pushbuf_Returns_ErrInvalidInput_When_Buffer_Is_Not_Queued(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newMemTarget(t, Options{})

	var q DelwriQueue

	b := mustGet(t, tgt, 2, 1, 0)
	b.Unlock()

	require.ErrorIs(t, q.Pushbuf(b), ErrInvalidInput)

	b.Release()
}

func Test_DelwriQueue_Pushbuf_Returns_ErrInvalidInput_When_Another_Queue_Owns_Buffer(t *testing.T) {
	t.Parallel()

	tgt, dev, _ := newMemTarget(t, Options{})

	var q, other DelwriQueue

	b, want := queued(t, tgt, &other, 6, 'o')

	require.ErrorIs(t, q.Pushbuf(b), ErrInvalidInput)
	require.False(t, b.IsLocked(), "rejected push left the buffer locked")
	require.True(t, other.Contains(b))

	require.NoError(t, other.Submit())
	require.True(t, bytes.Equal(dev.Bytes()[6*512:7*512], want))
}

func Test_DelwriQueue_Pushbuf_Balances_References_When_Another_Queue_Competes(t *testing.T) {
	t.Parallel()

	tgt, _, _ := newMemTarget(t, Options{})

	b := mustGet(t, tgt, 9, 1, 0)
	fill(b, 'c')
	b.Unlock()

	var q, other DelwriQueue

	done := make(chan struct{})

	go func() {
		defer close(done)

		for range 100 {
			b.Lock()
			other.Queue(b)
			b.Unlock()

			_ = other.Submit()
		}
	}()

	for range 100 {
		b.Lock()
		q.Queue(b)
		b.Unlock()

		err := q.Pushbuf(b)
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidInput)
		}
	}

	<-done

	require.NoError(t, q.Submit())
	require.NoError(t, other.Submit())

	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, other.Len())
	require.Equal(t, 1, b.HoldCount(), "only the test's reference is left")

	b.Release()
}

func Test_DelwriQueue_Submit_Returns_ErrShuttingDown_When_Shut_Down(t *testing.T) {
	t.Parallel()

	tr := &countingTransport{Transport: blockdev.NewInline(newMemDevice(t))}
	tgt, sub := newTestTarget(t, tr, Options{})

	var q DelwriQueue

	queued(t, tgt, &q, 2, 's')
	queued(t, tgt, &q, 3, 's')

	sub.Shutdown(ReasonForced, nil)

	require.ErrorIs(t, q.Submit(), ErrShuttingDown)
	require.Equal(t, int64(0), tr.submits.Load())
	require.Equal(t, 0, q.Len())
	require.Equal(t, int64(0), tgt.Stats().Buffers)
}

func Test_DelwriQueue_Submit_Returns_First_Error_When_A_Write_Fails(t *testing.T) {
	t.Parallel()

	tgt, chaos, _ := newBadBlockTarget(t, Options{}, 3)

	var q DelwriQueue

	queued(t, tgt, &q, 2, 'e')
	queued(t, tgt, &q, 3, 'e')
	queued(t, tgt, &q, 4, 'e')

	require.ErrorIs(t, q.Submit(), ErrTransport)
	require.Equal(t, int64(3), chaos.Stats().Writes)
	require.Equal(t, 0, q.Len())
}
