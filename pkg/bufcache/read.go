package bufcache

import (
	"github.com/calvinalkan/metabuf/pkg/blockdev"
)

// Read returns the buffer for the range with valid content, reading it from
// disk if it is not cached. v checks what was read; pass nil to trust the
// device.
//
// On error the buffer has been staled and released, so a later Read goes
// back to disk.
func (t *Target) Read(addr int64, length int, flags Flags, v Verifier) (*Buffer, error) {
	return t.ReadMap([]Map{{Addr: addr, Len: length}}, flags, v)
}

// ReadMap is [Target.Read] for a buffer built from several block ranges.
func (t *Target) ReadMap(maps []Map, flags Flags, v Verifier) (*Buffer, error) {
	return t.readMap(maps, flags&^(FlagAsync|FlagReadAhead), v)
}

// ReadAhead starts an async read of the range if it is not cached, to be
// picked up by a later Read. It gives up silently when the buffer is
// locked, memory is short, or the transport reports congestion.
func (t *Target) ReadAhead(addr int64, length int, v Verifier) {
	t.ReadAheadMap([]Map{{Addr: addr, Len: length}}, v)
}

// ReadAheadMap is [Target.ReadAhead] for several block ranges.
func (t *Target) ReadAheadMap(maps []Map, v Verifier) {
	if c, ok := t.tr.(blockdev.Congester); ok && c.Congested() {
		t.stats.readAheadSkipped.Add(1)

		return
	}

	_, _ = t.readMap(maps, FlagTryLock|FlagAsync|FlagReadAhead, v)
}

// ReadUncached reads the range into a buffer that is never cached. The
// buffer is returned locked with one reference.
func (t *Target) ReadUncached(addr int64, length int, flags Flags, v Verifier) (*Buffer, error) {
	b, err := t.GetUncached(addr, length, flags|FlagRead)
	if err != nil {
		return nil, err
	}

	b.verifier = v
	b.setFlags(FlagRead)
	b.clearFlags(FlagWrite | FlagAsync | FlagDone)

	t.stats.reads.Add(1)

	err = b.Submit(true)
	if err != nil {
		b.Relse()

		return nil, err
	}

	return b, nil
}

func (t *Target) readMap(maps []Map, flags Flags, v Verifier) (*Buffer, error) {
	flags |= FlagRead

	b, err := t.GetMap(maps, flags)
	if err != nil {
		return nil, err
	}

	if !b.hasFlag(FlagDone) {
		t.stats.reads.Add(1)

		b.verifier = v
		b.clearFlags(FlagWrite | FlagAsync | FlagReadAhead | FlagDone)
		b.setFlags(flags & (FlagRead | FlagAsync | FlagReadAhead))

		err = b.Submit(flags&FlagAsync == 0)

		// Async completion already released the buffer.
		if flags&FlagAsync != 0 {
			return nil, nil
		}
	} else {
		err = b.reverify(v)

		if flags&FlagAsync != 0 {
			b.Relse()

			return nil, nil
		}

		b.clearFlags(FlagRead)
	}

	if err != nil {
		if !t.shutdown.IsShutdown() {
			t.ioErrorAlert(b, err)
		}

		b.clearFlags(FlagDone)
		b.Stale()
		b.Relse()

		return nil, err
	}

	return b, nil
}

// reverify runs v over a cached buffer that was read without a verifier.
func (b *Buffer) reverify(v Verifier) error {
	if b.verifier != nil || v == nil {
		return nil
	}

	b.verifier = v

	err := v.VerifyRead(b)
	if err != nil {
		verr := &VerifyError{Verifier: v.Name(), Addr: b.addr, Err: err}
		b.setError(verr)
		b.clearFlags(FlagDone)

		return verr
	}

	return nil
}
