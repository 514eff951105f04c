package blockdev

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
type ChaosConfig struct {
	ReadFailRate     float64 // Fail a read entirely
	WriteFailRate    float64 // Fail a write entirely
	PartialWriteRate float64 // Write a prefix then fail (torn write)
	SyncFailRate     float64 // Fail Sync
}

// DefaultChaosConfig returns a config with reasonable fault rates for testing.
func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		ReadFailRate:     0.02,
		WriteFailRate:    0.02,
		PartialWriteRate: 0.02,
		SyncFailRate:     0.01,
	}
}

// SectorState tracks the fault state of a sector for consistent injection.
type SectorState int

const (
	// SectorNormal means no persistent fault. This is the zero value, so
	// untracked sectors are normal.
	SectorNormal SectorState = iota
	// SectorIOError is sticky: a bad sector that fails every read and write
	// with EIO.
	SectorIOError
	// SectorReadOnly is sticky for writes (EROFS); reads still succeed.
	SectorReadOnly
	// SectorNoSpace fails writes with ENOSPC (thin-provisioned device out of
	// backing space); reads still succeed.
	SectorNoSpace
)

// ChaosMode controls how Chaos behaves.
type ChaosMode uint8

const (
	// ChaosModePassthrough behaves like the underlying device. Sticky sector
	// state is kept but not consulted.
	ChaosModePassthrough ChaosMode = iota

	// ChaosModeInject enables fault-rate injection and sticky sector state.
	ChaosModeInject

	// ChaosModeStickyOnly applies only sticky sector state.
	ChaosModeStickyOnly
)

// Chaos wraps a [Device] and injects failures for testing.
//
// Errors are state-aware: a sector that returned EIO once keeps returning it
// until [Chaos.ResetSector] is called. All injected errors are
// [InjectedError] values wrapping a syscall.Errno.
//
// The zero mode is [ChaosModePassthrough]; use [Chaos.SetMode] to start
// injecting.
type Chaos struct {
	dev    Device
	config ChaosConfig
	mode   atomic.Uint32

	mu      sync.Mutex
	rng     *rand.Rand
	sectors map[int64]SectorState

	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	writes        atomic.Int64
	reads         atomic.Int64
}

// NewChaos wraps dev. The seed makes injection reproducible.
func NewChaos(dev Device, seed uint64, config ChaosConfig) *Chaos {
	return &Chaos{
		dev:     dev,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		sectors: make(map[int64]SectorState),
	}
}

// SetMode updates Chaos behavior. Safe to call concurrently with I/O.
// Switching modes never clears sticky sector state.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// ChaosStats contains counts of device calls and injected faults.
type ChaosStats struct {
	Reads         int64
	Writes        int64
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
}

// Stats returns the current counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		Reads:         c.reads.Load(),
		Writes:        c.writes.Load(),
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.ReadFails + s.WriteFails + s.PartialWrites + s.SyncFails
}

// SetSector forces the state of the sector containing byte offset off.
func (c *Chaos) SetSector(off int64, state SectorState) {
	c.setState(off/int64(c.dev.SectorSize()), state)
}

// Sector returns the state of the sector containing byte offset off.
func (c *Chaos) Sector(off int64) SectorState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sectors[off/int64(c.dev.SectorSize())]
}

// ResetSector clears the state of the sector containing byte offset off.
func (c *Chaos) ResetSector(off int64) {
	c.SetSector(off, SectorNormal)
}

// ResetAllSectors clears every sticky sector state.
func (c *Chaos) ResetAllSectors() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sectors = make(map[int64]SectorState)
}

func (c *Chaos) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)

	mode := ChaosMode(c.mode.Load())
	if mode == ChaosModePassthrough {
		return c.dev.ReadAt(p, off)
	}

	if c.worstState(off, len(p)) == SectorIOError {
		c.readFails.Add(1)

		return 0, inject(OpRead, off, syscall.EIO)
	}

	if c.should(mode, c.config.ReadFailRate) {
		c.readFails.Add(1)
		errno := c.pickRandom([]syscall.Errno{syscall.EIO, syscall.EIO, syscall.ENODEV})
		c.setRangeState(off, len(p), errToState(errno))

		return 0, inject(OpRead, off, errno)
	}

	return c.dev.ReadAt(p, off)
}

func (c *Chaos) WriteAt(p []byte, off int64) (int, error) {
	c.writes.Add(1)

	mode := ChaosMode(c.mode.Load())
	if mode == ChaosModePassthrough {
		return c.dev.WriteAt(p, off)
	}

	switch c.worstState(off, len(p)) {
	case SectorIOError:
		c.writeFails.Add(1)

		return 0, inject(OpWrite, off, syscall.EIO)
	case SectorReadOnly:
		c.writeFails.Add(1)

		return 0, inject(OpWrite, off, syscall.EROFS)
	case SectorNoSpace:
		c.writeFails.Add(1)

		return 0, inject(OpWrite, off, syscall.ENOSPC)
	case SectorNormal:
	}

	if c.should(mode, c.config.WriteFailRate) {
		c.writeFails.Add(1)
		errno := c.pickRandom([]syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EIO})
		c.setRangeState(off, len(p), errToState(errno))

		return 0, inject(OpWrite, off, errno)
	}

	if len(p) > 1 && c.should(mode, c.config.PartialWriteRate) {
		c.partialWrites.Add(1)

		n, err := c.dev.WriteAt(p[:c.randIntn(len(p)-1)+1], off)
		if err != nil {
			return n, err
		}

		return n, inject(OpWrite, off, syscall.EIO)
	}

	return c.dev.WriteAt(p, off)
}

func (c *Chaos) Size() int64 { return c.dev.Size() }

func (c *Chaos) SectorSize() int { return c.dev.SectorSize() }

func (c *Chaos) Sync() error {
	if c.should(ChaosMode(c.mode.Load()), c.config.SyncFailRate) {
		c.syncFails.Add(1)

		return inject(OpWrite, 0, syscall.EIO)
	}

	return c.dev.Sync()
}

func (c *Chaos) Close() error { return c.dev.Close() }

// should returns true with the given probability when chaos is injecting.
func (c *Chaos) should(mode ChaosMode, rate float64) bool {
	if mode != ChaosModeInject || rate <= 0 {
		return false
	}

	c.mu.Lock()
	r := c.rng.Float64()
	c.mu.Unlock()

	return r < rate
}

func (c *Chaos) randIntn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.IntN(n)
}

func (c *Chaos) pickRandom(errs []syscall.Errno) syscall.Errno {
	return errs[c.randIntn(len(errs))]
}

// worstState returns the most severe sticky state in [off, off+n).
func (c *Chaos) worstState(off int64, n int) SectorState {
	ss := int64(c.dev.SectorSize())
	first, last := off/ss, (off+int64(max(n, 1))-1)/ss

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sectors) == 0 {
		return SectorNormal
	}

	worst := SectorNormal

	for s := first; s <= last; s++ {
		st := c.sectors[s]
		if st == SectorIOError {
			return st
		}

		if st > worst {
			worst = st
		}
	}

	return worst
}

func (c *Chaos) setRangeState(off int64, n int, state SectorState) {
	if state == SectorNormal {
		return
	}

	ss := int64(c.dev.SectorSize())
	for s := off / ss; s <= (off+int64(max(n, 1))-1)/ss; s++ {
		c.setState(s, state)
	}
}

func (c *Chaos) setState(sector int64, state SectorState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state == SectorNormal {
		delete(c.sectors, sector)
	} else {
		c.sectors[sector] = state
	}
}

// errToState converts an injected errno to the sticky state it leaves behind.
func errToState(err syscall.Errno) SectorState {
	switch err {
	case syscall.EIO:
		return SectorIOError // bad sector
	case syscall.EROFS:
		return SectorReadOnly
	default:
		return SectorNormal // transient
	}
}
