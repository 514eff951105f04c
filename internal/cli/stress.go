package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/metabuf/internal/config"
	"github.com/calvinalkan/metabuf/pkg/blockdev"
	"github.com/calvinalkan/metabuf/pkg/bufcache"
	"github.com/calvinalkan/metabuf/pkg/verify"
)

// stressMagic tags blocks written by stress runs.
const stressMagic = 0x53545253

type stressOptions struct {
	workers   int
	ops       int
	space     int64
	length    int
	seed      uint64
	chaos     float64
	opsPerSec float64
	statsOut  string
}

// StressCmd returns the stress command.
func StressCmd(cfg *config.Config) *Command {
	flags := newFlags("stress")

	var so stressOptions

	flags.IntVarP(&so.workers, "workers", "w", 8, "Concurrent workers")
	flags.IntVarP(&so.ops, "ops", "n", 1000, "Operations per worker")
	flags.Int64Var(&so.space, "space", 256, "Number of distinct buffers touched")
	flags.IntVar(&so.length, "len", 1, "Buffer length in blocks")
	flags.Uint64Var(&so.seed, "seed", 1, "Random seed")
	flags.Float64Var(&so.chaos, "chaos", 0, "Injected read/write failure rate (0-1)")
	flags.Float64Var(&so.opsPerSec, "rate", 0, "Limit operations per second across workers (0: unlimited)")
	flags.StringVar(&so.statsOut, "stats-out", "", "Write a report to `file` (.cbor for CBOR, JSON otherwise)")

	return &Command{
		Flags: flags,
		Usage: "stress [flags]",
		Short: "Run a concurrent read/write workload",
		Long: "Format a range of checksummed blocks, then run concurrent workers that read,\n" +
			"modify, stale, queue and write them while a reclaimer shrinks the LRU.\n" +
			"With --chaos the device injects failures so retry and shutdown paths run.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if so.workers <= 0 || so.ops < 0 || so.space <= 0 || so.length <= 0 {
				return fmt.Errorf("%w: workers, space and len must be positive", errInvalidArg)
			}

			if so.chaos < 0 || so.chaos > 1 {
				return fmt.Errorf("%w: chaos rate %v is outside 0-1", errInvalidArg, so.chaos)
			}

			return execStress(ctx, o, cfg, so)
		},
	}
}

// stressReport is the summary written by --stats-out.
type stressReport struct {
	Seed      uint64              `json:"seed"`
	Workers   int                 `json:"workers"`
	Ops       int                 `json:"ops"`
	ElapsedMS int64               `json:"elapsed_ms"`
	Errors    int64               `json:"errors"`
	Shutdown  string              `json:"shutdown,omitempty"`
	Cache     bufcache.Stats      `json:"cache"`
	Device    blockdev.ChaosStats `json:"device"`
}

func execStress(ctx context.Context, o *IO, cfg *config.Config, so stressOptions) error {
	var chaos *blockdev.Chaos

	s, err := openSession(cfg, o.errOut, sessionOptions{
		wrap: func(dev blockdev.Device) blockdev.Device {
			chaos = blockdev.NewChaos(dev, so.seed, blockdev.ChaosConfig{
				ReadFailRate:  so.chaos,
				WriteFailRate: so.chaos,
			})

			return chaos
		},
	})
	if err != nil {
		return err
	}

	if so.space*int64(so.length) > s.tgt.Blocks() {
		_ = s.close(ctx)

		return fmt.Errorf("%w: %d buffers of %d blocks do not fit %d blocks",
			errInvalidArg, so.space, so.length, s.tgt.Blocks())
	}

	v := verify.NewChecksum(stressMagic)
	start := time.Now()

	err = formatRange(s.tgt, v, so)
	if err != nil {
		_ = s.close(ctx)

		return fmt.Errorf("formatting stress range: %w", err)
	}

	if so.chaos > 0 {
		chaos.SetMode(blockdev.ChaosModeInject)
	}

	var limiter *rate.Limiter
	if so.opsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(so.opsPerSec), so.workers)
	}

	var failures atomic.Int64

	runErr := runStressWorkers(ctx, s.tgt, v, so, limiter, &failures)

	// Healing the device lets queued retries finish before teardown.
	chaos.SetMode(blockdev.ChaosModePassthrough)
	chaos.ResetAllSectors()

	closeErr := s.close(ctx)

	report := stressReport{
		Seed:      so.seed,
		Workers:   so.workers,
		Ops:       so.ops,
		ElapsedMS: time.Since(start).Milliseconds(),
		Errors:    failures.Load(),
		Cache:     s.tgt.Stats(),
		Device:    chaos.Stats(),
	}

	if s.sub.IsShutdown() {
		report.Shutdown = s.sub.Err().Error()
	}

	printStressReport(o, report)

	// Shutdown and lost writes are expected outcomes of injected faults.
	if so.chaos == 0 {
		if report.Shutdown != "" {
			o.Warn("cache shut down without injected faults", "check the device and the log output")
		}

		if report.Cache.DataLoss > 0 {
			o.Warn(fmt.Sprintf("%d buffers lost their last write", report.Cache.DataLoss),
				"the device content is stale for those blocks")
		}
	}

	if so.statsOut != "" {
		err = writeReport(filepath.Join(cfg.EffectiveCwd, so.statsOut), so.statsOut, report)
		if err != nil {
			return err
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	// Close fails with the shutdown error once faults tripped it; the
	// report already carries that.
	if closeErr != nil && report.Shutdown == "" {
		return closeErr
	}

	return nil
}

// formatRange writes a checksummed block at every stress address through one
// delwri flush.
func formatRange(tgt *bufcache.Target, v *verify.Checksum, so stressOptions) error {
	var q bufcache.DelwriQueue

	for i := range so.space {
		b, err := tgt.Get(i*int64(so.length), so.length, 0)
		if err != nil {
			q.Cancel()

			return err
		}

		err = verify.Format(b, v.Magic, nil)
		if err != nil {
			b.Relse()
			q.Cancel()

			return err
		}

		b.SetVerifier(v)
		q.Queue(b)
		b.Relse()
	}

	return q.Submit()
}

func runStressWorkers(
	ctx context.Context, tgt *bufcache.Target, v *verify.Checksum, so stressOptions,
	limiter *rate.Limiter, failures *atomic.Int64,
) error {
	g, ctx := errgroup.WithContext(ctx)

	reclaimCtx, stopReclaim := context.WithCancel(ctx)
	defer stopReclaim()

	go tgt.RunReclaimer(reclaimCtx, 5*time.Millisecond, bufcache.RatioPolicy{Ratio: 0.25})

	for w := range so.workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(so.seed, uint64(w)))

			var q bufcache.DelwriQueue
			defer func() {
				if q.Submit() != nil {
					failures.Add(1)
				}
			}()

			for n := range so.ops {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				if limiter != nil {
					err := limiter.Wait(ctx)
					if err != nil {
						return err
					}
				}

				stressOp(tgt, v, so, rng, &q, uint64(n), failures)

				if rng.IntN(32) == 0 {
					q.SubmitNowait()
				}
			}

			return nil
		})
	}

	return g.Wait()
}

// stressOp reads one random buffer, bumps its counter and disposes of it in
// one of several ways.
func stressOp(
	tgt *bufcache.Target, v *verify.Checksum, so stressOptions, rng *rand.Rand,
	q *bufcache.DelwriQueue, n uint64, failures *atomic.Int64,
) {
	addr := rng.Int64N(so.space) * int64(so.length)

	b, err := tgt.Read(addr, so.length, 0, v)
	if err != nil {
		failures.Add(1)

		return
	}

	if payload := verify.Payload(b); len(payload) >= 8 {
		binary.LittleEndian.PutUint64(payload, n)
	}

	switch rng.IntN(6) {
	case 0:
		q.Queue(b)
		b.Relse()
	case 1:
		b.Hold()
		b.WriteAsync()
		b.Release()
	case 2:
		b.Stale()
		b.Relse()
	case 3:
		b.SetLRUWeight(3)
		b.Relse()
	default:
		b.Relse()
	}
}

func printStressReport(o *IO, r stressReport) {
	c := r.Cache

	o.Printf("workers=%d ops=%d seed=%d elapsed=%dms errors=%d\n", r.Workers, r.Ops, r.Seed, r.ElapsedMS, r.Errors)
	o.Printf("gets=%d hits=%d misses=%d creates=%d lock_waited=%d\n", c.Gets, c.Hits, c.Misses, c.Creates, c.LockWaited)
	o.Printf("reads=%d read_errors=%d writes=%d write_errors=%d write_retries=%d\n",
		c.Reads, c.ReadErrors, c.Writes, c.WriteErrors, c.WriteRetries)
	o.Printf("reclaimed=%d data_loss=%d buffers=%d lru=%d\n", c.Reclaimed, c.DataLoss, c.Buffers, c.LRU)
	o.Printf("device reads=%d writes=%d injected=%d\n",
		r.Device.Reads, r.Device.Writes, r.Device.ReadFails+r.Device.WriteFails)

	if r.Shutdown != "" {
		o.Println("shutdown:", r.Shutdown)
	}
}

// writeReport encodes r by the extension of name and replaces path
// atomically.
func writeReport(path, name string, r stressReport) error {
	var (
		data []byte
		err  error
	)

	if filepath.Ext(name) == ".cbor" {
		data, err = reportEncMode.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	err = atomicfile.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	return nil
}

// reportEncMode writes reports with deterministic CBOR encoding.
var reportEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cli: CBOR encoder initialization failed: " + err.Error())
	}

	return mode
}()
