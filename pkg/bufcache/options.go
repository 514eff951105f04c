package bufcache

import (
	"log/slog"
	"time"
)

// Default tuning values used by [Options] fields left at zero.
const (
	DefaultBlockSize         = 512
	DefaultShardBlocks       = 1 << 16
	DefaultLRUWeight         = 1
	DefaultCompletionWorkers = 4
	DefaultMaxSegments       = 256
	DefaultAllocRetries      = 100
	DefaultAllocBackoff      = 20 * time.Millisecond
)

// Options configures a [Target].
type Options struct {
	// BlockSize is the size of one address unit in bytes. Addresses and
	// lengths passed to the cache count blocks of this size.
	BlockSize int

	// ShardBlocks is the number of blocks covered by one index shard.
	ShardBlocks int64

	// LRUWeight is the weight a buffer gets on every lookup. A buffer
	// survives that many shrinker passes on the LRU before it is freed.
	LRUWeight int32

	// CompletionWorkers bounds the goroutines running I/O completions.
	CompletionWorkers int

	// MaxSegments caps the pages per transport request. Larger maps are
	// split into several requests.
	MaxSegments int

	// Allocator backs buffers with memory. Defaults to an unlimited
	// [HeapAllocator].
	Allocator Allocator

	// AllocRetries and AllocBackoff bound how long a page allocation keeps
	// retrying before failing with [ErrOutOfMemory].
	AllocRetries int
	AllocBackoff time.Duration

	// Errors selects the retry policy for failed async writes. Nil means
	// [DefaultErrorConfig]; a non-nil config is used as given, including a
	// zero one that gives up after the immediate retry.
	Errors *ErrorConfig

	// Shutdown is the signal shared by everything that must stop on a
	// fatal error. Defaults to a fresh [Subsystem].
	Shutdown ShutdownSignal

	// LogForce is called before waiting for the lock of a buffer that is
	// both pinned and stale, so the log can unpin it.
	LogForce func()

	// Clock is used for retry time budgets.
	Clock Clock

	// Logger receives alerts. Defaults to [slog.Default].
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}

	if o.ShardBlocks <= 0 {
		o.ShardBlocks = DefaultShardBlocks
	}

	if o.LRUWeight <= 0 {
		o.LRUWeight = DefaultLRUWeight
	}

	if o.CompletionWorkers <= 0 {
		o.CompletionWorkers = DefaultCompletionWorkers
	}

	if o.MaxSegments <= 0 {
		o.MaxSegments = DefaultMaxSegments
	}

	if o.Allocator == nil {
		o.Allocator = NewHeapAllocator(0)
	}

	if o.AllocRetries <= 0 {
		o.AllocRetries = DefaultAllocRetries
	}

	if o.AllocBackoff < 0 {
		o.AllocBackoff = 0
	} else if o.AllocBackoff == 0 {
		o.AllocBackoff = DefaultAllocBackoff
	}

	if o.Errors == nil {
		ec := DefaultErrorConfig()
		o.Errors = &ec
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Shutdown == nil {
		o.Shutdown = NewSubsystem("bufcache", o.Logger)
	}

	if o.Clock == nil {
		o.Clock = realClock{}
	}

	return o
}

// Clock reports the current time. Tests substitute a manual clock to
// exercise retry time budgets.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
