package bufcache

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// ShutdownReason says why a subsystem was shut down.
type ShutdownReason int

const (
	// ReasonMetaIOError: a metadata write failed permanently.
	ReasonMetaIOError ShutdownReason = iota + 1
	// ReasonLogIOError: the journal could not be written.
	ReasonLogIOError
	// ReasonCorruptInCore: a write verifier found corrupt in-memory
	// metadata, so nothing more may reach the disk.
	ReasonCorruptInCore
	// ReasonForced: an operator or test requested the shutdown.
	ReasonForced
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonMetaIOError:
		return "metadata I/O error"
	case ReasonLogIOError:
		return "log I/O error"
	case ReasonCorruptInCore:
		return "corruption of in-memory data"
	case ReasonForced:
		return "forced"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ShutdownSignal is the process-wide fatal-error flag the cache consults
// before every submission and raises on unrecoverable failures.
type ShutdownSignal interface {
	IsShutdown() bool
	Shutdown(reason ShutdownReason, cause error)
	// Unmounting reports whether teardown has begun, which makes async
	// write failures permanent when [ErrorConfig.FailAtUnmount] is set.
	Unmounting() bool
}

// Subsystem is the default [ShutdownSignal]. Several targets (for example a
// data device and a log device) may share one Subsystem so a fatal error on
// either stops both.
type Subsystem struct {
	name       string
	log        *slog.Logger
	down       atomic.Bool
	unmounting atomic.Bool

	mu     sync.Mutex
	reason ShutdownReason
	cause  error
	hooks  []func(ShutdownReason, error)
}

// NewSubsystem returns a running subsystem. A nil logger uses
// [slog.Default].
func NewSubsystem(name string, log *slog.Logger) *Subsystem {
	if log == nil {
		log = slog.Default()
	}

	return &Subsystem{name: name, log: log}
}

// IsShutdown reports whether Shutdown has been called.
func (s *Subsystem) IsShutdown() bool { return s.down.Load() }

// Shutdown marks the subsystem down and runs the registered hooks. Only the
// first call has an effect.
func (s *Subsystem) Shutdown(reason ShutdownReason, cause error) {
	s.mu.Lock()
	if s.down.Load() {
		s.mu.Unlock()

		return
	}

	s.reason, s.cause = reason, cause
	s.down.Store(true)
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	s.log.Error("shutting down", "subsystem", s.name, "reason", reason.String(), "cause", cause)

	for _, fn := range hooks {
		fn(reason, cause)
	}
}

// Err returns nil while running, or an error matching [ErrShuttingDown]
// that carries the reason and cause.
func (s *Subsystem) Err() error {
	if !s.down.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cause == nil {
		return fmt.Errorf("%w: %s: %s", ErrShuttingDown, s.name, s.reason)
	}

	return fmt.Errorf("%w: %s: %s: %w", ErrShuttingDown, s.name, s.reason, s.cause)
}

// OnShutdown registers fn to run once when the subsystem goes down. If it
// is already down, fn runs immediately.
func (s *Subsystem) OnShutdown(fn func(ShutdownReason, error)) {
	s.mu.Lock()

	if s.down.Load() {
		reason, cause := s.reason, s.cause
		s.mu.Unlock()
		fn(reason, cause)

		return
	}

	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// BeginUnmount records that teardown has started.
func (s *Subsystem) BeginUnmount() { s.unmounting.Store(true) }

func (s *Subsystem) Unmounting() bool { return s.unmounting.Load() }
