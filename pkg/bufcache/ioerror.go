package bufcache

import (
	"errors"
	"syscall"
	"time"
)

// RetryForever disables a retry limit in a [RetryPolicy].
const RetryForever = -1

// RetryPolicy bounds how long failing async writes are retried.
//
// The two limits are independent: whichever trips first makes the failure
// permanent. Every failing write gets one immediate retry regardless of the
// policy.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt, or
	// RetryForever. With MaxRetries = 3 a write is attempted 4 times.
	MaxRetries int `json:"max_retries"`

	// RetryTimeout is the time since the first failure after which the
	// next failure is permanent, or RetryForever.
	RetryTimeout time.Duration `json:"retry_timeout"`
}

// ErrorConfig maps write errors to retry policies.
type ErrorConfig struct {
	// Default applies to errors without an entry in ByErrno.
	Default RetryPolicy

	ByErrno map[syscall.Errno]RetryPolicy

	// FailAtUnmount makes every failure permanent once the shutdown signal
	// reports that unmount has begun.
	FailAtUnmount bool
}

// DefaultErrorConfig retries EIO and ENOSPC forever and gives up on ENODEV
// after the guaranteed retry: a vanished device does not come back.
func DefaultErrorConfig() ErrorConfig {
	forever := RetryPolicy{MaxRetries: RetryForever, RetryTimeout: RetryForever}

	return ErrorConfig{
		Default: forever,
		ByErrno: map[syscall.Errno]RetryPolicy{
			syscall.EIO:    forever,
			syscall.ENOSPC: forever,
			syscall.ENODEV: {MaxRetries: 0, RetryTimeout: RetryForever},
		},
		FailAtUnmount: true,
	}
}

// Lookup returns the policy for err.
func (c ErrorConfig) Lookup(err error) RetryPolicy {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if p, ok := c.ByErrno[errno]; ok {
			return p
		}
	}

	return c.Default
}

var zeroTime time.Time

// errorClass reduces err to the value compared between consecutive
// failures.
func errorClass(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, ErrCorruptVerification) {
		return ErrCorruptVerification
	}

	return ErrTransport
}

// handleWriteError decides what happens to a failed write. It returns true
// when the buffer has been resubmitted or handed back to its owner, so
// ioend must not touch it again.
func (b *Buffer) handleWriteError(err error) bool {
	t := b.target

	if t.shutdown.IsShutdown() {
		b.failWrite()

		return false
	}

	t.ioErrorAlert(b, err)

	// Synchronous writers get the error and decide themselves.
	if !b.hasFlag(FlagAsync) {
		b.failWrite()

		return false
	}

	policy := t.opts.Errors.Lookup(err)
	class := errorClass(err)

	// The first failure of a kind is retried immediately: it is often a
	// transient path failure.
	if b.lastErr != class || !b.hasFlag(FlagStale|FlagWriteFailed) {
		b.lastErr = class
		b.failures = 1
		b.firstFail = t.clock.Now()
		t.stats.writeRetries.Add(1)

		b.setError(nil)
		b.setFlags(FlagDone | FlagWriteFailed)
		_ = b.Submit(false)

		return true
	}

	if b.permanentFailure(policy) {
		t.log.Error("metadata write failed permanently, dirty block is lost",
			"block", b.addr, "len", b.length, "attempts", b.failures, "err", err)
		t.shutdown.Shutdown(ReasonMetaIOError, err)
		b.failWrite()

		return false
	}

	// Still within budget: the owner resubmits later.
	if b.owner != nil {
		b.pendingHook, b.pendingErr = hookFailed, err
	}

	b.setError(nil)
	b.Relse()

	return true
}

func (b *Buffer) permanentFailure(p RetryPolicy) bool {
	t := b.target

	if p.MaxRetries != RetryForever {
		b.failures++
		if b.failures > p.MaxRetries {
			return true
		}
	}

	if p.RetryTimeout != RetryForever && t.clock.Now().Sub(b.firstFail) > p.RetryTimeout {
		return true
	}

	return t.opts.Errors.FailAtUnmount && t.shutdown.Unmounting()
}

// failWrite stales a buffer whose write will not be retried.
func (b *Buffer) failWrite() {
	b.Stale()
	b.setFlags(FlagDone)
	b.clearFlags(FlagWrite)
}

func (t *Target) ioErrorAlert(b *Buffer, err error) {
	if !t.alerts.Allow() {
		return
	}

	t.log.Error("metadata I/O error",
		"block", b.addr, "len", b.length, "flags", b.Flags().String(), "err", err)
}
