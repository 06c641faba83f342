package lockfs

import "github.com/pkg/errors"

// Sentinel errors for the failure kinds the core itself distinguishes.
// A failed header read is reported by wrapping ErrBackendFailure, so a
// caller can match on it with errors.Is. Every other failed Storage call
// returns the backend's own error wrapped with what LockFS was doing;
// the underlying error is visible via errors.Cause / %+v, and it does
// not match ErrBackendFailure.
var (
	// ErrBackendFailure is wrapped around a failed header read.
	ErrBackendFailure = errors.New("lockfs: backend operation failed")

	// ErrTagOutOfRange is returned when tag >= len(Context.Headers).
	ErrTagOutOfRange = errors.New("lockfs: tag out of range")

	// ErrTagReserved is returned for tag == 0xFF, which is reserved to
	// mean "not a tag".
	ErrTagReserved = errors.New("lockfs: tag 0xFF is reserved")

	// ErrDeviceFull is returned by StartWrite when there is no free
	// run to reserve from, or the reservation sweep could not find
	// enough erased capacity before wrapping back to the start block.
	ErrDeviceFull = errors.New("lockfs: device full")

	// ErrNoLiveChain is returned when an operation needs a live chain
	// for a tag that currently has none.
	ErrNoLiveChain = errors.New("lockfs: no live chain for tag")

	// ErrChainExhausted is returned by Write when it cannot find
	// another reserved block belonging to the in-flight chain before
	// wrapping back to the start block.
	ErrChainExhausted = errors.New("lockfs: write ran out of reserved blocks")

	// ErrChainMismatch is returned by FinishWrite when the start block
	// no longer carries the expected in-flight header — it should
	// never happen outside of caller misuse (e.g. driving two writes
	// concurrently).
	ErrChainMismatch = errors.New("lockfs: start block does not match in-flight chain")
)
