package storage

import "github.com/pkg/errors"

// Error taxonomy for the storage engine (spec §7). Callers should use
// errors.Is against these sentinels; internal I/O and corruption causes are
// attached with github.com/pkg/errors.Wrap so the original stack survives
// unwinding through the B+tree core, which never swallows them.
var (
	// ErrInvalidPageSize is returned when a configured page size is out of
	// the supported 512..65536 range.
	ErrInvalidPageSize = errors.New("storage: invalid page size")
	// ErrInvalidCacheBounds is returned when min/max cached bytes are inconsistent.
	ErrInvalidCacheBounds = errors.New("storage: invalid node cache bounds")
	// ErrReadOnlyDestroy is returned when Destroy is called against a read-only config.
	ErrReadOnlyDestroy = errors.New("storage: cannot destroy a read-only database")

	// ErrCorruption is the general corruption sentinel: magic/version/terminator
	// mismatch, unreachable page, or invalid header checksum.
	ErrCorruption = errors.New("storage: corruption detected")
	// ErrInvalidMagic indicates the page file magic bytes do not match.
	ErrInvalidMagic = errors.New("storage: invalid magic number")
	// ErrHeaderChecksum indicates a header's checksum does not match its contents.
	ErrHeaderChecksum = errors.New("storage: header checksum mismatch")
	// ErrTruncatedTail indicates a redo segment ended mid-record; recovery
	// treats this as a torn tail, not corruption, and moves to the next segment.
	ErrTruncatedTail = errors.New("storage: truncated redo tail")

	// ErrClosed is returned for any operation attempted after Close, and may
	// carry an optional root cause via errors.Wrap (e.g. a panicked checkpoint).
	ErrClosed = errors.New("storage: database is closed")
	// ErrUnmodifiable is returned when a write is attempted on a read-only replica.
	ErrUnmodifiable = errors.New("storage: database is not modifiable")

	// ErrCacheExhausted indicates no evictable node frame was found and the
	// allocation cap has been reached.
	ErrCacheExhausted = errors.New("storage: node cache exhausted")

	// ErrLargeValue indicates a value's length exceeds the address range
	// supported for the requested fragmented-value operation.
	ErrLargeValue = errors.New("storage: value too large for this operation")

	// ErrTimedOutLock is returned when lock acquisition exceeds its timeout.
	ErrTimedOutLock = errors.New("storage: lock acquisition timed out")
	// ErrDeadlock is the storage-level deadlock sentinel. The lock manager
	// reports a cycle as *locking.DeadlockError, which names the owner
	// labels in the cycle and does not wrap ErrDeadlock.
	ErrDeadlock = errors.New("storage: deadlock detected")
	// ErrIllegalUpgrade indicates a lock upgrade violated the configured
	// LockUpgradeRule.
	ErrIllegalUpgrade = errors.New("storage: illegal lock upgrade")

	// ErrTreeNotFound indicates a named or numbered tree does not exist.
	ErrTreeNotFound = errors.New("storage: tree not found")
	// ErrReservedTreeID indicates a tree id collides with a reserved internal id.
	ErrReservedTreeID = errors.New("storage: reserved tree id")
)

// ClosedError wraps ErrClosed with the cause that forced the database shut.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrClosed.Error()
	}
	return ErrClosed.Error() + ": " + e.Cause.Error()
}

func (e *ClosedError) Unwrap() error { return ErrClosed }

// DeadlockError names the lock participants in a detected wait-for cycle.
type DeadlockError struct {
	Participants []string
}

func (e *DeadlockError) Error() string {
	msg := ErrDeadlock.Error() + ":"
	for _, p := range e.Participants {
		msg += " " + p
	}
	return msg
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }
