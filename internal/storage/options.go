package storage

import (
	"io"
	"time"
)

// DurabilityMode selects how aggressively a commit's redo records are
// flushed (spec §4.8).
type DurabilityMode int

const (
	// SyncDurability flushes and fsyncs the redo writer on every commit.
	SyncDurability DurabilityMode = iota
	// NoSyncDurability flushes to the OS but does not fsync.
	NoSyncDurability
	// NoFlushDurability buffers the redo record only.
	NoFlushDurability
	// NoRedoDurability skips redo emission entirely; recovery cannot replay
	// operations performed under this mode.
	NoRedoDurability
)

func (m DurabilityMode) String() string {
	switch m {
	case NoSyncDurability:
		return "NO_SYNC"
	case NoFlushDurability:
		return "NO_FLUSH"
	case NoRedoDurability:
		return "NO_REDO"
	default:
		return "SYNC"
	}
}

// LockUpgradeRule governs whether a shared-lock holder may upgrade in place.
type LockUpgradeRule int

const (
	// LockUpgradeStrict forbids upgrading a shared lock while other shared
	// owners exist; the caller must release and re-acquire.
	LockUpgradeStrict LockUpgradeRule = iota
	// LockUpgradeLenient allows upgrade once other shared owners drain.
	LockUpgradeLenient
	// LockUpgradeUnchecked performs the upgrade without checking for other
	// shared owners, trusting the caller to avoid self-deadlock.
	LockUpgradeUnchecked
)

// CryptoProvider is the opaque stream-wrapping capability described in spec
// §6: when set, all redo passes through it, and data pages do too when it
// also implements PageCipher. pagekv treats it
// purely as a contract; internal/crypto's Provider is one real
// implementation, constructed over an internal/crypto.EncryptionKey.
type CryptoProvider interface {
	NewEncryptingStream(logID uint64, out io.Writer) (io.WriteCloser, error)
	NewDecryptingStream(logID uint64, in io.Reader) (io.ReadCloser, error)
}

// PageCipher is an optional extension to CryptoProvider that PageStore
// checks for via a type assertion. CryptoProvider's stream methods frame
// and seal data with an expanding AEAD (fine for the append-only redo log),
// but PageStore addresses fixed-size, memory-mapped slots that have no room
// to grow; a provider that also implements PageCipher can encrypt a page
// body in place instead. A provider supplying only the stream methods
// leaves data pages in clear — redo is still fully encrypted.
type PageCipher interface {
	EncryptPage(pageID uint64, dst, src []byte) error
	DecryptPage(pageID uint64, dst, src []byte) error
}

// ReplicationManager is the interface of an optional replacement redo
// backend (spec §6). The engine does not use it: Options.ReplicationManager
// is stored but never read, and redo always goes to the segment files.
type ReplicationManager interface {
	// Replicate ships a redo segment's bytes starting at pos and blocks
	// until the configured quorum has acknowledged them.
	Replicate(pos uint64, data []byte) error
	// HighestReplicatedPosition reports the redo position durable on a quorum.
	HighestReplicatedPosition() (uint64, error)
}

// EventListener receives engine lifecycle notifications; it mirrors the
// narrow observer contract spec §6 leaves to an external collaborator. The
// engine calls only OnPanic; OnCheckpoint and OnRecovery are never called.
type EventListener interface {
	OnCheckpoint(redoPosition uint64)
	OnRecovery(phase string)
	OnPanic(cause error)
}

// Options configures a pagekv Database (spec §6).
type Options struct {
	// BaseFilePath names the primary data file; ".lock", ".info", and
	// ".redo.N" files are derived from it.
	BaseFilePath string
	// DataFiles is accepted but not read by the engine: storage always uses
	// the single data file named by BaseFilePath.
	DataFiles []string

	// PageSize is the page size in bytes: 512..65536, default 4096.
	PageSize int

	// MinCachedBytes and MaxCachedBytes size the node cache.
	MinCachedBytes int64
	MaxCachedBytes int64

	// DurabilityMode is the default durability for transactions that don't
	// override it explicitly.
	DurabilityMode DurabilityMode

	// LockTimeout bounds how long lock acquisition waits before
	// TIMED_OUT_LOCK (0 means the LockManager default).
	LockTimeout time.Duration

	// LockUpgradeRule governs shared->exclusive upgrades.
	LockUpgradeRule LockUpgradeRule

	// CheckpointRate is the timer period between automatic checkpoints.
	CheckpointRate time.Duration
	// CheckpointSizeThreshold triggers a checkpoint once this many bytes of
	// redo have accumulated since the last one.
	CheckpointSizeThreshold int64
	// CheckpointDelayThreshold caps the sleep between the checkpointer's
	// tries for the exclusive commit lock; it keeps trying until it gets it.
	CheckpointDelayThreshold time.Duration

	ReadOnly       bool
	Mkdirs         bool
	CreateFilePath bool

	Crypto             CryptoProvider
	ReplicationManager ReplicationManager
	EventListener      EventListener
}

// DefaultOptions returns sensible defaults for Options.
func DefaultOptions() Options {
	return Options{
		PageSize:                 DefaultPageSize,
		MinCachedBytes:           1 << 20,  // 1MiB
		MaxCachedBytes:           64 << 20, // 64MiB
		DurabilityMode:           SyncDurability,
		LockTimeout:              500 * time.Millisecond,
		LockUpgradeRule:          LockUpgradeStrict,
		CheckpointRate:           1 * time.Minute,
		CheckpointSizeThreshold:  4 << 20,
		CheckpointDelayThreshold: 5 * time.Second,
		Mkdirs:                   true,
		CreateFilePath:           true,
	}
}

// Validate checks and normalizes the options, matching the teacher's
// fluent-builder idiom of clamping obviously-wrong values to defaults
// while rejecting combinations that cannot be made sensible.
func (o *Options) Validate() error {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if err := ValidatePageSize(o.PageSize); err != nil {
		return err
	}
	if o.MinCachedBytes <= 0 {
		o.MinCachedBytes = 1 << 20
	}
	if o.MaxCachedBytes <= 0 {
		o.MaxCachedBytes = o.MinCachedBytes
	}
	if o.MaxCachedBytes < o.MinCachedBytes {
		return ErrInvalidCacheBounds
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 500 * time.Millisecond
	}
	if o.CheckpointRate <= 0 {
		o.CheckpointRate = time.Minute
	}
	if o.CheckpointDelayThreshold <= 0 {
		o.CheckpointDelayThreshold = 5 * time.Second
	}
	if o.ReadOnly && o.BaseFilePath == "" {
		return ErrInvalidPageSize
	}
	return nil
}

// WithBaseFilePath sets the base file path.
func (o Options) WithBaseFilePath(path string) Options {
	o.BaseFilePath = path
	return o
}

// WithPageSize sets the page size.
func (o Options) WithPageSize(size int) Options {
	o.PageSize = size
	return o
}

// WithDurabilityMode sets the default durability mode.
func (o Options) WithDurabilityMode(mode DurabilityMode) Options {
	o.DurabilityMode = mode
	return o
}

// WithReadOnly enables or disables read-only mode.
func (o Options) WithReadOnly(readOnly bool) Options {
	o.ReadOnly = readOnly
	return o
}

// WithCacheBytes sets the node cache's min/max byte bounds.
func (o Options) WithCacheBytes(min, max int64) Options {
	o.MinCachedBytes = min
	o.MaxCachedBytes = max
	return o
}

// WithCrypto installs an encryption provider; all redo then passes through
// it, and data pages too when it also implements PageCipher.
func (o Options) WithCrypto(c CryptoProvider) Options {
	o.Crypto = c
	return o
}

// WithReplicationManager stores r in Options.ReplicationManager; the engine
// does not read it, so redo still goes to the segment files.
func (o Options) WithReplicationManager(r ReplicationManager) Options {
	o.ReplicationManager = r
	return o
}

// WithEventListener installs a lifecycle observer.
func (o Options) WithEventListener(l EventListener) Options {
	o.EventListener = l
	return o
}
