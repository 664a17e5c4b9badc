package pagekv

import "github.com/pagekv/pagekv/internal/storage"

// Options configures a Database (spec §6). It is the storage engine's own
// fluent-builder Options, re-exported at the package root so callers never
// need to import internal/storage directly.
type Options = storage.Options

// DurabilityMode selects how aggressively a transaction's redo records are
// flushed (spec §4.8).
type DurabilityMode = storage.DurabilityMode

const (
	SyncDurability    = storage.SyncDurability
	NoSyncDurability  = storage.NoSyncDurability
	NoFlushDurability = storage.NoFlushDurability
	NoRedoDurability  = storage.NoRedoDurability
)

// LockUpgradeRule governs whether a shared-lock holder may upgrade in place.
type LockUpgradeRule = storage.LockUpgradeRule

const (
	LockUpgradeStrict    = storage.LockUpgradeStrict
	LockUpgradeLenient   = storage.LockUpgradeLenient
	LockUpgradeUnchecked = storage.LockUpgradeUnchecked
)

// CryptoProvider is the opaque encryption capability described in spec §6.
type CryptoProvider = storage.CryptoProvider

// ReplicationManager is the optional replacement redo backend interface
// described in spec §6; the engine does not use it.
type ReplicationManager = storage.ReplicationManager

// EventListener receives engine lifecycle notifications. The engine calls
// only OnPanic; OnCheckpoint and OnRecovery are never called.
type EventListener = storage.EventListener

// DefaultOptions returns sensible defaults for Options.
func DefaultOptions() Options { return storage.DefaultOptions() }
