// Package locking implements per-key shared/upgradable/exclusive locks with
// deadlock detection (spec §4.6), layered above the storage package's
// short-lived Latch: a Lock protects a logical key across an entire
// operation and may be held across blocking waits, which a Latch never is.
package locking

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Mode is a lock acquisition mode.
type Mode int

const (
	Shared Mode = iota
	Upgradable
	Exclusive
)

// Result is the outcome of an acquisition attempt.
type Result int

const (
	Acquired Result = iota
	Upgraded
	OwnedShared
	OwnedUpgradable
	OwnedExclusive
	TimedOut
)

var (
	ErrTimedOutLock   = errors.New("locking: lock acquisition timed out")
	ErrIllegalUpgrade = errors.New("locking: illegal lock upgrade")
)

// DeadlockError names the lock participants found in a wait-for cycle. Per
// spec open question (c), the exact traversal order is not externally
// observable; any terminating algorithm that names at least one cycle
// participant satisfies the contract.
type DeadlockError struct {
	Participants []string
}

func (e *DeadlockError) Error() string {
	msg := "locking: deadlock detected:"
	for _, p := range e.Participants {
		msg += " " + p
	}
	return msg
}

// Owner identifies whoever holds or waits for a lock: a transaction or a
// transient (auto-commit) locker.
type Owner interface {
	OwnerID() uint64
	OwnerLabel() string
}

// UpgradeRule governs whether a shared-lock holder may upgrade in place.
type UpgradeRule int

const (
	UpgradeStrict UpgradeRule = iota
	UpgradeLenient
	UpgradeUnchecked
)

type key struct {
	treeID uint64
	hash   uint64
}

func keyFor(treeID uint64, k []byte) key {
	return key{treeID: treeID, hash: xxhash.Sum64(k)}
}

// record is one key's lock state: at most one exclusive owner, or a set of
// shared owners, plus two wait queues.
type record struct {
	mu sync.Mutex

	exclusiveOwner Owner
	upgradableOwner Owner
	sharedOwners   map[uint64]Owner

	upgradeWaiters   []waiter
	exclusiveWaiters []waiter
}

type waiter struct {
	owner Owner
	ready chan struct{}
}

func newRecord() *record {
	return &record{sharedOwners: make(map[uint64]Owner)}
}

const shardCount = 64

// Manager is a sharded hash table of lock records (spec §4.6).
type Manager struct {
	shards      [shardCount]map[key]*record
	shardMu     [shardCount]sync.Mutex
	upgradeRule UpgradeRule

	waitForMu sync.Mutex
	waitFor   map[uint64]uint64 // ownerID -> ownerID it is blocked on
	ownerName map[uint64]string
}

// NewManager constructs a LockManager using rule for shared→exclusive
// upgrades.
func NewManager(rule UpgradeRule) *Manager {
	m := &Manager{upgradeRule: rule, waitFor: make(map[uint64]uint64), ownerName: make(map[uint64]string)}
	for i := range m.shards {
		m.shards[i] = make(map[key]*record)
	}
	return m
}

func (m *Manager) shardFor(k key) (*sync.Mutex, map[key]*record) {
	idx := k.hash % shardCount
	return &m.shardMu[idx], m.shards[idx]
}

func (m *Manager) recordFor(k key) *record {
	mu, shard := m.shardFor(k)
	mu.Lock()
	defer mu.Unlock()
	rec, ok := shard[k]
	if !ok {
		rec = newRecord()
		shard[k] = rec
	}
	return rec
}

// Acquire attempts to acquire mode on (treeID, k) for owner, waiting up to
// timeout. It returns one of the Result codes, or a *DeadlockError / timeout
// error.
func (m *Manager) Acquire(owner Owner, treeID uint64, k []byte, mode Mode, timeout time.Duration) (Result, error) {
	rec := m.recordFor(keyFor(treeID, k))
	m.ownerName[owner.OwnerID()] = owner.OwnerLabel()

	switch mode {
	case Shared:
		return m.acquireShared(rec, owner, timeout)
	case Upgradable:
		return m.acquireUpgradable(rec, owner, timeout)
	default:
		return m.acquireExclusive(rec, owner, timeout)
	}
}

func (m *Manager) acquireShared(rec *record, owner Owner, timeout time.Duration) (Result, error) {
	rec.mu.Lock()
	if rec.exclusiveOwner != nil && rec.exclusiveOwner.OwnerID() == owner.OwnerID() {
		rec.mu.Unlock()
		return OwnedExclusive, nil
	}
	if _, ok := rec.sharedOwners[owner.OwnerID()]; ok {
		rec.mu.Unlock()
		return OwnedShared, nil
	}
	if rec.exclusiveOwner == nil {
		rec.sharedOwners[owner.OwnerID()] = owner
		rec.mu.Unlock()
		return Acquired, nil
	}
	blockedOn := rec.exclusiveOwner.OwnerID()
	rec.mu.Unlock()

	return m.wait(rec, owner, blockedOn, timeout, func() (Result, bool) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.exclusiveOwner == nil {
			rec.sharedOwners[owner.OwnerID()] = owner
			return Acquired, true
		}
		return 0, false
	})
}

func (m *Manager) acquireUpgradable(rec *record, owner Owner, timeout time.Duration) (Result, error) {
	rec.mu.Lock()
	if rec.upgradableOwner != nil && rec.upgradableOwner.OwnerID() == owner.OwnerID() {
		rec.mu.Unlock()
		return OwnedUpgradable, nil
	}
	if rec.upgradableOwner == nil && rec.exclusiveOwner == nil {
		rec.upgradableOwner = owner
		rec.sharedOwners[owner.OwnerID()] = owner
		rec.mu.Unlock()
		return Acquired, nil
	}
	var blockedOn uint64
	if rec.upgradableOwner != nil {
		blockedOn = rec.upgradableOwner.OwnerID()
	} else {
		blockedOn = rec.exclusiveOwner.OwnerID()
	}
	rec.mu.Unlock()

	return m.wait(rec, owner, blockedOn, timeout, func() (Result, bool) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.upgradableOwner == nil && rec.exclusiveOwner == nil {
			rec.upgradableOwner = owner
			rec.sharedOwners[owner.OwnerID()] = owner
			return Acquired, true
		}
		return 0, false
	})
}

func (m *Manager) acquireExclusive(rec *record, owner Owner, timeout time.Duration) (Result, error) {
	rec.mu.Lock()
	if rec.exclusiveOwner != nil && rec.exclusiveOwner.OwnerID() == owner.OwnerID() {
		rec.mu.Unlock()
		return OwnedExclusive, nil
	}

	onlyOwnerIsSelf := len(rec.sharedOwners) == 1 && rec.sharedOwners[owner.OwnerID()] != nil
	if _, isShared := rec.sharedOwners[owner.OwnerID()]; isShared {
		if !onlyOwnerIsSelf && m.upgradeRule == UpgradeStrict {
			rec.mu.Unlock()
			return 0, ErrIllegalUpgrade
		}
	}

	if rec.exclusiveOwner == nil && (len(rec.sharedOwners) == 0 || onlyOwnerIsSelf) {
		rec.exclusiveOwner = owner
		delete(rec.sharedOwners, owner.OwnerID())
		rec.upgradableOwner = nil
		upgraded := onlyOwnerIsSelf
		rec.mu.Unlock()
		if upgraded {
			return Upgraded, nil
		}
		return Acquired, nil
	}

	var blockedOn uint64
	if rec.exclusiveOwner != nil {
		blockedOn = rec.exclusiveOwner.OwnerID()
	} else {
		for id := range rec.sharedOwners {
			if id != owner.OwnerID() {
				blockedOn = id
				break
			}
		}
	}
	rec.mu.Unlock()

	return m.wait(rec, owner, blockedOn, timeout, func() (Result, bool) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		others := len(rec.sharedOwners)
		if _, ok := rec.sharedOwners[owner.OwnerID()]; ok {
			others--
		}
		if rec.exclusiveOwner == nil && others == 0 {
			rec.exclusiveOwner = owner
			delete(rec.sharedOwners, owner.OwnerID())
			return Acquired, true
		}
		return 0, false
	})
}

// wait polls retry on a short interval until it succeeds, the timeout
// expires, or the deadlock detector finds a cycle through blockedOn.
func (m *Manager) wait(rec *record, owner Owner, blockedOn uint64, timeout time.Duration, retry func() (Result, bool)) (Result, error) {
	m.waitForMu.Lock()
	m.waitFor[owner.OwnerID()] = blockedOn
	m.waitForMu.Unlock()
	defer func() {
		m.waitForMu.Lock()
		delete(m.waitFor, owner.OwnerID())
		m.waitForMu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	const pollInterval = 500 * time.Microsecond
	for {
		if res, ok := retry(); ok {
			return res, nil
		}
		if cycle := m.detectCycle(owner.OwnerID()); cycle != nil {
			return 0, &DeadlockError{Participants: cycle}
		}
		if time.Now().After(deadline) {
			return TimedOut, ErrTimedOutLock
		}
		time.Sleep(pollInterval)
	}
}

// detectCycle walks the wait-for graph starting at start, returning the
// labeled cycle if one exists.
func (m *Manager) detectCycle(start uint64) []string {
	m.waitForMu.Lock()
	defer m.waitForMu.Unlock()

	visited := map[uint64]bool{}
	cycle := []string{m.ownerName[start]}
	cur := start
	for {
		next, ok := m.waitFor[cur]
		if !ok {
			return nil
		}
		if next == start {
			return cycle
		}
		if visited[next] {
			return nil
		}
		visited[next] = true
		cycle = append(cycle, m.ownerName[next])
		cur = next
	}
}

// Unlock releases owner's hold on (treeID, k) entirely.
func (m *Manager) Unlock(owner Owner, treeID uint64, k []byte) {
	rec := m.recordFor(keyFor(treeID, k))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	delete(rec.sharedOwners, owner.OwnerID())
	if rec.exclusiveOwner != nil && rec.exclusiveOwner.OwnerID() == owner.OwnerID() {
		rec.exclusiveOwner = nil
	}
	if rec.upgradableOwner != nil && rec.upgradableOwner.OwnerID() == owner.OwnerID() {
		rec.upgradableOwner = nil
	}
}

// UnlockToShared downgrades owner's exclusive or upgradable hold to shared.
func (m *Manager) UnlockToShared(owner Owner, treeID uint64, k []byte) {
	rec := m.recordFor(keyFor(treeID, k))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.exclusiveOwner != nil && rec.exclusiveOwner.OwnerID() == owner.OwnerID() {
		rec.exclusiveOwner = nil
	}
	if rec.upgradableOwner != nil && rec.upgradableOwner.OwnerID() == owner.OwnerID() {
		rec.upgradableOwner = nil
	}
	rec.sharedOwners[owner.OwnerID()] = owner
}

// UnlockToUpgradable downgrades owner's exclusive hold to upgradable.
func (m *Manager) UnlockToUpgradable(owner Owner, treeID uint64, k []byte) {
	rec := m.recordFor(keyFor(treeID, k))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.exclusiveOwner != nil && rec.exclusiveOwner.OwnerID() == owner.OwnerID() {
		rec.exclusiveOwner = nil
	}
	rec.upgradableOwner = owner
	rec.sharedOwners[owner.OwnerID()] = owner
}
