// Package lockmanager implements the per-epoch transaction lock manager: the
// concurrency-safe gate that guarantees at-most-once consumption of each
// owned-object version across concurrently-signing clients.
package lockmanager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/iotaledger/corestate/internal/objectstore"
	"github.com/iotaledger/corestate/pkg/log"
	"github.com/iotaledger/corestate/pkg/metrics"

	"github.com/cespare/xxhash/v2"
)

var logger = log.WithComponent("lockmanager")

// shardCount matches the spec's fixed 4096-way mutex table: acquirers always
// take shards in ascending shard-index order (digest hash modulo shardCount),
// which is what rules out deadlock between concurrent signers racing over
// overlapping input sets.
const shardCount = 4096

// ErrObjectLockConflict means obj_ref is already bound, within the current
// epoch, to a transaction other than the one requesting the lock.
type ErrObjectLockConflict struct {
	ObjRef             objectstore.ObjectRef
	PendingTransaction objectstore.TransactionDigest
}

func (e *ErrObjectLockConflict) Error() string {
	return fmt.Sprintf("object lock conflict on %+v: pending transaction %s", e.ObjRef, e.PendingTransaction)
}

// lockReader is the narrow read surface the lock manager needs from the
// perpetual store: live-marker presence and the latest live version for the
// ObjectVersionUnavailableForConsumption error payload.
type lockReader interface {
	MultiGetLiveMarkers(refs []objectstore.ObjectRef) ([]bool, error)
	GetLatestLiveVersion(id objectstore.ObjectID) (objectstore.ObjectRef, bool, error)
}

// EpochLockTable is the per-epoch (ObjectID, Version, Digest) -> transaction
// mapping. It is logically dropped at reconfiguration: a new epoch gets a
// fresh, empty table rather than having the old one cleared in place, which
// keeps torn-down epochs from ever being observable by a new one.
type EpochLockTable struct {
	mu     sync.RWMutex
	locked map[objectstore.ObjectRef]objectstore.TransactionDigest
}

// NewEpochLockTable constructs an empty lock table for one epoch.
func NewEpochLockTable() *EpochLockTable {
	return &EpochLockTable{locked: map[objectstore.ObjectRef]objectstore.TransactionDigest{}}
}

func (t *EpochLockTable) get(ref objectstore.ObjectRef) (objectstore.TransactionDigest, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.locked[ref]
	return d, ok
}

func (t *EpochLockTable) writeBatch(entries map[objectstore.ObjectRef]objectstore.TransactionDigest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref, digest := range entries {
		t.locked[ref] = digest
	}
}

// Manager is the transaction lock manager for the current epoch.
type Manager struct {
	store  lockReader
	shards [shardCount]sync.Mutex

	mu    sync.RWMutex
	table *EpochLockTable
}

// New constructs a Manager bound to store's live-marker state, starting on a
// fresh per-epoch lock table.
func New(store lockReader) *Manager {
	return &Manager{store: store, table: NewEpochLockTable()}
}

// BeginEpoch replaces the lock table with a fresh, empty one. Call this at
// every reconfiguration boundary: locks never survive an epoch change.
func (m *Manager) BeginEpoch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = NewEpochLockTable()
}

func (m *Manager) currentTable() *EpochLockTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table
}

func (m *Manager) shardFor(digest objectstore.Digest) *sync.Mutex {
	h := xxhash.Sum64String(string(digest))
	return &m.shards[h%shardCount]
}

// AcquireTransactionLocks implements the four-step algorithm: acquire the
// digests' shard mutexes in ascending shard order, check live-marker presence, check
// for conflicting locks, then write the absent entries as one batch.
// Re-acquiring the same transaction's own lock over the same inputs is a
// no-op that returns success (idempotent re-signing).
func (m *Manager) AcquireTransactionLocks(txDigest objectstore.TransactionDigest, inputs []objectstore.ObjectRef) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockAcquireLatency)

	if len(inputs) == 0 {
		metrics.LockAcquireTotal.WithLabelValues("ok").Inc()
		return nil
	}

	ordered := make([]objectstore.ObjectRef, len(inputs))
	copy(ordered, inputs)
	shardIndex := func(d objectstore.Digest) uint64 { return xxhash.Sum64String(string(d)) % shardCount }
	sort.Slice(ordered, func(i, j int) bool { return shardIndex(ordered[i].Digest) < shardIndex(ordered[j].Digest) })

	unlocks := make([]func(), 0, len(ordered))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	seen := map[*sync.Mutex]bool{}
	for _, ref := range ordered {
		mu := m.shardFor(ref.Digest)
		if seen[mu] {
			continue // same shard already held; xxhash collisions can map two digests to one shard
		}
		seen[mu] = true
		mu.Lock()
		unlocks = append(unlocks, mu.Unlock)
	}

	liveMarkers, err := m.store.MultiGetLiveMarkers(inputs)
	if err != nil {
		return err
	}

	table := m.currentTable()
	toWrite := make(map[objectstore.ObjectRef]objectstore.TransactionDigest)
	for i, ref := range inputs {
		if !liveMarkers[i] {
			current, _, err := m.store.GetLatestLiveVersion(ref.ID)
			if err != nil {
				return err
			}
			metrics.LockAcquireTotal.WithLabelValues("version_unavailable").Inc()
			return &objectstore.ErrObjectVersionUnavailableForConsumption{
				Provided: ref,
				Current:  current,
			}
		}

		existing, ok := table.get(ref)
		if !ok {
			toWrite[ref] = txDigest
			continue
		}
		if existing == txDigest {
			continue // idempotent: this transaction already holds this lock
		}
		logger.Info().
			Str("pending_tx", string(existing)).
			Str("requesting_tx", string(txDigest)).
			Msg("cannot acquire lock: conflicting transaction")
		metrics.LockAcquireTotal.WithLabelValues("conflict").Inc()
		return &ErrObjectLockConflict{ObjRef: ref, PendingTransaction: existing}
	}

	if len(toWrite) > 0 {
		table.writeBatch(toWrite)
	}
	metrics.LockAcquireTotal.WithLabelValues("ok").Inc()
	return nil
}

// LockStatus reports what AcquireTransactionLocks would observe for a single
// object reference without taking any lock or mutating any table.
type LockStatus struct {
	Initialized              bool
	LockedToTx               objectstore.TransactionDigest
	LockedAtDifferentVersion bool
	LatestLiveRef            objectstore.ObjectRef
}

// GetLock reports the current lock status of obj_ref, for read-only RPC
// surfaces (outside this core's scope, but the capability is exposed here).
func (m *Manager) GetLock(ref objectstore.ObjectRef) (LockStatus, error) {
	live, err := m.store.MultiGetLiveMarkers([]objectstore.ObjectRef{ref})
	if err != nil {
		return LockStatus{}, err
	}
	if !live[0] {
		current, _, err := m.store.GetLatestLiveVersion(ref.ID)
		if err != nil {
			return LockStatus{}, err
		}
		return LockStatus{LockedAtDifferentVersion: true, LatestLiveRef: current}, nil
	}
	if digest, ok := m.currentTable().get(ref); ok {
		return LockStatus{LockedToTx: digest}, nil
	}
	return LockStatus{Initialized: true}, nil
}
