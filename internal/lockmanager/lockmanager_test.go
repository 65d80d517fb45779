package lockmanager

import (
	"testing"

	"github.com/iotaledger/corestate/internal/objectstore"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory stand-in for *objectstore.Store, letting
// lock-manager tests run without standing up a bbolt database.
type fakeStore struct {
	live map[objectstore.ObjectRef]bool
	// latest maps ObjectID -> the ref reported as the current live version
	// when a probed ref is not live (used for the version-mismatch payload).
	latest map[objectstore.ObjectID]objectstore.ObjectRef
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		live:   map[objectstore.ObjectRef]bool{},
		latest: map[objectstore.ObjectID]objectstore.ObjectRef{},
	}
}

func (f *fakeStore) makeLive(ref objectstore.ObjectRef) {
	f.live[ref] = true
	f.latest[ref.ID] = ref
}

func (f *fakeStore) MultiGetLiveMarkers(refs []objectstore.ObjectRef) ([]bool, error) {
	out := make([]bool, len(refs))
	for i, r := range refs {
		out[i] = f.live[r]
	}
	return out, nil
}

func (f *fakeStore) GetLatestLiveVersion(id objectstore.ObjectID) (objectstore.ObjectRef, bool, error) {
	ref, ok := f.latest[id]
	return ref, ok, nil
}

func TestAcquireTransactionLocks_FirstAcquireSucceeds(t *testing.T) {
	store := newFakeStore()
	ref := objectstore.ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	store.makeLive(ref)

	m := New(store)
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))

	status, err := m.GetLock(ref)
	require.NoError(t, err)
	require.Equal(t, objectstore.TransactionDigest("tx-1"), status.LockedToTx)
}

func TestAcquireTransactionLocks_SameTransactionIsIdempotent(t *testing.T) {
	store := newFakeStore()
	ref := objectstore.ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	store.makeLive(ref)

	m := New(store)
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))
}

// TestAcquireTransactionLocks_ConflictingTransaction implements scenario #4:
// T1 locks v; T2 != T1 tries to lock v and must see ObjectLockConflict naming
// v and T1; T1 re-locking v afterwards must still succeed.
func TestAcquireTransactionLocks_ConflictingTransaction(t *testing.T) {
	store := newFakeStore()
	ref := objectstore.ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	store.makeLive(ref)

	m := New(store)
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))

	err := m.AcquireTransactionLocks("tx-2", []objectstore.ObjectRef{ref})
	require.Error(t, err)
	var conflict *ErrObjectLockConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ref, conflict.ObjRef)
	require.Equal(t, objectstore.TransactionDigest("tx-1"), conflict.PendingTransaction)

	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))
}

func TestAcquireTransactionLocks_VersionUnavailable(t *testing.T) {
	store := newFakeStore()
	stale := objectstore.ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	current := objectstore.ObjectRef{ID: "obj-1", Version: 2, Digest: "d2"}
	store.makeLive(current)

	m := New(store)
	err := m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{stale})
	require.Error(t, err)

	var unavailable *objectstore.ErrObjectVersionUnavailableForConsumption
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, stale, unavailable.Provided)
	require.Equal(t, current, unavailable.Current)
}

func TestAcquireTransactionLocks_PartialConflictLeavesNoLocksWritten(t *testing.T) {
	store := newFakeStore()
	refA := objectstore.ObjectRef{ID: "obj-a", Version: 1, Digest: "da"}
	refB := objectstore.ObjectRef{ID: "obj-b", Version: 1, Digest: "db"}
	store.makeLive(refA)
	store.makeLive(refB)

	m := New(store)
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{refA}))

	// tx-2 wants both refA (conflict) and refB (free); the whole call must
	// fail and refB must not end up locked to tx-2.
	err := m.AcquireTransactionLocks("tx-2", []objectstore.ObjectRef{refA, refB})
	require.Error(t, err)

	status, err := m.GetLock(refB)
	require.NoError(t, err)
	require.True(t, status.Initialized, "refB must remain unlocked after a partial conflict")
}

func TestAcquireTransactionLocks_EmptyInputsIsNoOp(t *testing.T) {
	m := New(newFakeStore())
	require.NoError(t, m.AcquireTransactionLocks("tx-1", nil))
}

func TestBeginEpoch_DropsPriorLocks(t *testing.T) {
	store := newFakeStore()
	ref := objectstore.ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	store.makeLive(ref)

	m := New(store)
	require.NoError(t, m.AcquireTransactionLocks("tx-1", []objectstore.ObjectRef{ref}))

	m.BeginEpoch()

	// A new epoch starts with an empty table: a different transaction can
	// now claim the same ref without conflict.
	require.NoError(t, m.AcquireTransactionLocks("tx-2", []objectstore.ObjectRef{ref}))
}
