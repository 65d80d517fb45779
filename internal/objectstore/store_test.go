package objectstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteTransactionOutputs_RoundTrip(t *testing.T) {
	s := openTestStore(t, Config{})

	ref := ObjectRef{ID: "obj-1", Version: 1, Digest: "d1"}
	out := TransactionOutputs{
		TransactionDigest: "tx-1",
		TransactionBytes:  []byte("tx-bytes"),
		Effects: Effects{
			TransactionDigest: "tx-1",
			EffectsDigest:     "eff-1",
			AllChangedObjects: []ObjectRef{ref},
		},
		Written: map[ObjectID]Object{
			"obj-1": {Ref: ref, Owner: Owner{Kind: OwnerAddress, Address: "addr-1"}},
		},
		NewLiveObjectMarkers: []ObjectRef{ref},
	}

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{out}))

	obj, ok, err := s.GetObject(ref.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, obj.Ref)

	live, err := s.MultiGetLiveMarkers([]ObjectRef{ref})
	require.NoError(t, err)
	require.True(t, live[0])

	latest, ok, err := s.GetLatestLiveVersion("obj-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, latest)

	executed, err := s.IsTransactionExecuted("tx-1")
	require.NoError(t, err)
	require.True(t, executed)
}

func TestGetLatestLiveVersion_PicksHighest(t *testing.T) {
	s := openTestStore(t, Config{})

	v1 := ObjectRef{ID: "obj-2", Version: 1, Digest: "d1"}
	v3 := ObjectRef{ID: "obj-2", Version: 3, Digest: "d3"}
	v2 := ObjectRef{ID: "obj-2", Version: 2, Digest: "d2"}

	out := TransactionOutputs{
		TransactionDigest:    "tx-multi",
		Effects:              Effects{TransactionDigest: "tx-multi", EffectsDigest: "eff-multi"},
		NewLiveObjectMarkers: []ObjectRef{v1, v3, v2},
	}
	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{out}))

	latest, ok, err := s.GetLatestLiveVersion("obj-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v3, latest)
}

func TestWriteTransactionOutputs_ConsumesLiveMarker(t *testing.T) {
	s := openTestStore(t, Config{})

	consumed := ObjectRef{ID: "obj-3", Version: 1, Digest: "d1"}
	created := ObjectRef{ID: "obj-3", Version: 2, Digest: "d2"}

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest:    "tx-a",
		Effects:              Effects{TransactionDigest: "tx-a", EffectsDigest: "eff-a"},
		NewLiveObjectMarkers: []ObjectRef{consumed},
	}}))

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest:        "tx-b",
		Effects:                  Effects{TransactionDigest: "tx-b", EffectsDigest: "eff-b"},
		NewLiveObjectMarkers:     []ObjectRef{created},
		LiveObjectMarkersToDelete: []ObjectRef{consumed},
	}}))

	live, err := s.MultiGetLiveMarkers([]ObjectRef{consumed, created})
	require.NoError(t, err)
	require.False(t, live[0])
	require.True(t, live[1])
}

func TestIndirectObjectInterning_RefCounts(t *testing.T) {
	s := openTestStore(t, Config{IndirectObjectsThreshold: 4})

	big := make([]byte, 32)
	ref1 := ObjectRef{ID: "obj-4", Version: 1, Digest: "shared-digest"}
	ref2 := ObjectRef{ID: "obj-5", Version: 1, Digest: "shared-digest"}

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest: "tx-c",
		Effects:           Effects{TransactionDigest: "tx-c", EffectsDigest: "eff-c"},
		Written: map[ObjectID]Object{
			"obj-4": {Ref: ref1, Data: big, Owner: Owner{Kind: OwnerShared}},
		},
	}}))
	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest: "tx-d",
		Effects:           Effects{TransactionDigest: "tx-d", EffectsDigest: "eff-d"},
		Written: map[ObjectID]Object{
			"obj-5": {Ref: ref2, Data: big, Owner: Owner{Kind: OwnerShared}},
		},
	}}))

	requireRefCount := func(want uint64) {
		t.Helper()
		var rec indirectRecord
		err := s.db.View(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucketIndirectObjects).Get([]byte("shared-digest"))
			require.NotNil(t, data)
			return json.Unmarshal(data, &rec)
		})
		require.NoError(t, err)
		require.Equal(t, want, rec.RefCount)
	}
	requireRefCount(2)

	// Both objects point at the same interned content; pruning once should
	// only decrement the ref count, not delete the payload out from under
	// the second object.
	require.NoError(t, s.PruneIndirectObject("shared-digest"))
	requireRefCount(1)

	require.NoError(t, s.PruneIndirectObject("shared-digest"))
	err := s.db.View(func(tx *bolt.Tx) error {
		require.Nil(t, tx.Bucket(bucketIndirectObjects).Get([]byte("shared-digest")))
		return nil
	})
	require.NoError(t, err)
}

func TestRevertStateUpdate_UndoesLocalExecution(t *testing.T) {
	s := openTestStore(t, Config{})

	consumed := ObjectRef{ID: "obj-6", Version: 1, Digest: "d1"}
	created := ObjectRef{ID: "obj-6", Version: 2, Digest: "d2"}

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest:    "tx-e",
		Effects:              Effects{TransactionDigest: "tx-e", EffectsDigest: "eff-e"},
		NewLiveObjectMarkers: []ObjectRef{consumed},
		Written: map[ObjectID]Object{
			"obj-6": {Ref: consumed, Owner: Owner{Kind: OwnerAddress, Address: "a"}},
		},
	}}))

	require.NoError(t, s.WriteTransactionOutputs(0, []TransactionOutputs{{
		TransactionDigest:         "tx-f",
		Effects:                   Effects{
			TransactionDigest:  "tx-f",
			EffectsDigest:      "eff-f",
			ModifiedAtVersions: []ObjectKey{consumed.Key()},
			AllChangedObjects:  []ObjectRef{created},
		},
		Written: map[ObjectID]Object{
			"obj-6": {Ref: created, Owner: Owner{Kind: OwnerAddress, Address: "a"}},
		},
		NewLiveObjectMarkers:      []ObjectRef{created},
		LiveObjectMarkersToDelete: []ObjectRef{consumed},
	}}))

	require.NoError(t, s.RevertStateUpdate("tx-f"))

	executed, err := s.IsTransactionExecuted("tx-f")
	require.NoError(t, err)
	require.False(t, executed)

	_, ok, err := s.GetObject(created.Key())
	require.NoError(t, err)
	require.False(t, ok, "reverted object version should be deleted")

	// tx-e's transaction/effects rows survive revert of tx-f untouched.
	executedE, err := s.IsTransactionExecuted("tx-e")
	require.NoError(t, err)
	require.True(t, executedE)
}

func TestRevertStateUpdate_NoOpWhenNotExecuted(t *testing.T) {
	s := openTestStore(t, Config{})
	require.NoError(t, s.RevertStateUpdate("never-executed"))
}

func TestCheckIotaConservation_DisabledByDefault(t *testing.T) {
	s := openTestStore(t, Config{EnableConservationCheck: false})
	require.NoError(t, s.CheckIotaConservation(100, 4))
}

func TestCheckIotaConservation_AcceptsUnchangedImbalance(t *testing.T) {
	s := openTestStore(t, Config{EnableConservationCheck: true})

	require.NoError(t, s.CheckIotaConservation(100, 2))
	require.NoError(t, s.CheckIotaConservation(100, 2), "same imbalance is accepted on replay")
}

func TestExecutionIndices_PersistAndLoad(t *testing.T) {
	s := openTestStore(t, Config{})

	_, _, found, err := s.LoadExecutionIndices()
	require.NoError(t, err)
	require.False(t, found)

	want := ExecutionIndices{LastCommittedRound: 5, SubDagIndex: 2, TransactionIndex: 9}
	require.NoError(t, s.PersistExecutionIndices(want, 0xabcd))

	got, hash, found, err := s.LoadExecutionIndices()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, got)
	require.Equal(t, uint64(0xabcd), hash)
}

func TestDeferredTransactions_PersistLoadDelete(t *testing.T) {
	s := openTestStore(t, Config{})

	none, err := s.LoadDeferredTransactions(7)
	require.NoError(t, err)
	require.Empty(t, none)

	records := []DeferredTransactionRecord{
		{Digest: "tx-a", Payload: []byte(`{"Key":"tx-a"}`), DeferredFromRound: 5},
		{Digest: "tx-b", Payload: []byte(`{"Key":"tx-b"}`), DeferredFromRound: 6},
	}
	require.NoError(t, s.PersistDeferredTransactions(7, records))

	got, err := s.LoadDeferredTransactions(7)
	require.NoError(t, err)
	require.Equal(t, records, got)

	require.NoError(t, s.DeleteDeferredTransactions(7))
	gone, err := s.LoadDeferredTransactions(7)
	require.NoError(t, err)
	require.Empty(t, gone)
}
