package consensus

import (
	"context"
	"sync"
	"testing"

	"github.com/iotaledger/corestate/internal/congestion"
	"github.com/iotaledger/corestate/internal/objectstore"
	"github.com/stretchr/testify/require"
)

type fakeIndexStore struct {
	mu       sync.Mutex
	indices  objectstore.ExecutionIndices
	hash     uint64
	found    bool
	deferred map[uint64][]objectstore.DeferredTransactionRecord
}

func (f *fakeIndexStore) PersistExecutionIndices(indices objectstore.ExecutionIndices, hash uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices = indices
	f.hash = hash
	f.found = true
	return nil
}

func (f *fakeIndexStore) LoadExecutionIndices() (objectstore.ExecutionIndices, uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indices, f.hash, f.found, nil
}

func (f *fakeIndexStore) PersistDeferredTransactions(futureRound uint64, records []objectstore.DeferredTransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deferred == nil {
		f.deferred = map[uint64][]objectstore.DeferredTransactionRecord{}
	}
	if len(records) == 0 {
		delete(f.deferred, futureRound)
		return nil
	}
	f.deferred[futureRound] = records
	return nil
}

func (f *fakeIndexStore) LoadDeferredTransactions(futureRound uint64) ([]objectstore.DeferredTransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deferred[futureRound], nil
}

func (f *fakeIndexStore) DeleteDeferredTransactions(futureRound uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deferred, futureRound)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeIndexStore) {
	t.Helper()
	store := &fakeIndexStore{}
	h, err := New(store, Config{
		CongestionMode:            congestion.ModeNone,
		ProcessedCacheCapacity:    1024,
		PostConsensusChannelDepth: 16,
	})
	require.NoError(t, err)
	return h, store
}

func userTx(key string) ConsensusTransaction {
	return ConsensusTransaction{Kind: KindUserTransaction, Key: key, Bytes: []byte(key)}
}

func TestHandleCommit_ProcessesTransactionsInOrder(t *testing.T) {
	h, store := newTestHandler(t)

	commit := Commit{
		Round:       1,
		SubDagIndex: 0,
		Digest:      "commit-1",
		Blocks: []Block{
			{AuthorityIndex: 0, Transactions: []ConsensusTransaction{userTx("tx-a"), userTx("tx-b")}},
		},
	}
	require.NoError(t, h.HandleCommit(commit))

	require.True(t, store.found)
	require.Equal(t, uint64(1), store.indices.LastCommittedRound)
	require.Equal(t, uint64(2), store.indices.TransactionIndex)

	got := []string{(<-h.Transactions()).Key, (<-h.Transactions()).Key}
	require.Equal(t, []string{"tx-a", "tx-b"}, got)
}

// TestHandleCommit_Replay implements scenario #5: feeding the same commit
// twice advances indices once; the store content (here: persisted indices)
// is unchanged on the second call, and no transaction reaches the channel.
func TestHandleCommit_Replay(t *testing.T) {
	h, store := newTestHandler(t)

	commit := Commit{
		Round:       10,
		SubDagIndex: 0,
		Digest:      "commit-10",
		Blocks: []Block{
			{AuthorityIndex: 0, Transactions: []ConsensusTransaction{userTx("tx-a")}},
		},
	}
	require.NoError(t, h.HandleCommit(commit))
	firstIndices := store.indices
	firstHash := store.hash

	<-h.Transactions() // drain tx-a

	require.NoError(t, h.HandleCommit(commit))
	require.Equal(t, firstIndices, store.indices)
	require.Equal(t, firstHash, store.hash)

	select {
	case tx := <-h.Transactions():
		t.Fatalf("replayed commit must not re-emit a transaction, got %+v", tx)
	default:
	}
}

func TestHandleCommit_EmptyCommitStillAdvancesIndices(t *testing.T) {
	h, store := newTestHandler(t)

	require.NoError(t, h.HandleCommit(Commit{Round: 1, SubDagIndex: 0, Digest: "empty"}))
	require.True(t, store.found)
	require.Equal(t, uint64(1), store.indices.LastCommittedRound)
	require.Equal(t, uint64(0), store.indices.TransactionIndex)

	// With these indices recorded, a replay of round 1 must be dropped.
	require.NoError(t, h.HandleCommit(Commit{Round: 1, SubDagIndex: 0, Digest: "empty-replay"}))
	select {
	case tx := <-h.Transactions():
		t.Fatalf("unexpected transaction %+v", tx)
	default:
	}
}

// TestHandleCommit_DeferredTransactionPersistsAcrossRestart covers the
// durability gap a congestion deferral would otherwise have: a transaction
// the tracker defers must be recoverable by a freshly-constructed Handler
// backed by the same store, not just by the original Handler's in-memory
// state.
func TestHandleCommit_DeferredTransactionPersistsAcrossRestart(t *testing.T) {
	store := &fakeIndexStore{}
	cfg := Config{
		CongestionMode:                congestion.ModeTotalGasBudget,
		MaxExecutionDurationPerCommit: 5,
		ProcessedCacheCapacity:        1024,
		PostConsensusChannelDepth:     16,
	}
	h, err := New(store, cfg)
	require.NoError(t, err)

	deferTx := ConsensusTransaction{
		Kind:          KindUserTransaction,
		Key:           "tx-defer",
		Bytes:         []byte("tx-defer"),
		SharedObjects: []congestion.SharedObjectRef{{ObjectID: "obj0", Mutable: true}},
		GasBudget:     10, // exceeds the 5-unit per-commit budget, so it always defers
	}
	commit1 := Commit{Round: 1, Digest: "c1", Blocks: []Block{{Transactions: []ConsensusTransaction{deferTx}}}}
	require.NoError(t, h.HandleCommit(commit1))

	select {
	case got := <-h.Transactions():
		t.Fatalf("tx-defer exceeds the commit budget and must not be scheduled: %+v", got)
	default:
	}

	records, err := store.LoadDeferredTransactions(2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tx-defer", records[0].Digest)
	require.Equal(t, uint64(1), records[0].DeferredFromRound)

	// A restart: a fresh Handler over the same store must pick the deferral
	// back up at round 2 instead of losing it.
	h2, err := New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, h2.HandleCommit(Commit{Round: 2, Digest: "c2"}))

	stillThere, err := store.LoadDeferredTransactions(2)
	require.NoError(t, err)
	require.Empty(t, stillThere, "round 2's record must be consumed once processed")

	carried, err := store.LoadDeferredTransactions(3)
	require.NoError(t, err)
	require.Len(t, carried, 1)
	require.Equal(t, "tx-defer", carried[0].Digest)
	require.Equal(t, uint64(1), carried[0].DeferredFromRound, "deferred_from_round must not reset on re-deferral")

	select {
	case got := <-h2.Transactions():
		t.Fatalf("still over budget, must not schedule: %+v", got)
	default:
	}
}

// TestHandleCommit_DedupWithinCommit implements dedup soundness: a
// transaction key repeated within one commit reaches the scheduler once.
func TestHandleCommit_DedupWithinCommit(t *testing.T) {
	h, _ := newTestHandler(t)

	commit := Commit{
		Round:       1,
		SubDagIndex: 0,
		Digest:      "commit-1",
		Blocks: []Block{
			{AuthorityIndex: 0, Transactions: []ConsensusTransaction{userTx("dup"), userTx("dup")}},
			{AuthorityIndex: 1, Transactions: []ConsensusTransaction{userTx("dup")}},
		},
	}
	require.NoError(t, h.HandleCommit(commit))

	got := <-h.Transactions()
	require.Equal(t, "dup", got.Key)
	select {
	case tx := <-h.Transactions():
		t.Fatalf("expected exactly one delivery of a duplicated key, got extra %+v", tx)
	default:
	}
}

func TestHandleCommit_DedupAcrossCommitsViaLRU(t *testing.T) {
	h, _ := newTestHandler(t)

	first := Commit{Round: 1, Digest: "c1", Blocks: []Block{{Transactions: []ConsensusTransaction{userTx("tx-a")}}}}
	second := Commit{Round: 2, Digest: "c2", Blocks: []Block{{Transactions: []ConsensusTransaction{userTx("tx-a")}}}}

	require.NoError(t, h.HandleCommit(first))
	<-h.Transactions()

	require.NoError(t, h.HandleCommit(second))
	select {
	case tx := <-h.Transactions():
		t.Fatalf("tx-a was already processed in an earlier commit, must not reappear: %+v", tx)
	default:
	}
}

func TestHandleCommit_JWKOneRoundActivationDelay(t *testing.T) {
	h, _ := newTestHandler(t)

	jwk := JWK{ID: JWKID{Provider: "google", KeyID: "k1"}, Key: []byte("key-material")}
	fetchCommit := Commit{
		Round:  1,
		Digest: "c1",
		Blocks: []Block{{Transactions: []ConsensusTransaction{
			{Kind: KindNewJWKFetched, Key: "jwk:google:k1", NewJWK: &jwk},
		}}},
	}
	require.NoError(t, h.HandleCommit(fetchCommit))

	// The fetch itself is not surfaced as an authenticator-state-update in
	// the same round it was observed.
	select {
	case tx := <-h.Transactions():
		require.NotEqual(t, KindAuthenticatorStateUpdate, tx.Kind)
	default:
	}

	nextCommit := Commit{Round: 2, Digest: "c2"}
	require.NoError(t, h.HandleCommit(nextCommit))

	got := <-h.Transactions()
	require.Equal(t, KindAuthenticatorStateUpdate, got.Kind)
	require.Len(t, got.ActivatedJWKs, 1)
	require.Equal(t, jwk.ID, got.ActivatedJWKs[0].ID)
}

func TestHandleCommit_JWKNeverActivatedAtEndOfEpoch(t *testing.T) {
	h, _ := newTestHandler(t)

	jwk := JWK{ID: JWKID{Provider: "google", KeyID: "k1"}, Key: []byte("key-material")}
	fetchCommit := Commit{
		Round:      1,
		Digest:     "c1",
		EndOfEpoch: true,
		Blocks: []Block{{Transactions: []ConsensusTransaction{
			{Kind: KindNewJWKFetched, Key: "jwk:google:k1", NewJWK: &jwk},
		}}},
	}
	require.NoError(t, h.HandleCommit(fetchCommit))

	h.BeginEpoch()

	nextCommit := Commit{Round: 2, Digest: "c2"}
	require.NoError(t, h.HandleCommit(nextCommit))

	select {
	case tx := <-h.Transactions():
		t.Fatalf("a JWK first seen in the final round of an epoch must never activate: %+v", tx)
	default:
	}
}

type fakeProvider struct {
	name   string
	issuer string
	keys   []JWK
}

func (p *fakeProvider) Name() string   { return p.name }
func (p *fakeProvider) Issuer() string { return p.issuer }
func (p *fakeProvider) FetchJWKS(_ context.Context) ([]JWK, error) {
	return p.keys, nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []JWK
}

func (s *fakeSubmitter) SubmitNewJWKFetched(_ context.Context, jwk JWK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, jwk)
	return nil
}

func (s *fakeSubmitter) all() []JWK {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JWK, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// TestJWKUpdater_RejectsMismatchedIssuer implements scenario #6: a provider
// returns a key whose claimed issuer does not match the provider's expected
// issuer, and the key is dropped without any submission.
func TestJWKUpdater_RejectsMismatchedIssuer(t *testing.T) {
	provider := &fakeProvider{
		name:   "google",
		issuer: "google",
		keys: []JWK{
			{ID: JWKID{Provider: "evil", KeyID: "k1"}, Key: []byte("bad-issuer")},
			{ID: JWKID{Provider: "google", KeyID: "k2"}, Key: []byte("good")},
		},
	}
	submitter := &fakeSubmitter{}
	updater := NewJWKUpdater([]Provider{provider}, submitter, 0)

	err := updater.fetchOnce(context.Background(), provider, func(JWKID) bool { return false })
	require.NoError(t, err)

	submitted := submitter.all()
	require.Len(t, submitted, 1)
	require.Equal(t, "google", submitted[0].ID.Provider)
}

func TestJWKUpdater_DropsAlreadyActive(t *testing.T) {
	provider := &fakeProvider{
		name:   "google",
		issuer: "google",
		keys:   []JWK{{ID: JWKID{Provider: "google", KeyID: "k1"}, Key: []byte("k")}},
	}
	submitter := &fakeSubmitter{}
	updater := NewJWKUpdater([]Provider{provider}, submitter, 0)

	err := updater.fetchOnce(context.Background(), provider, func(JWKID) bool { return true })
	require.NoError(t, err)
	require.Empty(t, submitter.all())
}

func TestJWKUpdater_DropsDuplicatesAcrossFetches(t *testing.T) {
	provider := &fakeProvider{
		name:   "google",
		issuer: "google",
		keys:   []JWK{{ID: JWKID{Provider: "google", KeyID: "k1"}, Key: []byte("k")}},
	}
	submitter := &fakeSubmitter{}
	updater := NewJWKUpdater([]Provider{provider}, submitter, 0)

	require.NoError(t, updater.fetchOnce(context.Background(), provider, func(JWKID) bool { return false }))
	require.NoError(t, updater.fetchOnce(context.Background(), provider, func(JWKID) bool { return false }))
	require.Len(t, submitter.all(), 1)
}

func TestJWKUpdater_RejectsOversizedKey(t *testing.T) {
	provider := &fakeProvider{
		name:   "google",
		issuer: "google",
		keys:   []JWK{{ID: JWKID{Provider: "google", KeyID: "k1"}, Key: make([]byte, jwkMaxKeySize+1)}},
	}
	submitter := &fakeSubmitter{}
	updater := NewJWKUpdater([]Provider{provider}, submitter, 0)

	require.NoError(t, updater.fetchOnce(context.Background(), provider, func(JWKID) bool { return false }))
	require.Empty(t, submitter.all())
}
