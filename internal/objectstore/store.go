package objectstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/iotaledger/corestate/pkg/log"
	"github.com/iotaledger/corestate/pkg/metrics"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// Bucket names mirror the persisted-layout table in the external-interfaces
// section: one bucket per named column. Values are JSON-encoded; Go's
// encoding/json produces a stable field order for a fixed struct, so this
// satisfies the "deterministic binary serialization" requirement the same
// way the teacher's own BoltStore does (pkg/storage/boltdb.go).
var (
	bucketObjects                     = []byte("objects")
	bucketIndirectObjects             = []byte("indirect_move_objects")
	bucketLiveOwnedObjectMarkers      = []byte("live_owned_object_markers")
	bucketObjectPerEpochMarkerTable   = []byte("object_per_epoch_marker_table")
	bucketTransactions                = []byte("transactions")
	bucketEffects                     = []byte("effects")
	bucketExecutedEffects             = []byte("executed_effects")
	bucketEvents                      = []byte("events")
	bucketEpochStartConfiguration     = []byte("epoch_start_configuration")
	bucketRootStateHashByEpoch        = []byte("root_state_hash_by_epoch")
	bucketExpectedStorageFundImbal    = []byte("expected_storage_fund_imbalance")
	bucketTotalIotaSupply             = []byte("total_iota_supply")
	bucketExecutedTxToCheckpoint      = []byte("executed_transactions_to_checkpoint")
	// Owned by Component D (not in the original persisted-layout table, but
	// required to make consensus idempotence survive a restart): the last
	// persisted ExecutionIndices plus running integrity hash, and the
	// congestion-deferred transactions carried forward to the round they
	// should be retried at, keyed by that round.
	bucketConsensusExecutionIndices = []byte("consensus_execution_indices")
	bucketConsensusDeferred         = []byte("consensus_deferred_transactions")

	allBuckets = [][]byte{
		bucketObjects, bucketIndirectObjects, bucketLiveOwnedObjectMarkers,
		bucketObjectPerEpochMarkerTable, bucketTransactions, bucketEffects,
		bucketExecutedEffects, bucketEvents, bucketEpochStartConfiguration,
		bucketRootStateHashByEpoch, bucketExpectedStorageFundImbal,
		bucketTotalIotaSupply, bucketExecutedTxToCheckpoint,
		bucketConsensusExecutionIndices, bucketConsensusDeferred,
	}
)

var logger = log.WithComponent("objectstore")

// Config controls the store's optional behaviors.
type Config struct {
	// IndirectObjectsThreshold is the payload size above which an object's
	// data is interned in the indirect-object table instead of being
	// stored inline.
	IndirectObjectsThreshold int
	// EnableConservationCheck gates CheckIotaConservation.
	EnableConservationCheck bool
}

// Store is the perpetual object store: one bbolt database, one bucket per
// persisted column, atomic multi-table batch writes.
type Store struct {
	db     *bolt.DB
	cfg    Config
	shards *digestRWShards
}

// Open opens (creating if absent) the bbolt-backed perpetual object store at
// dataDir/objectstore.db and ensures every bucket exists.
func Open(dataDir string, cfg Config) (*Store, error) {
	dbPath := filepath.Join(dataDir, "objectstore.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cfg: cfg, shards: newDigestRWShards()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetObject returns the object at key, or (nil, false, nil) if absent.
func (s *Store) GetObject(key ObjectKey) (*Object, bool, error) {
	var obj *Object
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(encodeObjectKey(key))
		if data == nil {
			return nil
		}
		var o Object
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		obj = &o
		return nil
	})
	return obj, obj != nil, err
}

// GetLatestLiveVersion returns the ObjectRef of the current live version of
// id, i.e. the single live-owned-object marker presently recorded for it.
// Because live-marker keys encode version inverted, the first key at or
// after the ID's prefix is its highest version -- a single cursor.Seek.
func (s *Store) GetLatestLiveVersion(id ObjectID) (ObjectRef, bool, error) {
	var (
		ref   ObjectRef
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLiveOwnedObjectMarkers).Cursor()
		prefix := idPrefix(id)
		k, _ := c.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) || len(k) < len(prefix)+8 {
			return nil
		}
		version := binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8])
		digest := Digest(k[len(prefix)+8:])
		ref = ObjectRef{ID: id, Version: Version(^version), Digest: digest}
		found = true
		return nil
	})
	if err != nil {
		return ObjectRef{}, false, err
	}
	return ref, found, nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// MultiGetLiveMarkers reports, for each ref, whether exactly that
// (ID,Version,Digest) triple currently holds the live marker.
func (s *Store) MultiGetLiveMarkers(refs []ObjectRef) ([]bool, error) {
	out := make([]bool, len(refs))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLiveOwnedObjectMarkers)
		for i, r := range refs {
			out[i] = b.Get(encodeLiveMarkerKey(r)) != nil
		}
		return nil
	})
	return out, err
}

// GetMarker returns the per-epoch marker recorded for key within epochID, if
// any -- e.g. to check whether a shared object's deletion-witness marker is
// already present before treating a version as consumable.
func (s *Store) GetMarker(epochID uint64, key ObjectKey) (MarkerValue, bool, error) {
	var (
		value MarkerValue
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		perEpochKey := PerEpochMarkerKey{EpochID: epochID, Key: key}
		data := tx.Bucket(bucketObjectPerEpochMarkerTable).Get(encodePerEpochMarkerKey(perEpochKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *Store) GetExecutedEffects(digest TransactionDigest) (*Effects, bool, error) {
	var eff *Effects
	err := s.db.View(func(tx *bolt.Tx) error {
		effDigest := tx.Bucket(bucketExecutedEffects).Get([]byte(digest))
		if effDigest == nil {
			return nil
		}
		data := tx.Bucket(bucketEffects).Get(effDigest)
		if data == nil {
			return nil
		}
		var e Effects
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		eff = &e
		return nil
	})
	return eff, eff != nil, err
}

func (s *Store) IsTransactionExecuted(digest TransactionDigest) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketExecutedEffects).Get([]byte(digest)) != nil
		return nil
	})
	return found, err
}

// WriteTransactionOutputs atomically persists every table touched by a batch
// of executed transactions: new objects and indirect payloads, per-epoch
// markers, live-marker init/delete, events, effects, and the
// executed-effects pointer. The whole batch is one bbolt write transaction.
func (s *Store) WriteTransactionOutputs(epochID uint64, outputs []TransactionOutputs) error {
	// Indirect-object reference-increments take a shared lock on their
	// content digest's shard for the duration of the batch, so a
	// concurrently-running pruner cannot decrement a digest's ref count
	// to zero and remove it while this batch is still relying on it being
	// present. Lock order follows ascending shard index the same way the
	// lock manager orders its mutexes, and each shard is read-locked once,
	// so no two writers can deadlock.
	digests := collectIndirectDigests(outputs, s.cfg.IndirectObjectsThreshold)
	sort.Slice(digests, func(i, j int) bool {
		return xxhash.Sum64String(string(digests[i]))%shardCount < xxhash.Sum64String(string(digests[j]))%shardCount
	})
	unlockFns := make([]func(), 0, len(digests))
	held := map[*sync.RWMutex]bool{}
	for _, d := range digests {
		m := s.shards.shardFor(d)
		if held[m] {
			continue
		}
		held[m] = true
		unlockFns = append(unlockFns, s.shards.lockForIncrement(d))
	}
	defer func() {
		for _, u := range unlockFns {
			u()
		}
	}()

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, out := range outputs {
			if err := s.writeOneTransactionOutputs(tx, epochID, out); err != nil {
				return err
			}
		}
		return nil
	})
}

func collectIndirectDigests(outputs []TransactionOutputs, threshold int) []Digest {
	seen := map[Digest]struct{}{}
	var out []Digest
	for _, o := range outputs {
		for _, obj := range o.Written {
			if threshold > 0 && len(obj.Data) > threshold {
				if _, ok := seen[obj.Ref.Digest]; !ok {
					seen[obj.Ref.Digest] = struct{}{}
					out = append(out, obj.Ref.Digest)
				}
			}
		}
	}
	return out
}

func (s *Store) writeOneTransactionOutputs(tx *bolt.Tx, epochID uint64, out TransactionOutputs) error {
	txBucket := tx.Bucket(bucketTransactions)
	if err := txBucket.Put([]byte(out.TransactionDigest), out.TransactionBytes); err != nil {
		return err
	}

	markerBucket := tx.Bucket(bucketObjectPerEpochMarkerTable)
	for key, value := range out.Markers {
		buf, err := json.Marshal(value)
		if err != nil {
			return err
		}
		perEpochKey := PerEpochMarkerKey{EpochID: epochID, Key: key}
		if err := markerBucket.Put(encodePerEpochMarkerKey(perEpochKey), buf); err != nil {
			return err
		}
	}

	objBucket := tx.Bucket(bucketObjects)
	for _, key := range out.Effects.Deleted {
		if err := objBucket.Put(encodeObjectKey(key), []byte(`"deleted"`)); err != nil {
			return err
		}
	}
	for _, key := range out.Effects.Wrapped {
		if err := objBucket.Put(encodeObjectKey(key), []byte(`"wrapped"`)); err != nil {
			return err
		}
	}

	indirectBucket := tx.Bucket(bucketIndirectObjects)
	for _, obj := range out.Written {
		isIndirect := s.cfg.IndirectObjectsThreshold > 0 && len(obj.Data) > s.cfg.IndirectObjectsThreshold
		if !isIndirect {
			data, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			if err := objBucket.Put(encodeObjectKey(obj.Ref.Key()), data); err != nil {
				return err
			}
			continue
		}
		// Interned object: the object row stores a pointer (the content
		// digest) and the payload is kept once in indirectBucket with a
		// reference count.
		ptr := obj
		ptr.Data = nil
		data, err := json.Marshal(ptr)
		if err != nil {
			return err
		}
		if err := objBucket.Put(encodeObjectKey(obj.Ref.Key()), data); err != nil {
			return err
		}
		if err := bumpIndirectRefCount(indirectBucket, obj.Ref.Digest, obj.Data); err != nil {
			return err
		}
	}

	eventsBucket := tx.Bucket(bucketEvents)
	for i, e := range out.Events.Data {
		key := fmt.Sprintf("%s:%d", out.Events.Digest, i)
		if err := eventsBucket.Put([]byte(key), e.Data); err != nil {
			return err
		}
	}

	liveBucket := tx.Bucket(bucketLiveOwnedObjectMarkers)
	for _, ref := range out.NewLiveObjectMarkers {
		if err := liveBucket.Put(encodeLiveMarkerKey(ref), []byte{}); err != nil {
			return err
		}
	}
	for _, ref := range out.LiveObjectMarkersToDelete {
		if err := liveBucket.Delete(encodeLiveMarkerKey(ref)); err != nil {
			return err
		}
	}

	effData, err := json.Marshal(out.Effects)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketEffects).Put([]byte(out.Effects.EffectsDigest), effData); err != nil {
		return err
	}
	if err := tx.Bucket(bucketExecutedEffects).Put([]byte(out.TransactionDigest), []byte(out.Effects.EffectsDigest)); err != nil {
		return err
	}
	return nil
}

// bumpIndirectRefCount performs a full insert (ref count 1, payload
// attached) for content seen for the first time, or a partial-merge
// (ref count += 1, payload untouched) for content already present --
// mirroring the RocksDB merge-operator split in write_one_transaction_outputs.
func bumpIndirectRefCount(b *bolt.Bucket, digest Digest, payload []byte) error {
	key := []byte(digest)
	existing := b.Get(key)
	if existing == nil {
		rec := indirectRecord{RefCount: 1, Payload: payload}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	}
	var rec indirectRecord
	if err := json.Unmarshal(existing, &rec); err != nil {
		return err
	}
	rec.RefCount++
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

type indirectRecord struct {
	RefCount uint64
	Payload  []byte
}

// PruneIndirectObject decrements digest's reference count, taking the
// exclusive shard lock so no concurrent WriteTransactionOutputs can bump the
// same digest mid-decrement. A ref count that reaches zero deletes the row.
func (s *Store) PruneIndirectObject(digest Digest) error {
	unlock := s.shards.lockForDecrement(digest)
	defer unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndirectObjects)
		existing := b.Get([]byte(digest))
		if existing == nil {
			return nil
		}
		var rec indirectRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return err
		}
		if rec.RefCount <= 1 {
			return b.Delete([]byte(digest))
		}
		rec.RefCount--
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(digest), data)
	})
}

// RevertStateUpdate undoes a locally-executed transaction that was not
// included in a checkpoint before the epoch boundary. It deletes the
// executed-effects pointer, deletes objects the transaction created,
// re-creates live markers for versions it consumed, and deletes live markers
// for versions it created. Transaction and effects rows are intentionally
// left in place -- see the revert-then-reappear open question in the design
// notes. Reverting a shared-object transaction is a programming error: it
// exits the process via log.Fatal rather than silently corrupting state.
func (s *Store) RevertStateUpdate(digest TransactionDigest) error {
	eff, found, err := s.GetExecutedEffects(digest)
	if err != nil {
		return err
	}
	if !found {
		logger.Info().Str("tx", string(digest)).Msg("not reverting: transaction was not executed")
		return nil
	}
	if eff.ConsumedSharedObjects {
		err := &ErrConsistency{Reason: fmt.Sprintf("attempted revert of shared-object transaction %s", digest)}
		log.Fatal(err, "revert_state_update invariant violated")
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketExecutedEffects).Delete([]byte(digest)); err != nil {
			return err
		}

		objBucket := tx.Bucket(bucketObjects)
		for _, key := range eff.Deleted {
			if err := objBucket.Delete(encodeObjectKey(key)); err != nil {
				return err
			}
		}
		for _, key := range eff.Wrapped {
			if err := objBucket.Delete(encodeObjectKey(key)); err != nil {
				return err
			}
		}

		for _, ref := range eff.AllChangedObjects {
			if err := objBucket.Delete(encodeObjectKey(ref.Key())); err != nil {
				return err
			}
		}

		liveBucket := tx.Bucket(bucketLiveOwnedObjectMarkers)
		for _, key := range eff.ModifiedAtVersions {
			data := objBucket.Get(encodeObjectKey(key))
			if data == nil {
				continue
			}
			var obj Object
			if err := json.Unmarshal(data, &obj); err != nil {
				return err
			}
			if obj.isImmutable() || !obj.isAddressOwned() {
				continue
			}
			if err := liveBucket.Put(encodeLiveMarkerKey(obj.Ref), []byte{}); err != nil {
				return err
			}
		}
		for _, ref := range eff.AllChangedObjects {
			if err := liveBucket.Delete(encodeLiveMarkerKey(ref)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PersistExecutionIndices durably records the next consensus output the
// handler will process, along with the running integrity hash. The write is
// a single bbolt transaction so a crash either sees the whole update or none
// of it.
func (s *Store) PersistExecutionIndices(indices ExecutionIndices, hash uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(indices)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketConsensusExecutionIndices)
		if err := b.Put([]byte("indices"), data); err != nil {
			return err
		}
		var h [8]byte
		binary.BigEndian.PutUint64(h[:], hash)
		return b.Put([]byte("hash"), h[:])
	})
}

// LoadExecutionIndices reads back the last persisted indices, or the zero
// value with found=false if the store has never processed a commit.
func (s *Store) LoadExecutionIndices() (indices ExecutionIndices, hash uint64, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsensusExecutionIndices)
		data := b.Get([]byte("indices"))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &indices); err != nil {
			return err
		}
		if h := b.Get([]byte("hash")); h != nil {
			hash = binary.BigEndian.Uint64(h)
		}
		found = true
		return nil
	})
	return
}

// PersistDeferredTransactions durably records every transaction the
// congestion tracker deferred to futureRound, replacing whatever was
// previously recorded for that round. Passing an empty slice clears the
// round's entry entirely. This is what makes a congestion-deferred
// transaction survive a crash between the commit that deferred it and the
// commit at futureRound that retries it.
func (s *Store) PersistDeferredTransactions(futureRound uint64, records []DeferredTransactionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsensusDeferred)
		if len(records) == 0 {
			return b.Delete(roundKey(futureRound))
		}
		data, err := json.Marshal(records)
		if err != nil {
			return err
		}
		return b.Put(roundKey(futureRound), data)
	})
}

// LoadDeferredTransactions returns every transaction previously deferred to
// futureRound, or nil if none were.
func (s *Store) LoadDeferredTransactions(futureRound uint64) ([]DeferredTransactionRecord, error) {
	var records []DeferredTransactionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConsensusDeferred).Get(roundKey(futureRound))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &records)
	})
	return records, err
}

// DeleteDeferredTransactions clears whatever was recorded for futureRound,
// once the commit at that round has consumed it.
func (s *Store) DeleteDeferredTransactions(futureRound uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConsensusDeferred).Delete(roundKey(futureRound))
	})
}

// CheckIotaConservation scans every live object, summing native-token value
// and storage rebates, and computes the storage-fund imbalance as
// storageFundBalance minus the summed rebates. Gated by
// cfg.EnableConservationCheck. The first imbalance computed is stored; every
// later check must reproduce it exactly -- drift fails with ErrConsistency.
// The native-token total is only exported as a metric; it is not compared
// against any on-chain total.
func (s *Store) CheckIotaConservation(storageFundBalance uint64, workers int) error {
	if !s.cfg.EnableConservationCheck {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConservationCheckLatency)

	var (
		count            int64
		size             int64
		totalNative      int64
		totalRebate      int64
	)
	err := s.forEachLiveObjectParallel(workers, func(o Object) {
		size += int64(len(o.Data))
		totalNative += int64(o.NativeTokenValue) - int64(o.StorageRebate)
		totalRebate += int64(o.StorageRebate)
	}, &count)
	if err != nil {
		return err
	}

	metrics.ConservationLiveObjectCount.Set(float64(count))
	metrics.ConservationLiveObjectSize.Set(float64(size))

	imbalance := int64(storageFundBalance) - totalRebate
	metrics.ConservationStorageFund.Set(float64(storageFundBalance))
	metrics.ConservationStorageFundImbalance.Set(float64(imbalance))
	metrics.ConservationImbalance.Set(float64(totalNative))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExpectedStorageFundImbal)
		existing := b.Get([]byte("imbalance"))
		if existing != nil {
			var expected int64
			if err := json.Unmarshal(existing, &expected); err != nil {
				return err
			}
			if expected != imbalance {
				err := &ErrConsistency{Reason: fmt.Sprintf(
					"storage fund imbalance drift: expected %d, observed %d", expected, imbalance)}
				log.Fatal(err, "conservation check failed")
				return err
			}
			return nil
		}
		data, err := json.Marshal(imbalance)
		if err != nil {
			return err
		}
		return b.Put([]byte("imbalance"), data)
	})
}

// forEachLiveObjectParallel collects the latest version of every object that
// is not deleted or wrapped, then hands the collected objects to workers
// goroutines via errgroup, one contiguous chunk each (see splitWork). Calls
// to fn are serialized under a mutex, so fn need not be safe for concurrent
// use.
func (s *Store) forEachLiveObjectParallel(workers int, fn func(Object), count *int64) error {
	if workers < 1 {
		workers = 1
	}
	var all []Object
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		var prevID []byte
		havePrev := false
		for k, v := c.First(); k != nil; k, v = c.Next() {
			// Keys sort by ID, then version descending: only the first row
			// of each ID is its latest version.
			id := k[:len(k)-9]
			if havePrev && bytes.Equal(id, prevID) {
				continue
			}
			prevID = append(prevID[:0], id...)
			havePrev = true
			if len(v) > 0 && (v[0] == '"') {
				// tombstone marker ("deleted"/"wrapped"), not a live object.
				continue
			}
			var o Object
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.IsDeleted || o.IsWrapped {
				continue
			}
			all = append(all, o)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, chunk := range splitWork(all, workers) {
		chunk := chunk
		g.Go(func() error {
			for _, o := range chunk {
				mu.Lock()
				fn(o)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	*count = int64(len(all))
	return nil
}

// splitWork partitions objs into at most workers contiguous chunks.
func splitWork(objs []Object, workers int) [][]Object {
	if len(objs) == 0 {
		return nil
	}
	if workers > len(objs) {
		workers = len(objs)
	}
	chunkSize := (len(objs) + workers - 1) / workers
	var chunks [][]Object
	for i := 0; i < len(objs); i += chunkSize {
		end := i + chunkSize
		if end > len(objs) {
			end = len(objs)
		}
		chunks = append(chunks, objs[i:end])
	}
	return chunks
}

// ClearPerEpochMarkers removes every per-epoch marker recorded for epochID.
// Called at reconfiguration: per-epoch markers have no meaning once their
// epoch ends.
func (s *Store) ClearPerEpochMarkers(epochID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjectPerEpochMarkerTable)
		c := b.Cursor()
		prefix := epochPrefix(epochID)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
