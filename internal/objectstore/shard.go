package objectstore

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount matches the spec's fixed 4096-way shard table, sized to avoid
// pathological contention without tracking one lock per content digest.
const shardCount = 4096

// digestRWShards guards indirect-object content-digest reference counting:
// any reference-increment takes a shared (read) lock on its digest's shard,
// and the pruner's reference-decrement takes the exclusive (write) lock,
// so a prune can never race a concurrent write that is bumping the same
// content's ref count to zero-plus-one.
type digestRWShards struct {
	shards [shardCount]sync.RWMutex
}

func newDigestRWShards() *digestRWShards {
	return &digestRWShards{}
}

func (d *digestRWShards) shardFor(digest Digest) *sync.RWMutex {
	h := xxhash.Sum64String(string(digest))
	return &d.shards[h%shardCount]
}

func (d *digestRWShards) lockForIncrement(digest Digest) func() {
	m := d.shardFor(digest)
	m.RLock()
	return m.RUnlock
}

func (d *digestRWShards) lockForDecrement(digest Digest) func() {
	m := d.shardFor(digest)
	m.Lock()
	return m.Unlock
}
