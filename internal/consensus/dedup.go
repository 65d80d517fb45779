package consensus

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// dedupSet provides the handler's two-tier duplicate check: a per-commit set
// that is discarded after every commit, plus a long-lived LRU of recently
// seen transaction keys that survives across commits within the process
// lifetime. A transaction key seen in either is a duplicate.
type dedupSet struct {
	perCommit map[string]struct{}
	seen      *lru.Cache
}

func newDedupSet(capacity int) (*dedupSet, error) {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &dedupSet{perCommit: map[string]struct{}{}, seen: cache}, nil
}

// checkAndRecord reports whether key is a duplicate. A fresh key is recorded
// in both tiers before returning false.
func (d *dedupSet) checkAndRecord(key string) bool {
	if _, ok := d.perCommit[key]; ok {
		return true
	}
	if d.seen.Contains(key) {
		return true
	}
	d.perCommit[key] = struct{}{}
	d.seen.Add(key, struct{}{})
	return false
}

// resetCommit clears the per-commit tier; call once per HandleCommit.
func (d *dedupSet) resetCommit() {
	d.perCommit = map[string]struct{}{}
}

// nextHash folds txBytes into the running integrity hash. It is a direct
// translation of the original's "hash each transaction's bytes into the
// prior hash" into xxhash, chosen because the store already depends on it
// for digest sharding.
func nextHash(prev uint64, txBytes []byte) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], prev)
	_, _ = h.Write(buf[:])
	_, _ = h.Write(txBytes)
	return h.Sum64()
}
