package objectstore

import (
	"encoding/binary"
)

// Object-table and live-marker keys are encoded so that bbolt's natural
// ascending byte order produces a (ObjectID, Version descending) ordered
// index: the version component is stored inverted (MaxUint64 - version), so
// the smallest byte-order key for a given ObjectID is its highest version.
// This lets GetLatestLiveVersion do a single cursor.Seek
// on the ID prefix instead of a full scan, mirroring the original's
// `skip_prior_to` on a descending-sorted column family.

const idSeparator = 0x00

func encodeObjectKey(key ObjectKey) []byte {
	return encodeIDVersion(key.ID, key.Version)
}

func encodeIDVersion(id ObjectID, version Version) []byte {
	buf := make([]byte, 0, len(id)+1+8)
	buf = append(buf, []byte(id)...)
	buf = append(buf, idSeparator)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], ^uint64(version))
	return append(buf, v[:]...)
}

func idPrefix(id ObjectID) []byte {
	buf := make([]byte, 0, len(id)+1)
	buf = append(buf, []byte(id)...)
	return append(buf, idSeparator)
}

func encodeLiveMarkerKey(ref ObjectRef) []byte {
	base := encodeIDVersion(ref.ID, ref.Version)
	return append(base, []byte(ref.Digest)...)
}

func encodePerEpochMarkerKey(k PerEpochMarkerKey) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k.EpochID)
	return append(buf, encodeObjectKey(k.Key)...)
}

func epochPrefix(epochID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, epochID)
	return buf
}

// roundKey encodes a consensus round number as the key for the deferred-
// transaction bucket, one entry per round a transaction is due to be
// retried at.
func roundKey(round uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, round)
	return buf
}
