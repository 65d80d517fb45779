package objectstore

// ObjectReader is the read-only capability surface over the object table and
// live-owned-object markers. It is the "object reader" capability interface
// named in the design notes, a read-only view of the Store for callers that
// only ever read objects. The lock manager declares its own narrower
// lockReader interface (a subset of this one) rather than using this one.
type ObjectReader interface {
	GetObject(key ObjectKey) (*Object, bool, error)
	GetLatestLiveVersion(id ObjectID) (ObjectRef, bool, error)
	MultiGetLiveMarkers(refs []ObjectRef) ([]bool, error)
}

// EffectsReader exposes the executed-effects pointer and effects archive,
// used by re-execution and by clients checking transaction status.
type EffectsReader interface {
	GetExecutedEffects(digest TransactionDigest) (*Effects, bool, error)
	IsTransactionExecuted(digest TransactionDigest) (bool, error)
}

var (
	_ ObjectReader  = (*Store)(nil)
	_ EffectsReader = (*Store)(nil)
)
