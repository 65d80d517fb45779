package objectstore

import "fmt"

// ErrObjectNotFound means no lock/marker record exists at all for an
// ObjectID; it is an input error surfaced to the caller, never a storage
// failure.
type ErrObjectNotFound struct {
	ID ObjectID
}

func (e *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("object not found: %s", e.ID)
}

// ErrObjectVersionUnavailableForConsumption is returned when the provided
// object-version is not the current live version: either it was already
// consumed, or a newer version now holds the live marker.
type ErrObjectVersionUnavailableForConsumption struct {
	Provided ObjectRef
	Current  ObjectRef
}

func (e *ErrObjectVersionUnavailableForConsumption) Error() string {
	return fmt.Sprintf("object version unavailable for consumption: provided %+v, current %+v", e.Provided, e.Current)
}

// ErrConsistency signals a fatal, non-recoverable inconsistency: conservation
// imbalance mismatch, replay of an already-committed index with a different
// hash, or a programming error such as reverting a shared-object transaction.
// Callers are expected to log.Fatal on this, never retry it.
type ErrConsistency struct {
	Reason string
}

func (e *ErrConsistency) Error() string {
	return fmt.Sprintf("consistency error: %s", e.Reason)
}
