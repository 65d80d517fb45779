package congestion

import (
	"github.com/iotaledger/corestate/pkg/metrics"
)

// Mode selects how a transaction's estimated execution duration is derived.
type Mode int

const (
	// ModeNone disables congestion control entirely: every duration is 0.
	ModeNone Mode = iota
	// ModeTotalGasBudget uses the transaction's gas budget as its duration.
	ModeTotalGasBudget
	// ModeTotalTxCount treats every transaction as duration 1.
	ModeTotalTxCount
)

// ObjectID identifies a shared object for congestion-tracking purposes.
type ObjectID string

// TransactionDigest identifies a transaction for deferral bookkeeping.
type TransactionDigest string

// SharedObjectRef names one shared object touched by a transaction and
// whether the transaction writes it. Read-only references never bump slots.
type SharedObjectRef struct {
	ObjectID ObjectID
	Mutable  bool
}

// DeferralKey routes a deferred transaction to a later commit: FutureRound is
// always CommitRound+1; DeferredFromRound is preserved across repeated
// deferrals of the same transaction.
type DeferralKey struct {
	FutureRound       uint64
	DeferredFromRound uint64
}

// Decision is the outcome of TrySchedule: either a start time, or a deferral
// with the objects to blame.
type Decision struct {
	Scheduled        bool
	StartTime        uint64
	DeferralKey      DeferralKey
	CongestedObjects []ObjectID
}

// Tracker assigns execution time slots to shared-object transactions within a
// single consensus commit, deferring transactions that cannot fit.
type Tracker struct {
	mode                    Mode
	assignMinFreeSlot       bool
	maxExecutionDurationPerCommit uint64
	commitRound             uint64
	previouslyDeferred      map[TransactionDigest]uint64 // tx -> deferred_from_round

	objectSlots map[ObjectID]*ObjectExecutionSlots
}

// New constructs a Tracker for one consensus commit. previouslyDeferred maps
// transaction digest to the round at which it was first deferred, across
// earlier commits in the same epoch; pass an empty map for a commit with no
// carried-over deferrals.
func New(mode Mode, assignMinFreeSlot bool, maxExecutionDurationPerCommit uint64, commitRound uint64, previouslyDeferred map[TransactionDigest]uint64) *Tracker {
	if previouslyDeferred == nil {
		previouslyDeferred = map[TransactionDigest]uint64{}
	}
	return &Tracker{
		mode:                          mode,
		assignMinFreeSlot:             assignMinFreeSlot,
		maxExecutionDurationPerCommit: maxExecutionDurationPerCommit,
		commitRound:                   commitRound,
		previouslyDeferred:            previouslyDeferred,
		objectSlots:                   map[ObjectID]*ObjectExecutionSlots{},
	}
}

func (t *Tracker) slotsFor(id ObjectID) *ObjectExecutionSlots {
	s, ok := t.objectSlots[id]
	if !ok {
		s = newObjectExecutionSlots()
		t.objectSlots[id] = s
		metrics.CongestionObjectsTracked.Set(float64(len(t.objectSlots)))
	}
	return s
}

// estimatedDuration computes a transaction's duration from the tracker's mode.
func (t *Tracker) estimatedDuration(gasBudget uint64) uint64 {
	switch t.mode {
	case ModeTotalGasBudget:
		return gasBudget
	case ModeTotalTxCount:
		return 1
	default:
		return 0
	}
}

// TrySchedule decides a start time for a transaction touching refs, or
// produces a deferral. gasBudget is only consulted in ModeTotalGasBudget.
// Zero-duration transactions and transactions touching no shared objects
// bypass the tracker entirely, scheduled at time 0.
func (t *Tracker) TrySchedule(digest TransactionDigest, refs []SharedObjectRef, gasBudget uint64) Decision {
	duration := t.estimatedDuration(gasBudget)
	if duration == 0 || len(refs) == 0 {
		metrics.CongestionScheduledTotal.Inc()
		return Decision{Scheduled: true, StartTime: 0}
	}

	ids := make([]ObjectID, len(refs))
	for i, r := range refs {
		ids[i] = r.ObjectID
	}

	var (
		start uint64
		ok    bool
	)
	if t.assignMinFreeSlot {
		start, ok = t.computeStartTimeMinFree(ids, duration)
	} else {
		start, ok = t.computeStartTimeMaxEnd(ids, duration)
	}

	if ok && !overflows(start, duration) && start+duration <= t.maxExecutionDurationPerCommit {
		metrics.CongestionScheduledTotal.Inc()
		return Decision{Scheduled: true, StartTime: start}
	}

	metrics.CongestionDeferredTotal.Inc()
	return Decision{
		Scheduled:        false,
		DeferralKey:      t.deferralKey(digest),
		CongestedObjects: t.congestedObjects(ids, duration, ok),
	}
}

func overflows(start, duration uint64) bool {
	return maxExecutionTime-start < duration
}

// computeStartTimeMaxEnd implements the MaxEnd policy: the start time is the
// max over every referenced object of its last free slot's start time that
// can still fit duration. If any object has no such slot, scheduling fails.
func (t *Tracker) computeStartTimeMaxEnd(ids []ObjectID, duration uint64) (uint64, bool) {
	var maxStart uint64
	any := false
	for _, id := range ids {
		start, ok := t.slotsFor(id).maxFreeSlotStartTime(duration)
		if !ok {
			return 0, false
		}
		if !any || start > maxStart {
			maxStart = start
			any = true
		}
	}
	return maxStart, any
}

// computeStartTimeMinFree implements the MinFree policy: the lowest start
// time at which a single common slot of width >= duration exists
// simultaneously across every referenced object's free list.
func (t *Tracker) computeStartTimeMinFree(ids []ObjectID, duration uint64) (uint64, bool) {
	return t.computeMinFreeRecursive(ids, 0, maxDurationSlot(), duration)
}

// computeMinFreeRecursive walks ids in order, intersecting the currently
// feasible lookup interval with each id's free slots in ascending start-time
// order, and recurses on the remainder. The first full-recursion success is
// the earliest feasible start, because free slots are visited in increasing
// start order at every level.
func (t *Tracker) computeMinFreeRecursive(ids []ObjectID, idx int, lookupInterval ExecutionSlot, duration uint64) (uint64, bool) {
	if idx == len(ids) {
		if lookupInterval.duration() < duration {
			return 0, false
		}
		return lookupInterval.Start, true
	}

	slots := t.slotsFor(ids[idx]).free
	for _, free := range slots {
		intersected, ok := lookupInterval.intersection(free)
		if !ok {
			continue
		}
		if intersected.duration() < duration {
			continue
		}
		if start, ok := t.computeMinFreeRecursive(ids, idx+1, intersected, duration); ok {
			return start, true
		}
	}
	return 0, false
}

// congestedObjects names the objects to blame for a deferral: in MinFree mode
// no single object is blameable, so all referenced objects are congested; in
// MaxEnd mode only the objects whose occupied-slot end (plus duration)
// overflows or exceeds the commit budget are blamed.
func (t *Tracker) congestedObjects(ids []ObjectID, duration uint64, hadCandidate bool) []ObjectID {
	if t.assignMinFreeSlot {
		out := make([]ObjectID, len(ids))
		copy(out, ids)
		return out
	}
	var congested []ObjectID
	for _, id := range ids {
		end := t.slotsFor(id).maxOccupiedSlotEndTime()
		if overflows(end, duration) || end+duration > t.maxExecutionDurationPerCommit {
			congested = append(congested, id)
		}
	}
	if len(congested) == 0 {
		// Defensive fallback: hadCandidate false means some object had no
		// fitting free slot at all; blame every referenced object.
		congested = append(congested, ids...)
	}
	return congested
}

// deferralKey reuses the round at which digest was first deferred, if this
// transaction has been deferred before; otherwise it starts a new chain at
// the current commit round. FutureRound is always the next commit.
func (t *Tracker) deferralKey(digest TransactionDigest) DeferralKey {
	deferredFrom, ok := t.previouslyDeferred[digest]
	if !ok {
		deferredFrom = t.commitRound
	}
	return DeferralKey{
		FutureRound:       t.commitRound + 1,
		DeferredFromRound: deferredFrom,
	}
}

// BumpObjectExecutionSlots commits a scheduled transaction's interval
// [start, start+duration) on every mutable shared object it references.
// Read-only references never bump: they may overlap with each other.
func (t *Tracker) BumpObjectExecutionSlots(refs []SharedObjectRef, start, duration uint64) {
	if duration == 0 {
		return
	}
	occupied := newSlot(start, start+duration)
	for _, r := range refs {
		if !r.Mutable {
			continue
		}
		t.slotsFor(r.ObjectID).remove(occupied)
	}
}

// MaxOccupiedSlotEndTime returns the latest occupied-slot end time across
// every shared object this tracker has seen in the current commit.
func (t *Tracker) MaxOccupiedSlotEndTime() uint64 {
	var max uint64
	for _, s := range t.objectSlots {
		if end := s.maxOccupiedSlotEndTime(); end > max {
			max = end
		}
	}
	return max
}
