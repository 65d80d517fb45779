// Package congestion implements the shared-object congestion tracker: the
// per-commit planner that assigns execution time slots to shared-object
// transactions and defers the rest with deterministic fairness.
package congestion

import "sort"

// maxExecutionTime is the saturating upper bound of the per-commit virtual
// time axis. An ExecutionSlot never extends past it.
const maxExecutionTime uint64 = ^uint64(0)

// ExecutionSlot is a half-open interval [Start, End) on a per-commit virtual
// time axis. A slot's duration must be strictly positive.
type ExecutionSlot struct {
	Start uint64
	End   uint64
}

func newSlot(start, end uint64) ExecutionSlot {
	return ExecutionSlot{Start: start, End: end}
}

// maxDurationSlot is the single slot spanning the whole virtual axis: [0, MAX).
func maxDurationSlot() ExecutionSlot {
	return ExecutionSlot{Start: 0, End: maxExecutionTime}
}

func (s ExecutionSlot) duration() uint64 {
	return s.End - s.Start
}

// intersection returns the overlap of s and other, or false if they are disjoint.
func (s ExecutionSlot) intersection(other ExecutionSlot) (ExecutionSlot, bool) {
	start := s.Start
	if other.Start > start {
		start = other.Start
	}
	end := s.End
	if other.End < end {
		end = other.End
	}
	if start >= end {
		return ExecutionSlot{}, false
	}
	return ExecutionSlot{Start: start, End: end}, true
}

// ObjectExecutionSlots is the sorted, non-overlapping list of free slots for a
// single shared ObjectID within one commit. It starts life as [0, MAX).
type ObjectExecutionSlots struct {
	free []ExecutionSlot
}

func newObjectExecutionSlots() *ObjectExecutionSlots {
	return &ObjectExecutionSlots{free: []ExecutionSlot{maxDurationSlot()}}
}

// maxFreeSlotStartTime returns the start time of the last free slot if it can
// fit duration, since only the slot touching MAX can ever extend there.
func (o *ObjectExecutionSlots) maxFreeSlotStartTime(duration uint64) (uint64, bool) {
	if len(o.free) == 0 {
		return 0, false
	}
	last := o.free[len(o.free)-1]
	if last.duration() < duration {
		return 0, false
	}
	return last.Start, true
}

// maxOccupiedSlotEndTime returns the end of occupied time on this object, i.e.
// the start of its last free slot, or maxExecutionTime if there is no free
// slot left at all (fully occupied).
func (o *ObjectExecutionSlots) maxOccupiedSlotEndTime() uint64 {
	if start, ok := o.maxFreeSlotStartTime(0); ok {
		return start
	}
	return maxExecutionTime
}

// remove removes [occupied.Start, occupied.End) from the free list, splitting
// or shrinking the containing free slot per the four documented cases:
// both-ends-remain (split), start-remains, end-remains, or exact overlap
// (slot disappears entirely).
func (o *ObjectExecutionSlots) remove(occupied ExecutionSlot) {
	idx := sort.Search(len(o.free), func(i int) bool {
		return o.free[i].End > occupied.Start
	})
	if idx >= len(o.free) {
		return
	}
	slot := o.free[idx]
	if slot.Start > occupied.Start || slot.End < occupied.End {
		return
	}

	var replacement []ExecutionSlot
	switch {
	case slot.Start < occupied.Start && slot.End > occupied.End:
		// Case AB: both a head and a tail slot remain.
		replacement = []ExecutionSlot{
			newSlot(slot.Start, occupied.Start),
			newSlot(occupied.End, slot.End),
		}
	case slot.Start < occupied.Start:
		// Case A: only the head remains.
		replacement = []ExecutionSlot{newSlot(slot.Start, occupied.Start)}
	case slot.End > occupied.End:
		// Case B: only the tail remains.
		replacement = []ExecutionSlot{newSlot(occupied.End, slot.End)}
	default:
		// Case 0: exact overlap, the free slot is fully consumed.
		replacement = nil
	}

	merged := make([]ExecutionSlot, 0, len(o.free)-1+len(replacement))
	merged = append(merged, o.free[:idx]...)
	merged = append(merged, replacement...)
	merged = append(merged, o.free[idx+1:]...)
	o.free = merged
}
