package processing

import (
	"fmt"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
	"sleepywoodpecker/fnirs-goes-serial/internal/optics"
)

// CombinedSample interleaves both phases per detector, group-major:
// [shortA, shortB, long1A, long1B, long2A, long2B] for group id 1, then 2, ...
type CombinedSample [optics.LogicalChannels]float64

type GroupMismatchError struct {
	GroupID uint8
}

func (e *GroupMismatchError) Error() string {
	return fmt.Sprintf("[combiner] group %d has no reading in the opposite phase", e.GroupID)
}

// Combiner keeps the latest averaged reading of each phase and pairs them.
type Combiner struct {
	phaseA *AveragedReading
	phaseB *AveragedReading
}

func NewCombiner() *Combiner {
	return &Combiner{}
}

// Ready reports whether both phases have been seen.
func (c *Combiner) Ready() bool {
	return c.phaseA != nil && c.phaseB != nil
}

// Push stores r in its phase register and, once both registers are filled,
// returns a fresh sample built from the latest of each. Readings with an
// unknown phase are ignored.
func (c *Combiner) Push(r AveragedReading) (CombinedSample, bool, error) {
	reading := r
	switch r.Phase {
	case frame.PhaseA:
		c.phaseA = &reading
	case frame.PhaseB:
		c.phaseB = &reading
	default:
		return CombinedSample{}, false, nil
	}

	if !c.Ready() {
		return CombinedSample{}, false, nil
	}

	sample, err := combine(c.phaseA, c.phaseB)
	if err != nil {
		return CombinedSample{}, false, err
	}
	return sample, true, nil
}

// bySlot places each group of r at its fixed slot. Unknown ids are dropped.
func bySlot(r *AveragedReading) (groups [frame.GroupCount]frame.GroupReading, present [frame.GroupCount]bool) {
	for _, g := range r.Groups {
		if slot, ok := groupSlot(g.GroupID); ok {
			groups[slot] = g
			present[slot] = true
		}
	}
	return groups, present
}

func combine(a, b *AveragedReading) (CombinedSample, error) {
	var sample CombinedSample

	groupsA, presentA := bySlot(a)
	groupsB, presentB := bySlot(b)

	for slot := 0; slot < frame.GroupCount; slot++ {
		if presentA[slot] != presentB[slot] {
			return sample, &GroupMismatchError{GroupID: uint8(slot + 1)}
		}

		base := slot * frame.ChannelsPerGroup * optics.Wavelengths
		chA, chB := groupsA[slot].Channels(), groupsB[slot].Channels()
		for d := 0; d < frame.ChannelsPerGroup; d++ {
			sample[base+d*2] = float64(chA[d])
			sample[base+d*2+1] = float64(chB[d])
		}
	}

	return sample, nil
}
