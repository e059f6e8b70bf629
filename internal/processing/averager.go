package processing

import (
	"fmt"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

// AcceptanceBand bounds valid channel readings, inclusive on both ends.
// Readings outside it are clipped or dark and are dropped from averages.
type AcceptanceBand struct {
	Low  uint16
	High uint16
}

var DefaultAcceptanceBand = AcceptanceBand{Low: 100, High: 3900}

func (b AcceptanceBand) Contains(g frame.GroupReading) bool {
	for _, v := range g.Channels() {
		if v < b.Low || v > b.High {
			return false
		}
	}
	return true
}

// AveragedReading is one completed phase run reduced to a single reading per
// group. Groups[i] belongs to group id i+1.
type AveragedReading struct {
	Phase  frame.Phase
	Groups [frame.GroupCount]frame.GroupReading
	// Counts holds the number of valid frames behind each group's average.
	Counts [frame.GroupCount]int
}

type MixedPhaseError struct {
	Tags [frame.GroupCount]frame.Phase
}

func (e *MixedPhaseError) Error() string {
	return fmt.Sprintf("[averager] frame straddles a phase change, tags %v", e.Tags)
}

// groupSlot maps a group id (1..GroupCount) to its fixed position.
func groupSlot(id uint8) (int, bool) {
	if id < 1 || int(id) > frame.GroupCount {
		return 0, false
	}
	return int(id) - 1, true
}

// accumulator is the state of a run in progress, indexed by group slot so a
// frame whose groups arrive in a different order still sums per group.
type accumulator struct {
	phase  frame.Phase
	seen   [frame.GroupCount]bool
	sums   [frame.GroupCount][frame.ChannelsPerGroup]uint64
	counts [frame.GroupCount]uint64
}

func newAccumulator(phase frame.Phase) *accumulator {
	return &accumulator{phase: phase}
}

// add folds the in-band groups of f into the running sums. Unknown group ids
// are skipped like out-of-band readings.
func (a *accumulator) add(f frame.Frame, band AcceptanceBand) {
	for _, g := range f {
		slot, ok := groupSlot(g.GroupID)
		if !ok {
			continue
		}
		a.seen[slot] = true
		if !band.Contains(g) {
			continue
		}
		for c, v := range g.Channels() {
			a.sums[slot][c] += uint64(v)
		}
		a.counts[slot]++
	}
}

// finalize computes truncated integer means. A group without valid samples
// averages to 0. Groups that never appeared in the run keep GroupID 0.
func (a *accumulator) finalize() AveragedReading {
	out := AveragedReading{Phase: a.phase}
	for i := range out.Groups {
		count := max(a.counts[i], 1)
		out.Groups[i] = frame.GroupReading{
			Short: uint16(a.sums[i][0] / count),
			Long1: uint16(a.sums[i][1] / count),
			Long2: uint16(a.sums[i][2] / count),
			Phase: a.phase,
		}
		if a.seen[i] {
			out.Groups[i].GroupID = uint8(i + 1)
		}
		out.Counts[i] = int(a.counts[i])
	}
	return out
}

// Averager synchronizes on the emitter phase. It accumulates frames while the
// phase holds and emits one AveragedReading for the finished run when it
// changes. A nil accumulator is the uninitialized state.
//
// Not safe for concurrent use.
type Averager struct {
	band AcceptanceBand
	acc  *accumulator
}

func NewAverager(band AcceptanceBand) *Averager {
	return &Averager{band: band}
}

// Phase returns the phase currently being accumulated.
func (a *Averager) Phase() (frame.Phase, bool) {
	if a.acc == nil {
		return 0, false
	}
	return a.acc.phase, true
}

// Step feeds one decoded frame. It returns the averaged run of the previous
// phase when f starts a new phase. Frames whose group tags disagree are
// rejected without touching the state.
func (a *Averager) Step(f frame.Frame) (AveragedReading, bool, error) {
	if !f.PhaseConsistent() {
		e := &MixedPhaseError{}
		for i, g := range f {
			e.Tags[i] = g.Phase
		}
		return AveragedReading{}, false, e
	}

	phase := f.Phase()
	switch {
	case a.acc == nil:
		a.acc = newAccumulator(phase)
		a.acc.add(f, a.band)
		return AveragedReading{}, false, nil

	case a.acc.phase == phase:
		a.acc.add(f, a.band)
		return AveragedReading{}, false, nil

	default:
		done := a.acc.finalize()
		a.acc = newAccumulator(phase)
		a.acc.add(f, a.band)
		return done, true, nil
	}
}
