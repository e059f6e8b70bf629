package processing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
	"sleepywoodpecker/fnirs-goes-serial/internal/optics"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(DefaultPipelineConfig())
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

// group0Frame sets only group 0; the other groups stay zero and therefore
// out of band.
func group0Frame(phase frame.Phase, short, long1, long2 uint16) []byte {
	var f frame.Frame
	for i := range f {
		f[i] = frame.GroupReading{GroupID: uint8(i + 1), Phase: phase}
	}
	f[0].Short, f[0].Long1, f[0].Long2 = short, long1, long2
	return frame.Encode(f)
}

type submitted struct {
	results []ConcentrationResult
	errs    []error
}

func submitAll(p *Pipeline, frames ...[]byte) submitted {
	var out submitted
	for _, raw := range frames {
		res, ok, err := p.SubmitFrame(raw)
		if err != nil {
			out.errs = append(out.errs, err)
		}
		if ok {
			out.results = append(out.results, res)
		}
	}
	return out
}

func repeat(n int, raw []byte) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = raw
	}
	return out
}

func TestPipelineEndToEnd(t *testing.T) {
	p := newTestPipeline(t)

	var frames [][]byte
	frames = append(frames, repeat(10, group0Frame(frame.PhaseA, 2400, 2500, 2600))...)
	frames = append(frames, repeat(10, group0Frame(frame.PhaseB, 2390, 2490, 2590))...)

	got := submitAll(p, frames...)
	assert.Empty(t, got.errs)
	assert.Empty(t, got.results, "no result before the phase B run completes")

	// the next phase change closes the phase B run
	got = submitAll(p, group0Frame(frame.PhaseA, 2400, 2500, 2600))
	require.Empty(t, got.errs)
	require.Len(t, got.results, 1)

	res := got.results[0]
	assert.Equal(t, uint64(1), res.Cycle)
	assert.Len(t, res.Values, optics.LogicalChannels)
	assert.Len(t, res.Table, optics.LogicalChannels)
	for i, v := range res.Values {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "channel %d", i)
	}
	for i, row := range res.Table {
		if i%2 == 0 {
			assert.Equal(t, optics.TypeHbO, row.Type)
		} else {
			assert.Equal(t, optics.TypeHbR, row.Type)
		}
	}
	assert.Equal(t, "S1_D1", res.Table[0].Label)
	assert.Equal(t, "S1_D1", res.Table[1].Label)
	assert.Equal(t, "S8_D3", res.Table[47].Label)

	// warm start: the only sample in history is the baseline
	assert.Regexp(t, `^-?0\.0000e\+00 M$`, res.Table[0].Value)

	// combined sample carries group 0's averages
	col := p.Buffer().Column(p.Buffer().Depth() - 1)
	assert.Equal(t, []float64{2400, 2390, 2500, 2490, 2600, 2590}, col[:6])
	assert.Equal(t, 0.0, col[6])

	stats := p.Stats()
	assert.Equal(t, uint64(21), stats.Frames)
	assert.Equal(t, uint64(2), stats.PhaseRuns)
	assert.Equal(t, uint64(1), stats.Results)
}

func TestPipelineConstantInputStaysZero(t *testing.T) {
	p := newTestPipeline(t)
	a := group0Frame(frame.PhaseA, 2400, 2500, 2600)
	b := group0Frame(frame.PhaseB, 2390, 2490, 2590)

	var results []ConcentrationResult
	for cycle := 0; cycle < 30; cycle++ {
		got := submitAll(p, append(repeat(3, a), repeat(3, b)...)...)
		require.Empty(t, got.errs)
		results = append(results, got.results...)
	}
	require.NotEmpty(t, results)

	for _, res := range results {
		for i, v := range res.Values {
			assert.InDelta(t, 0.0, v, 1e-15, "channel %d", i)
		}
	}
}

func TestPipelineRespondsToChange(t *testing.T) {
	p := newTestPipeline(t)
	var last ConcentrationResult
	for cycle := 0; cycle < 10; cycle++ {
		// second wavelength dims steadily on the short detector
		dim := uint16(cycle * 20)
		frames := append(
			repeat(2, group0Frame(frame.PhaseA, 2400, 2500, 2600)),
			repeat(2, group0Frame(frame.PhaseB, 2390-dim, 2490, 2590))...,
		)
		got := submitAll(p, frames...)
		require.Empty(t, got.errs)
		if len(got.results) > 0 {
			last = got.results[len(got.results)-1]
		}
	}

	require.NotZero(t, last.Cycle)
	assert.NotEqual(t, 0.0, last.Values[0])
	assert.NotEqual(t, 0.0, last.Values[1])
	for _, v := range last.Values {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	// S1_D2 never changed
	assert.InDelta(t, 0.0, last.Values[2], 1e-15)
}

func TestPipelineEmitsEveryRunOncePaired(t *testing.T) {
	p := newTestPipeline(t)
	a := group0Frame(frame.PhaseA, 2400, 2500, 2600)
	b := group0Frame(frame.PhaseB, 2390, 2490, 2590)

	// A run, B run, A run, B run, then a trigger: runs 2, 3 and 4 each produce a result
	frames := [][]byte{a, a, b, b, a, a, b, b, a}
	got := submitAll(p, frames...)
	require.Empty(t, got.errs)
	assert.Len(t, got.results, 3)
	for i, res := range got.results {
		assert.Equal(t, uint64(i+1), res.Cycle)
	}
}

func TestPipelineRejectsBadFrames(t *testing.T) {
	p := newTestPipeline(t)

	_, ok, err := p.SubmitFrame(make([]byte, 63))
	assert.False(t, ok)
	var lengthErr *frame.FrameLengthError
	assert.True(t, errors.As(err, &lengthErr))

	var mixed frame.Frame
	for i := range mixed {
		mixed[i] = frame.GroupReading{GroupID: uint8(i + 1), Phase: frame.PhaseA}
	}
	mixed[3].Phase = frame.PhaseB
	_, ok, err = p.SubmitFrame(frame.Encode(mixed))
	assert.False(t, ok)
	var mixedErr *MixedPhaseError
	assert.True(t, errors.As(err, &mixedErr))

	assert.Equal(t, uint64(2), p.Stats().RejectedFrames)
	assert.Equal(t, uint64(0), p.Stats().Frames)
}

func TestPipelineGroupMismatchKeepsBuffer(t *testing.T) {
	p := newTestPipeline(t)
	a := averaged(frame.PhaseA, 1000)
	b := averaged(frame.PhaseB, 2000)

	_, _, err := p.SubmitAveraged(a)
	require.NoError(t, err)
	_, ok, err := p.SubmitAveraged(b)
	require.NoError(t, err)
	require.True(t, ok)
	before := p.Buffer().Matrix()

	bad := averaged(frame.PhaseB, 2500)
	bad.Groups[0].GroupID = 99
	_, ok, err = p.SubmitAveraged(bad)
	assert.False(t, ok)
	var mismatch *GroupMismatchError
	require.True(t, errors.As(err, &mismatch))

	assert.True(t, mat.Equal(before, p.Buffer().Matrix()))
	assert.Equal(t, uint64(1), p.Stats().FailedCycles)
}

func TestPipelineInversion(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.InversionReference = 2050
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	// 2*2050 - 1700 = 2400
	submitAll(p, group0Frame(frame.PhaseA, 1700, 1600, 1500), group0Frame(frame.PhaseB, 1700, 1700, 1700))
	got := submitAll(p, group0Frame(frame.PhaseA, 1700, 1600, 1500))
	require.Len(t, got.results, 1)

	col := p.Buffer().Column(0)
	assert.Equal(t, 2400.0, col[0])
	assert.Equal(t, 2400.0, col[1])
	assert.Equal(t, 2500.0, col[2])
	// zero-valued groups invert to 4100, above the band, and average to 0
	assert.Equal(t, 0.0, col[6])
}

func TestNewPipelineValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"depth", func(c *PipelineConfig) { c.BufferDepth = 1 }},
		{"band", func(c *PipelineConfig) { c.Band = AcceptanceBand{Low: 500, High: 500} }},
		{"wavelength", func(c *PipelineConfig) { c.Wavelengths[1] = 1500 }},
		{"age", func(c *PipelineConfig) { c.Age = 0 }},
		{"infinite age", func(c *PipelineConfig) { c.Age = math.Inf(1) }},
		{"infinite distance", func(c *PipelineConfig) { c.Distance = math.Inf(1) }},
		{"table", func(c *PipelineConfig) { c.ExtinctionTable = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tt.mutate(&cfg)
			_, err := NewPipeline(cfg)
			assert.Error(t, err)
		})
	}

	cfg := DefaultPipelineConfig()
	cfg.Wavelengths[1] = 1500
	_, err := NewPipeline(cfg)
	var wlErr *optics.UnsupportedWavelengthError
	assert.True(t, errors.As(err, &wlErr))
}

func TestFirstNonFinite(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{0, 1, 2, math.Inf(1)})
	ch, ok := firstNonFinite(m)
	assert.True(t, ok)
	assert.Equal(t, 1, ch)

	_, ok = firstNonFinite(mat.NewDense(1, 1, []float64{3}))
	assert.False(t, ok)
}

func TestPipelineLabelsFollowGroupID(t *testing.T) {
	p := newTestPipeline(t)
	rotate := func(raw []byte) []byte {
		f, err := frame.Decode(raw)
		require.NoError(t, err)
		return frame.Encode(rotated(f))
	}

	submitAll(p, rotate(group0Frame(frame.PhaseA, 3000, 3000, 3000)), rotate(group0Frame(frame.PhaseB, 3100, 3100, 3100)))
	got := submitAll(p, rotate(group0Frame(frame.PhaseA, 3000, 3000, 3000)))
	require.Len(t, got.results, 1)

	col := p.Buffer().Column(p.Buffer().Depth() - 1)
	assert.Equal(t, []float64{3000, 3100, 3000, 3100, 3000, 3100}, col[0:6])
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, col[7*6:8*6])
	assert.Equal(t, "S1_D1", got.results[0].Table[0].Label)
}

func TestPipelineDiscardsNonFiniteCycle(t *testing.T) {
	p := newTestPipeline(t)

	// an unbounded baseline in the oldest columns makes OD infinite on the next push
	var hot CombinedSample
	for i := range hot {
		hot[i] = math.Inf(1)
	}
	p.Buffer().Push(hot)

	_, _, err := p.SubmitAveraged(averaged(frame.PhaseA, 2000))
	require.NoError(t, err)
	_, ok, err := p.SubmitAveraged(averaged(frame.PhaseB, 2100))
	assert.False(t, ok)

	var nonFinite *NonFiniteResultError
	require.True(t, errors.As(err, &nonFinite))
	assert.Equal(t, "od", nonFinite.Stage)
	assert.Equal(t, uint64(1), p.Stats().FailedCycles)
	assert.Equal(t, uint64(0), p.Stats().Results)

	// the failed cycle still advanced the window
	assert.Equal(t, 2000.0, p.Buffer().Column(p.Buffer().Depth() - 1)[0])
}
