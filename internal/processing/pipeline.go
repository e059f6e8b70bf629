package processing

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
	"sleepywoodpecker/fnirs-goes-serial/internal/optics"
)

type PipelineConfig struct {
	Age                float64 // years
	Distance           float64 // source-detector distance, cm
	Wavelengths        [optics.Wavelengths]float64
	ExtinctionTable    string
	BufferDepth        int
	Band               AcceptanceBand
	InversionReference uint16 // 0 disables inversion
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Age:             22,
		Distance:        5.0,
		Wavelengths:     [optics.Wavelengths]float64{660, 940},
		ExtinctionTable: optics.DefaultExtinctionTable,
		BufferDepth:     DEFAULT_BUFFER_DEPTH,
		Band:            DefaultAcceptanceBand,
	}
}

type TableRow struct {
	Label string
	Type  string
	Value string
}

// ConcentrationResult is the newest column of the corrected concentration matrix.
type ConcentrationResult struct {
	Cycle     uint64
	Timestamp time.Time
	Values    [optics.LogicalChannels]float64
	Table     [optics.LogicalChannels]TableRow
}

type NonFiniteResultError struct {
	Stage   string
	Channel int
}

func (e *NonFiniteResultError) Error() string {
	return fmt.Sprintf("[pipeline] non-finite value after %s on channel %d", e.Stage, e.Channel)
}

// PipelineStats counts what happened to submitted frames.
type PipelineStats struct {
	Frames         uint64
	RejectedFrames uint64
	PhaseRuns      uint64
	Results        uint64
	FailedCycles   uint64
}

// Pipeline owns all acquisition-to-concentration state for one sensor array.
// It must be driven from a single goroutine.
type Pipeline struct {
	config   PipelineConfig
	channels *optics.ChannelTable
	averager *Averager
	combiner *Combiner
	buffer   *RollingBuffer
	stats    PipelineStats
	now      func() time.Time
}

func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.BufferDepth < 2 {
		return nil, fmt.Errorf("[pipeline] buffer depth must be at least 2, got %d", config.BufferDepth)
	}
	if config.Band.Low >= config.Band.High {
		return nil, fmt.Errorf("[pipeline] acceptance band [%d, %d] is empty", config.Band.Low, config.Band.High)
	}

	channels, err := optics.NewChannelTable(config.Age, config.Distance, config.Wavelengths, config.ExtinctionTable)
	if err != nil {
		return nil, fmt.Errorf("[pipeline] building channel table: %w", err)
	}

	return &Pipeline{
		config:   config,
		channels: channels,
		averager: NewAverager(config.Band),
		combiner: NewCombiner(),
		buffer:   NewRollingBuffer(config.BufferDepth),
		now:      time.Now,
	}, nil
}

func (p *Pipeline) Channels() *optics.ChannelTable {
	return p.channels
}

func (p *Pipeline) Buffer() *RollingBuffer {
	return p.buffer
}

func (p *Pipeline) Stats() PipelineStats {
	return p.stats
}

// SubmitFrame decodes one raw frame and advances the pipeline. A result is
// returned only when the frame completes a phase run and both phases are
// available.
func (p *Pipeline) SubmitFrame(raw []byte) (ConcentrationResult, bool, error) {
	f, err := frame.Decode(raw)
	if err != nil {
		p.rejectFrame()
		return ConcentrationResult{}, false, err
	}
	return p.SubmitDecoded(f)
}

func (p *Pipeline) SubmitDecoded(f frame.Frame) (ConcentrationResult, bool, error) {
	if p.config.InversionReference > 0 {
		f = f.Inverted(p.config.InversionReference)
	}

	averaged, done, err := p.averager.Step(f)
	if err != nil {
		p.rejectFrame()
		return ConcentrationResult{}, false, err
	}
	p.stats.Frames++
	if !done {
		return ConcentrationResult{}, false, nil
	}
	p.stats.PhaseRuns++

	return p.SubmitAveraged(averaged)
}

func (p *Pipeline) rejectFrame() {
	p.stats.RejectedFrames++
}

// SubmitAveraged runs one completed phase run through the combiner and the
// optical model.
func (p *Pipeline) SubmitAveraged(averaged AveragedReading) (ConcentrationResult, bool, error) {
	sample, ready, err := p.combiner.Push(averaged)
	if err != nil {
		p.stats.FailedCycles++
		return ConcentrationResult{}, false, err
	}
	if !ready {
		return ConcentrationResult{}, false, nil
	}

	p.buffer.Push(sample)

	result, err := p.compute()
	if err != nil {
		p.stats.FailedCycles++
		return ConcentrationResult{}, false, err
	}
	p.stats.Results++
	result.Cycle = p.stats.Results
	result.Timestamp = p.now()
	return result, true, nil
}

func (p *Pipeline) compute() (ConcentrationResult, error) {
	var result ConcentrationResult

	od := optics.IntensitiesToODChanges(p.buffer.Matrix())
	if ch, ok := firstNonFinite(od); ok {
		return result, &NonFiniteResultError{Stage: "od", Channel: ch}
	}

	conc, names, types, err := optics.MBLL(od, p.channels)
	if err != nil {
		return result, err
	}
	if ch, ok := firstNonFinite(conc); ok {
		return result, &NonFiniteResultError{Stage: "mbll", Channel: ch}
	}

	corrected, err := optics.CBSI(conc, types)
	if err != nil {
		return result, err
	}

	last := p.buffer.Depth() - 1
	for i := range result.Values {
		v := corrected.At(i, last)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ConcentrationResult{}, &NonFiniteResultError{Stage: "cbsi", Channel: i}
		}
		result.Values[i] = v
		result.Table[i] = TableRow{
			Label: names[i],
			Type:  types[i],
			Value: fmt.Sprintf("%.4e M", v),
		}
	}
	return result, nil
}

func firstNonFinite(m *mat.Dense) (int, bool) {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := m.At(r, c); math.IsNaN(v) || math.IsInf(v, 0) {
				return r, true
			}
		}
	}
	return 0, false
}
