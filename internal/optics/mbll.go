package optics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MBLL applies the modified Beer-Lambert law. For every physical channel p the
// two optical density rows (2p, 2p+1) satisfy
//
//	OD(λ) = (εHbO(λ)·ΔHbO + εHbR(λ)·ΔHbR) · DPF(λ) · d
//
// which is solved per time column. Output row 2p is ΔHbO and 2p+1 is ΔHbR, in
// mol/L. The returned names and types are parallel to the output rows.
func MBLL(od *mat.Dense, table *ChannelTable) (*mat.Dense, []string, []string, error) {
	rows, cols := od.Dims()
	if rows != LogicalChannels {
		return nil, nil, nil, fmt.Errorf("[optics] mbll expects %d rows, got %d", LogicalChannels, rows)
	}

	out := mat.NewDense(rows, cols, nil)
	names := make([]string, rows)
	types := make([]string, rows)

	for p := 0; p < PhysicalChannels; p++ {
		r0 := p * Wavelengths
		first, second := table.Channels[r0], table.Channels[r0+1]

		system := mat.NewDense(2, 2, []float64{
			first.Extinction.HbO * first.DPF * first.Distance, first.Extinction.HbR * first.DPF * first.Distance,
			second.Extinction.HbO * second.DPF * second.Distance, second.Extinction.HbR * second.DPF * second.Distance,
		})

		var conc mat.Dense
		if err := conc.Solve(system, od.Slice(r0, r0+2, 0, cols)); err != nil {
			return nil, nil, nil, fmt.Errorf("[optics] mbll solve for %s: %w", first.Label, err)
		}

		out.Slice(r0, r0+2, 0, cols).(*mat.Dense).Copy(&conc)
		names[r0], names[r0+1] = first.Label, first.Label
		types[r0], types[r0+1] = TypeHbO, TypeHbR
	}

	return out, names, types, nil
}
