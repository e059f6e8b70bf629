package optics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minDeviation below which a row is treated as flat.
const minDeviation = 1e-15

// CBSI applies correlation based signal improvement (Cui et al. 2010) to each
// hbo/hbr row pair:
//
//	α    = std(HbO) / std(HbR)
//	HbO' = (HbO − α·HbR) / 2
//	HbR' = −HbO' / α
//
// Rows must alternate hbo, hbr as produced by MBLL. A flat HbR or HbO row uses
// α = 1 so a steady signal corrects to zero rather than NaN.
func CBSI(conc *mat.Dense, types []string) (*mat.Dense, error) {
	rows, cols := conc.Dims()
	if len(types) != rows || rows%2 != 0 {
		return nil, fmt.Errorf("[optics] cbsi got %d rows and %d types", rows, len(types))
	}

	out := mat.NewDense(rows, cols, nil)
	hbo := make([]float64, cols)
	hbr := make([]float64, cols)
	for r := 0; r < rows; r += 2 {
		if types[r] != TypeHbO || types[r+1] != TypeHbR {
			return nil, fmt.Errorf("[optics] cbsi expects hbo/hbr pairs, row %d is %s/%s", r, types[r], types[r+1])
		}

		mat.Row(hbo, r, conc)
		mat.Row(hbr, r+1, conc)

		alpha := 1.0
		sdHbO, sdHbR := stat.StdDev(hbo, nil), stat.StdDev(hbr, nil)
		if sdHbO > minDeviation && sdHbR > minDeviation {
			alpha = sdHbO / sdHbR
		}

		for c := 0; c < cols; c++ {
			corrected := 0.5 * (hbo[c] - alpha*hbr[c])
			out.Set(r, c, corrected)
			out.Set(r+1, c, -corrected/alpha)
		}
	}

	return out, nil
}
