package optics

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinIntensity is the floor applied to intensities before taking logarithms.
const MinIntensity = 1e-6

// IntensitiesToODChanges converts a channels x time intensity matrix into
// optical density changes, OD = -ln(I(t) / I(t0)), where the baseline I(t0)
// is the oldest column of each row. Intensities are clamped to MinIntensity
// so zero or negative counts stay finite.
func IntensitiesToODChanges(intensities mat.Matrix) *mat.Dense {
	rows, cols := intensities.Dims()
	od := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		baseline := clampIntensity(intensities.At(r, 0))
		for c := 0; c < cols; c++ {
			od.Set(r, c, -math.Log(clampIntensity(intensities.At(r, c))/baseline))
		}
	}
	return od
}

func clampIntensity(v float64) float64 {
	if !(v > MinIntensity) {
		return MinIntensity
	}
	return v
}
