package processing

import (
	"gonum.org/v1/gonum/mat"

	"sleepywoodpecker/fnirs-goes-serial/internal/optics"
)

const DEFAULT_BUFFER_DEPTH = 50

// RollingBuffer holds the most recent depth samples, one per column, oldest first.
type RollingBuffer struct {
	depth int
	data  *mat.Dense // allocated on first push
}

func NewRollingBuffer(depth int) *RollingBuffer {
	if depth < 1 {
		depth = DEFAULT_BUFFER_DEPTH
	}
	return &RollingBuffer{depth: depth}
}

func (b *RollingBuffer) Depth() int {
	return b.depth
}

func (b *RollingBuffer) Initialized() bool {
	return b.data != nil
}

// Push appends sample as the newest column. The first push fills every column
// with sample so the optical density baseline is never a column of zeros.
func (b *RollingBuffer) Push(sample CombinedSample) {
	if b.data == nil {
		b.data = mat.NewDense(optics.LogicalChannels, b.depth, nil)
		for r, v := range sample {
			row := b.data.RawRowView(r)
			for c := range row {
				row[c] = v
			}
		}
		return
	}

	for r, v := range sample {
		row := b.data.RawRowView(r)
		copy(row, row[1:])
		row[b.depth-1] = v
	}
}

// Column returns a copy of column j, 0 being the oldest.
func (b *RollingBuffer) Column(j int) CombinedSample {
	var s CombinedSample
	if b.data == nil {
		return s
	}
	mat.Col(s[:], j, b.data)
	return s
}

// Matrix returns a copy of the buffer, or nil before the first push.
func (b *RollingBuffer) Matrix() *mat.Dense {
	if b.data == nil {
		return nil
	}
	return mat.DenseCopyOf(b.data)
}
