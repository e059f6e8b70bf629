// Package optics turns raw light intensity history into hemoglobin
// concentration changes: optical density conversion, the modified
// Beer-Lambert inversion and CBSI artifact correction.
package optics

import (
	"errors"
	"fmt"
	"math"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

const (
	// PhysicalChannels is the number of group/detector pairs.
	PhysicalChannels = frame.GroupCount * frame.ChannelsPerGroup
	// Wavelengths per physical channel, one per illumination phase.
	Wavelengths = 2
	// LogicalChannels is the row count of every matrix in the pipeline.
	LogicalChannels = PhysicalChannels * Wavelengths
)

const (
	TypeHbO = "hbo"
	TypeHbR = "hbr"
)

// Channel describes one logical row: a physical channel seen at one wavelength.
type Channel struct {
	Label      string
	Wavelength float64 // nm
	DPF        float64
	Distance   float64 // cm
	Extinction Extinction
}

// ChannelTable is built once and never mutated afterwards. Rows 2p and 2p+1
// belong to physical channel p at the first and second wavelength.
type ChannelTable struct {
	Channels [LogicalChannels]Channel
	Table    string
}

// DPF returns the differential path-length factor for a wavelength (nm) and
// subject age (years), using the Scholkmann & Wolf (2013) general equation.
func DPF(wavelength, age float64) float64 {
	return 223.3 + 0.05624*math.Pow(age, 0.8493) -
		5.723e-7*math.Pow(wavelength, 3) +
		0.001245*math.Pow(wavelength, 2) -
		0.9025*wavelength
}

// PhysicalLabel names group g (0 based) detector d (0 based) as S{g+1}_D{d+1}.
func PhysicalLabel(group, detector int) string {
	return fmt.Sprintf("S%d_D%d", group+1, detector+1)
}

// NewChannelTable resolves extinction coefficients and path-length factors for
// every logical channel. All wavelength problems surface here, so the run-time
// solve cannot fail on a lookup.
func NewChannelTable(age, distance float64, wavelengths [Wavelengths]float64, tableName string) (*ChannelTable, error) {
	if !(age > 0) || math.IsInf(age, 1) {
		return nil, fmt.Errorf("[optics] age must be positive and finite, got %v", age)
	}
	if !(distance > 0) || math.IsInf(distance, 1) {
		return nil, fmt.Errorf("[optics] source-detector distance must be positive and finite, got %v", distance)
	}
	if wavelengths[0] == wavelengths[1] {
		return nil, errors.New("[optics] the two wavelengths must differ")
	}

	ext, err := LookupTable(tableName)
	if err != nil {
		return nil, err
	}

	var coeffs [Wavelengths]Extinction
	var dpfs [Wavelengths]float64
	for w, wl := range wavelengths {
		if coeffs[w], err = ext.Lookup(wl); err != nil {
			return nil, err
		}
		dpfs[w] = DPF(wl, age)
		if !(dpfs[w] > 0) {
			return nil, fmt.Errorf("[optics] non-positive DPF %v at %.1f nm, age %v", dpfs[w], wl, age)
		}
	}

	t := &ChannelTable{Table: ext.Name}
	for g := 0; g < frame.GroupCount; g++ {
		for d := 0; d < frame.ChannelsPerGroup; d++ {
			p := g*frame.ChannelsPerGroup + d
			for w := 0; w < Wavelengths; w++ {
				t.Channels[p*Wavelengths+w] = Channel{
					Label:      PhysicalLabel(g, d),
					Wavelength: wavelengths[w],
					DPF:        dpfs[w],
					Distance:   distance,
					Extinction: coeffs[w],
				}
			}
		}
	}

	return t, nil
}
