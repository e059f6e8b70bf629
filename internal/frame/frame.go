// Package frame decodes the fixed 64 byte sampling frames produced by the
// sensor array. One frame carries one reading for each of the 8 sensor groups.
package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	GroupCount       = 8
	GroupBlockSize   = 8
	ChannelsPerGroup = 3
	FrameSize        = GroupCount * GroupBlockSize
)

// Phase is the illumination phase tag carried in the last byte of every group block.
type Phase uint8

const (
	PhaseA Phase = 1 // first wavelength
	PhaseB Phase = 2 // second wavelength
)

func (p Phase) Valid() bool {
	return p == PhaseA || p == PhaseB
}

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

type GroupReading struct {
	GroupID uint8
	Short   uint16
	Long1   uint16
	Long2   uint16
	Phase   Phase
}

// Channels returns the detector values in short, long1, long2 order.
func (g GroupReading) Channels() [ChannelsPerGroup]uint16 {
	return [ChannelsPerGroup]uint16{g.Short, g.Long1, g.Long2}
}

// Frame is one decoded sampling cycle.
type Frame [GroupCount]GroupReading

// Phase returns the tag of the first group. Use PhaseConsistent to check the rest agree.
func (f Frame) Phase() Phase {
	return f[0].Phase
}

func (f Frame) PhaseConsistent() bool {
	for _, g := range f[1:] {
		if g.Phase != f[0].Phase {
			return false
		}
	}
	return true
}

// Inverted maps every channel value v to 2*reference - v, clamped to the u16 range.
func (f Frame) Inverted(reference uint16) Frame {
	out := f
	invert := func(v uint16) uint16 {
		r := 2*int(reference) - int(v)
		if r < 0 {
			return 0
		}
		if r > 0xFFFF {
			return 0xFFFF
		}
		return uint16(r)
	}
	for i := range out {
		out[i].Short = invert(out[i].Short)
		out[i].Long1 = invert(out[i].Long1)
		out[i].Long2 = invert(out[i].Long2)
	}
	return out
}

type FrameLengthError struct {
	Length int
}

func (e *FrameLengthError) Error() string {
	return fmt.Sprintf("[frame] expected %d bytes, got %d", FrameSize, e.Length)
}

// Decode parses one raw frame. Channel values are big-endian u16. Only the
// length is validated here.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) != FrameSize {
		return f, &FrameLengthError{Length: len(raw)}
	}

	for i := range f {
		block := raw[i*GroupBlockSize : (i+1)*GroupBlockSize]
		f[i] = GroupReading{
			GroupID: block[0],
			Short:   binary.BigEndian.Uint16(block[1:3]),
			Long1:   binary.BigEndian.Uint16(block[3:5]),
			Long2:   binary.BigEndian.Uint16(block[5:7]),
			Phase:   Phase(block[7]),
		}
	}
	return f, nil
}

// Encode is the inverse of Decode.
func Encode(f Frame) []byte {
	raw := make([]byte, FrameSize)
	for i, g := range f {
		block := raw[i*GroupBlockSize : (i+1)*GroupBlockSize]
		block[0] = g.GroupID
		binary.BigEndian.PutUint16(block[1:3], g.Short)
		binary.BigEndian.PutUint16(block[3:5], g.Long1)
		binary.BigEndian.PutUint16(block[5:7], g.Long2)
		block[7] = byte(g.Phase)
	}
	return raw
}

// Aligned reports whether every group block of raw ends in a known phase tag.
// A byte stream read at the wrong offset almost never satisfies this.
func Aligned(raw []byte) bool {
	if len(raw) != FrameSize {
		return false
	}
	for i := GroupBlockSize - 1; i < FrameSize; i += GroupBlockSize {
		if !Phase(raw[i]).Valid() {
			return false
		}
	}
	return true
}
