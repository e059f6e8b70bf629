package frame

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame(phase Phase) Frame {
	var f Frame
	for i := range f {
		f[i] = GroupReading{
			GroupID: uint8(i + 1),
			Short:   uint16(1000 + i),
			Long1:   uint16(2000 + i*3),
			Long2:   uint16(0xFF00 + i),
			Phase:   phase,
		}
	}
	return f
}

func TestDecodeKnownBytes(t *testing.T) {
	raw := make([]byte, FrameSize)
	// group 0: id 7, short 0x0102, long1 0x0A0B, long2 0xFFFE, phase 2
	copy(raw[0:8], []byte{7, 0x01, 0x02, 0x0A, 0x0B, 0xFF, 0xFE, 2})

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, GroupReading{GroupID: 7, Short: 0x0102, Long1: 0x0A0B, Long2: 0xFFFE, Phase: PhaseB}, f[0])
	assert.Equal(t, GroupReading{}, f[1])
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, phase := range []Phase{PhaseA, PhaseB} {
		want := sampleFrame(phase)
		got, err := Decode(Encode(want))
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("decode mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeLength(t *testing.T) {
	for _, n := range []int{0, 1, 63, 65, 128} {
		_, err := Decode(make([]byte, n))
		var lengthErr *FrameLengthError
		require.True(t, errors.As(err, &lengthErr), "length %d", n)
		assert.Equal(t, n, lengthErr.Length)
	}
}

func TestPhaseConsistent(t *testing.T) {
	f := sampleFrame(PhaseA)
	assert.True(t, f.PhaseConsistent())
	assert.Equal(t, PhaseA, f.Phase())

	f[5].Phase = PhaseB
	assert.False(t, f.PhaseConsistent())
}

func TestInverted(t *testing.T) {
	var f Frame
	f[0] = GroupReading{Short: 100, Long1: 2050, Long2: 5000}
	inv := f.Inverted(2050)
	assert.Equal(t, uint16(4000), inv[0].Short)
	assert.Equal(t, uint16(2050), inv[0].Long1)
	assert.Equal(t, uint16(0), inv[0].Long2)
	// original untouched
	assert.Equal(t, uint16(100), f[0].Short)
}

func TestAligned(t *testing.T) {
	raw := Encode(sampleFrame(PhaseA))
	assert.True(t, Aligned(raw))

	shifted := append(raw[1:], raw[0])
	assert.False(t, Aligned(shifted))
	assert.False(t, Aligned(raw[:10]))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "A", PhaseA.String())
	assert.Equal(t, "B", PhaseB.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
	assert.False(t, Phase(0).Valid())
}
