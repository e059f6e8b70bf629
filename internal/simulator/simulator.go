// Package simulator stands in for the sensor array when no hardware is
// attached. It produces the same byte stream a real device would: 64 byte
// frames in runs of alternating illumination phase.
package simulator

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

var ErrClosed = errors.New("[simulator] port closed")

type Config struct {
	FramesPerPhase int
	FrameInterval  time.Duration // 0 emits as fast as the reader consumes
	// Base intensity per detector, short/long1/long2.
	Base  [frame.ChannelsPerGroup]uint16
	Noise float64 // standard deviation of additive noise, counts
	Seed  int64
}

func DefaultConfig() Config {
	return Config{
		FramesPerPhase: 10,
		FrameInterval:  10 * time.Millisecond,
		Base:           [frame.ChannelsPerGroup]uint16{2400, 2500, 2600},
		Noise:          5,
		Seed:           1,
	}
}

// Port is a fake serial port. Reads return frame bytes; writes are accepted
// and discarded.
type Port struct {
	mu      sync.Mutex
	config  Config
	noise   distuv.Normal
	pending []byte
	emitted int
	closed  bool
	last    time.Time
	sleep   func(time.Duration)
}

func NewPort(config Config) *Port {
	if config.FramesPerPhase < 1 {
		config.FramesPerPhase = 1
	}
	return &Port{
		config: config,
		noise:  distuv.Normal{Mu: 0, Sigma: config.Noise, Src: rand.NewPCG(uint64(config.Seed), 0)},
		sleep:  time.Sleep,
	}
}

// NextFrame builds the next frame in the sequence.
func (p *Port) NextFrame() frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextFrameLocked()
}

func (p *Port) nextFrameLocked() frame.Frame {
	phase := frame.PhaseA
	if (p.emitted/p.config.FramesPerPhase)%2 == 1 {
		phase = frame.PhaseB
	}
	p.emitted++

	var f frame.Frame
	for i := range f {
		var ch [frame.ChannelsPerGroup]uint16
		for c, base := range p.config.Base {
			v := float64(base) + p.noise.Rand()
			if v < 0 {
				v = 0
			}
			if v > 0xFFFF {
				v = 0xFFFF
			}
			ch[c] = uint16(v)
		}
		f[i] = frame.GroupReading{
			GroupID: uint8(i + 1),
			Short:   ch[0],
			Long1:   ch[1],
			Long2:   ch[2],
			Phase:   phase,
		}
	}
	return f
}

func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	if len(p.pending) == 0 {
		if wait := p.config.FrameInterval - time.Since(p.last); p.config.FrameInterval > 0 && wait > 0 {
			p.mu.Unlock()
			p.sleep(wait)
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return 0, ErrClosed
			}
		}
		p.pending = frame.Encode(p.nextFrameLocked())
		p.last = time.Now()
	}

	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	return len(buf), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Port) SetReadTimeout(time.Duration) error {
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}
