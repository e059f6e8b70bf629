// r in rserial stands for "robust"
package rserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

// Port is the part of a serial port the reader needs. go.bug.st/serial ports
// satisfy it, as do the simulator and test fakes.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type rserial struct {
	Port
	MessageQueue  chan<- []byte // channels are all implicitly passed as pointers
	tempBuff      []byte
	logger        *zap.Logger
	portName      string
	rawPacketSize int
	readTimeout   time.Duration
	maxResync     int
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] frame does not end its group blocks with phase tags: %v", e.ByteSequence)
}

// Open opens a real serial port with the given baud rate.
func Open(portName string, baudrate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("[rserial] opening %s: %w", portName, err)
	}
	return port, nil
}

func NewRSerial(port Port, portName string, readTimeout time.Duration, messageQueue chan<- []byte, logger *zap.Logger) *rserial {
	return &rserial{
		Port:          port,
		MessageQueue:  messageQueue,
		tempBuff:      make([]byte, frame.FrameSize),
		logger:        logger,
		portName:      portName,
		rawPacketSize: frame.FrameSize,
		readTimeout:   readTimeout,
		maxResync:     4 * frame.FrameSize,
	}
}

func (r *rserial) initialize() {
	if err := r.SetReadTimeout(r.readTimeout); err != nil {
		r.logger.Warn("[rserial] could not set read timeout", zap.Error(err), zap.String("portName", r.portName))
	}
	if err := r.ResetInputBuffer(); err != nil {
		r.logger.Warn("[rserial] could not reset input buffer", zap.Error(err), zap.String("portName", r.portName))
	}
}

// Run reads frames until ctx is cancelled or the port hits EOF, then closes
// the message queue.
func (r *rserial) Run(ctx context.Context) {
	r.initialize()
	defer close(r.MessageQueue)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return
		default:
		}

		packet, err := r.ReadPacket(ctx)
		if err != nil {
			var oosError *OutOfSyncError
			switch {
			case errors.Is(err, context.Canceled):
				continue
			case errors.Is(err, io.EOF):
				r.logger.Info("[rserial] port reached end of stream", zap.String("portName", r.portName))
				return
			case errors.As(err, &oosError):
				r.logger.Warn("Error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName), zap.Binary("payload", oosError.ByteSequence))
				if syncErr := r.sync(ctx); syncErr != nil {
					r.logger.Warn("Error while resyncing serial port", zap.Error(syncErr), zap.String("portName", r.portName))
				}
			default:
				r.logger.Warn("Error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName))
			}
			continue
		}

		select {
		case r.MessageQueue <- packet:
		case <-ctx.Done():
		}
	}
}

// ReadPacket reads one full frame. The returned slice is a fresh copy that the
// consumer owns.
func (r *rserial) ReadPacket(ctx context.Context) ([]byte, error) {
	if err := r.fill(ctx, r.tempBuff); err != nil {
		return nil, err
	}

	packet := make([]byte, r.rawPacketSize)
	copy(packet, r.tempBuff)

	if !frame.Aligned(packet) {
		return nil, &OutOfSyncError{ByteSequence: packet}
	}
	return packet, nil
}

// fill reads until buf is full. A read timeout shows up as a zero-length read.
func (r *rserial) fill(ctx context.Context, buf []byte) error {
	count := 0
	for count < len(buf) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(buf[count:])
		if err != nil {
			return err
		}
		count += n
	}
	return nil
}

// sync slides a frame-sized window over the stream one byte at a time until
// it lines up with a frame boundary. The aligned frame is left in tempBuff and
// dropped; the next ReadPacket starts on the following frame.
func (r *rserial) sync(ctx context.Context) error {
	r.logger.Warn("Resyncing serial port", zap.String("portName", r.portName))
	onebyte := make([]byte, 1)

	for shifted := 0; shifted < r.maxResync; shifted++ {
		if frame.Aligned(r.tempBuff) {
			r.logger.Info("[rserial] resynchronized", zap.String("portName", r.portName), zap.Int("bytesSkipped", shifted))
			return nil
		}
		if err := r.fill(ctx, onebyte); err != nil {
			return err
		}
		copy(r.tempBuff, r.tempBuff[1:])
		r.tempBuff[r.rawPacketSize-1] = onebyte[0]
	}
	return fmt.Errorf("[rserial] no frame boundary found within %d bytes", r.maxResync)
}
