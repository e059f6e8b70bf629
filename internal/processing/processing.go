package processing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

const DEFAULT_QUEUE_SIZE = 20

// Publisher receives every computed result. Fan-out to consumers is its job.
type Publisher interface {
	Publish(ConcentrationResult)
}

// Processor drains the frame queue into the pipeline. It is the only goroutine
// that touches the pipeline state.
type Processor struct {
	Filename     string
	MessageQueue <-chan []byte
	logger       *zap.Logger
	pipeline     *Pipeline
	resultStore  *ResultStore
	publisher    Publisher
}

func NewProcessor(filename string, messageQueue <-chan []byte, logger *zap.Logger, pipeline *Pipeline, resultStore *ResultStore, publisher Publisher) *Processor {
	return &Processor{
		Filename:     filename,
		MessageQueue: messageQueue,
		logger:       logger,
		pipeline:     pipeline,
		resultStore:  resultStore,
		publisher:    publisher,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	outStream := io.Discard
	if p.Filename != "" {
		file, err := os.OpenFile(p.Filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			p.logger.Error("[processor] error opening a file", zap.Error(err), zap.String("outputFile", p.Filename))
			return err
		}
		defer file.Close()

		writer := bufio.NewWriter(file)
		defer writer.Flush()
		outStream = writer
	}

	for {
		select {
		case packet, ok := <-p.MessageQueue:
			if !ok {
				p.logger.Info("[processor] message queue closed", zap.String("outputFile", p.Filename))
				return nil
			}

			if err := p.ProcessPacket(packet, outStream); err != nil {
				p.logError(err, packet)
			}
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal", zap.String("outputFile", p.Filename))
			return nil
		}
	}
}

// ProcessPacket decodes one frame, appends it to the raw capture and advances
// the pipeline, publishing any result it produces.
func (p *Processor) ProcessPacket(packet []byte, outStream io.Writer) error {
	decoded, err := frame.Decode(packet)
	if err != nil {
		p.pipeline.rejectFrame()
		return err
	}

	fmt.Fprint(outStream, FormatRawLine(time.Now(), decoded))

	result, ok, err := p.pipeline.SubmitDecoded(decoded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.resultStore.UpdateResultStore(result)
	if p.publisher != nil {
		p.publisher.Publish(result)
	}
	p.logger.Debug("[processor] concentration result", zap.Uint64("cycle", result.Cycle))
	return nil
}

func (p *Processor) logError(err error, packet []byte) {
	var (
		lengthErr    *frame.FrameLengthError
		mixedErr     *MixedPhaseError
		mismatchErr  *GroupMismatchError
		nonFiniteErr *NonFiniteResultError
	)
	switch {
	case errors.As(err, &lengthErr):
		p.logger.Warn("[processor] discarding frame of wrong length", zap.Error(err), zap.Int("packetLength", len(packet)))
	case errors.As(err, &mixedErr):
		p.logger.Warn("[processor] discarding frame with mixed phase tags", zap.Error(err), zap.Binary("rawBytes", packet))
	case errors.As(err, &mismatchErr):
		p.logger.Warn("[processor] could not pair phases this cycle", zap.Error(err))
	case errors.As(err, &nonFiniteErr):
		p.logger.Warn("[processor] discarding non-finite result", zap.Error(err), zap.String("stage", nonFiniteErr.Stage))
	default:
		p.logger.Warn("[processor] error processing frame", zap.Error(err), zap.Int("packetLength", len(packet)))
	}
}

// FormatRawLine renders a frame as one CSV row:
// unix nanos, phase, then id,short,long1,long2 for each group.
func FormatRawLine(ts time.Time, f frame.Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d,%d", ts.UnixNano(), uint8(f.Phase()))
	for _, g := range f {
		fmt.Fprintf(&sb, ",%d,%d,%d,%d", g.GroupID, g.Short, g.Long1, g.Long2)
	}
	sb.WriteByte('\n')
	return sb.String()
}
