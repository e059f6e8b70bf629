package processing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const SamplingChannelName = "hemodynamics"

type sampler struct {
	samplingFrequency time.Duration
	conn              io.Writer
	storeToSampleFrom *ResultStore
	logger            *zap.Logger
	lastCycle         uint64
}

// NewSampler periodically forwards the newest result to conn (normally a UDP
// socket to telegraf) in influx line protocol.
func NewSampler(samplingFrequency time.Duration, conn io.Writer, store *ResultStore, logger *zap.Logger) *sampler {
	return &sampler{
		samplingFrequency: samplingFrequency,
		conn:              conn,
		storeToSampleFrom: store,
		logger:            logger,
	}
}

// FormatInfluxLine renders a result as a single influx line, one field per
// logical channel named {label}_{type}.
func FormatInfluxLine(result ConcentrationResult) string {
	var sb strings.Builder
	sb.WriteString(SamplingChannelName)
	sb.WriteByte(' ')
	for idx, row := range result.Table {
		if idx > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s_%s=%g", row.Label, row.Type, result.Values[idx])
	}
	fmt.Fprintf(&sb, ",cycle=%di %d\n", result.Cycle, result.Timestamp.UnixNano())
	return sb.String()
}

// SampleAndLog sends the newest result once. Results already sent are skipped
// so a stalled pipeline does not repeat stale points.
func (s *sampler) SampleAndLog() {
	result, ok := s.storeToSampleFrom.GetLatestResult()
	if !ok || result.Cycle == s.lastCycle {
		return
	}

	influxString := FormatInfluxLine(result)
	if err := s.sendToConn(influxString); err != nil {
		s.logger.Warn("[sampler] Error writing data to UDP connection", zap.Error(err))
		return
	}
	s.lastCycle = result.Cycle
	s.logger.Debug("[sampler] collected sample", zap.Uint64("cycle", result.Cycle))
}

func (s *sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SampleAndLog()
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return
		}
	}
}

func (s *sampler) sendToConn(formattedData string) error {
	totalWritten := 0
	for totalWritten < len(formattedData) {
		n, err := s.conn.Write([]byte(formattedData[totalWritten:]))
		if err != nil {
			return err
		}
		totalWritten += n
	}

	return nil
}
