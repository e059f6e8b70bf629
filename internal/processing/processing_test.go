package processing

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sleepywoodpecker/fnirs-goes-serial/internal/frame"
)

type recordingPublisher struct {
	mu      sync.Mutex
	results []ConcentrationResult
}

func (r *recordingPublisher) Publish(res ConcentrationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestProcessor(t *testing.T, filename string, queue <-chan []byte, logger *zap.Logger) (*Processor, *ResultStore, *recordingPublisher) {
	t.Helper()
	store := NewResultStore()
	pub := &recordingPublisher{}
	return NewProcessor(filename, queue, logger, newTestPipeline(t), store, pub), store, pub
}

func TestProcessPacketWritesRawLine(t *testing.T) {
	p, store, pub := newTestProcessor(t, "", nil, zap.NewNop())

	var out bytes.Buffer
	require.NoError(t, p.ProcessPacket(group0Frame(frame.PhaseA, 2400, 2500, 2600), &out))

	line := strings.TrimSpace(out.String())
	fields := strings.Split(line, ",")
	require.Len(t, fields, 2+frame.GroupCount*4)
	assert.Equal(t, "1", fields[1])
	assert.Equal(t, []string{"1", "2400", "2500", "2600"}, fields[2:6])

	_, ok := store.GetLatestResult()
	assert.False(t, ok)
	assert.Equal(t, 0, pub.count())
}

func TestProcessPacketPublishesResult(t *testing.T) {
	p, store, pub := newTestProcessor(t, "", nil, zap.NewNop())

	for _, raw := range [][]byte{
		group0Frame(frame.PhaseA, 2400, 2500, 2600),
		group0Frame(frame.PhaseB, 2390, 2490, 2590),
		group0Frame(frame.PhaseA, 2400, 2500, 2600),
	} {
		require.NoError(t, p.ProcessPacket(raw, &bytes.Buffer{}))
	}

	res, ok := store.GetLatestResult()
	require.True(t, ok)
	assert.Equal(t, uint64(1), res.Cycle)
	assert.Equal(t, 1, pub.count())
}

func TestProcessPacketLengthError(t *testing.T) {
	p, _, _ := newTestProcessor(t, "", nil, zap.NewNop())
	err := p.ProcessPacket(make([]byte, 10), &bytes.Buffer{})
	var lengthErr *frame.FrameLengthError
	assert.True(t, errors.As(err, &lengthErr))
	assert.Equal(t, uint64(1), p.pipeline.Stats().RejectedFrames)
	assert.Equal(t, uint64(0), p.pipeline.Stats().Frames)
}

func TestProcessorRunLogsAndContinues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	queue := make(chan []byte, 8)
	path := filepath.Join(t.TempDir(), "raw.csv")
	p, _, pub := newTestProcessor(t, path, queue, zap.New(core))

	queue <- make([]byte, 12)
	queue <- group0Frame(frame.PhaseA, 2400, 2500, 2600)
	queue <- group0Frame(frame.PhaseB, 2390, 2490, 2590)
	queue <- group0Frame(frame.PhaseA, 2400, 2500, 2600)
	close(queue)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 1, pub.count())
	assert.Equal(t, uint64(1), p.pipeline.Stats().RejectedFrames)
	warnings := logs.FilterMessage("[processor] discarding frame of wrong length").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(12), warnings[0].ContextMap()["packetLength"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	queue := make(chan []byte)
	p, _, _ := newTestProcessor(t, "", queue, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestFormatRawLine(t *testing.T) {
	var f frame.Frame
	for i := range f {
		f[i] = frame.GroupReading{GroupID: uint8(i), Short: 1, Long1: 2, Long2: 3, Phase: frame.PhaseB}
	}
	line := FormatRawLine(time.Unix(0, 42), f)
	assert.True(t, strings.HasPrefix(line, "42,2,0,1,2,3,1,1,2,3"))
	assert.True(t, strings.HasSuffix(line, ",7,1,2,3\n"))
}
