package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/fnirs-goes-serial/internal/config"
	"sleepywoodpecker/fnirs-goes-serial/internal/hub"
	"sleepywoodpecker/fnirs-goes-serial/internal/logger"
	"sleepywoodpecker/fnirs-goes-serial/internal/processing"
	rserial "sleepywoodpecker/fnirs-goes-serial/internal/rSerial"
	"sleepywoodpecker/fnirs-goes-serial/internal/simulator"
	"sleepywoodpecker/fnirs-goes-serial/internal/storage"
)

const SIMULATED_PORT_NAME = "simulator"
const SHUTDOWN_GRACE_PERIOD = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults are used when empty)")
	simulate := flag.Bool("simulate", false, "read frames from the built-in simulator instead of a serial port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *simulate {
		cfg.Serial.Simulate = true
	}

	// context handler for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// first initialize the main logger
	logger, err := logger.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	pipeline, err := processing.NewPipeline(cfg.PipelineConfig())
	if err != nil {
		logger.Fatal("[main] invalid pipeline configuration", zap.Error(err))
	}
	logger.Info("[main] pipeline ready",
		zap.String("extinctionTable", pipeline.Channels().Table),
		zap.Int("bufferDepth", pipeline.Buffer().Depth()),
		zap.Float64s("wavelengths", cfg.Pipeline.Wavelengths))

	// open the frame source
	var port rserial.Port
	portName := cfg.Serial.Port
	if cfg.Serial.Simulate {
		simConfig := simulator.DefaultConfig()
		simConfig.Seed = cfg.Serial.SimulatorSeed
		port = simulator.NewPort(simConfig)
		portName = SIMULATED_PORT_NAME
	} else {
		port, err = rserial.Open(cfg.Serial.Port, cfg.Serial.BaudRate)
		if err != nil {
			logger.Fatal("[main] could not open serial port", zap.Error(err), zap.String("portName", cfg.Serial.Port))
		}
	}
	defer port.Close()

	// results fan out to the sqlite sink and anyone else who subscribes
	results := hub.New[processing.ConcentrationResult](hub.DEFAULT_SUBSCRIBER_BUFFER)
	defer results.Close()

	done := make(chan struct{})
	sinks := 0
	if cfg.Output.SQLitePath != "" {
		db, err := storage.NewDB(cfg.Output.SQLitePath)
		if err != nil {
			logger.Fatal("[main] could not open result database", zap.Error(err), zap.String("path", cfg.Output.SQLitePath))
		}
		defer db.Close()
		logger.Info("[main] storing results", zap.String("path", cfg.Output.SQLitePath), zap.String("session", db.SessionID))

		id, ch := results.Subscribe()
		defer results.Unsubscribe(id)
		sinks++
		go func() {
			db.Run(ctx, ch, logger)
			done <- struct{}{}
		}()
	}

	resultStore := processing.NewResultStore()
	messageQueue := make(chan []byte, cfg.Serial.MessageQueueLength)
	serialReader := rserial.NewRSerial(port, portName, cfg.ReadTimeout(), messageQueue, logger)
	processor := processing.NewProcessor(cfg.Output.RawLogFile, messageQueue, logger, pipeline, resultStore, results)

	// initialize UDP connection to telegraf
	if cfg.Output.TelegrafAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Output.TelegrafAddr)
		if err != nil {
			logger.Fatal("[main] could not resolve telegraf address", zap.Error(err), zap.String("addr", cfg.Output.TelegrafAddr))
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			logger.Fatal("[main] could not dial telegraf", zap.Error(err), zap.String("addr", cfg.Output.TelegrafAddr))
		}
		defer udpConn.Close()

		sampler := processing.NewSampler(cfg.SampleInterval(), udpConn, resultStore, logger)
		go sampler.Run(ctx)
	}

	// run everything
	go serialReader.Run(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Run(ctx); err != nil {
			logger.Error("[main] processor stopped", zap.Error(err))
			cancel()
		}
	}()

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	cancel()

	timeout := time.After(SHUTDOWN_GRACE_PERIOD)
	for ; sinks > 0; sinks-- {
		select {
		case <-done:
		case <-timeout:
			sinks = 0
		}
	}

	select {
	case <-processorDone:
	case <-timeout:
		logger.Warn("[main] processor did not stop in time")
		return
	}

	stats := pipeline.Stats()
	logger.Info("[main] shut down",
		zap.Uint64("frames", stats.Frames),
		zap.Uint64("rejectedFrames", stats.RejectedFrames),
		zap.Uint64("results", stats.Results),
		zap.Uint64("failedCycles", stats.FailedCycles),
		zap.Uint64("droppedBroadcasts", results.Dropped()))
}
