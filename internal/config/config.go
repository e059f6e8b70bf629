// Package config loads the acquisition settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sleepywoodpecker/fnirs-goes-serial/internal/optics"
	"sleepywoodpecker/fnirs-goes-serial/internal/processing"
)

const maxFileSize = 1 << 20

type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SerialConfig struct {
	Port               string `yaml:"port"`
	BaudRate           int    `yaml:"baud_rate"`
	ReadTimeout        string `yaml:"read_timeout"` // duration string like "5ms"
	MessageQueueLength int    `yaml:"message_queue_length"`
	Simulate           bool   `yaml:"simulate"`
	SimulatorSeed      int64  `yaml:"simulator_seed"`
}

type PipelineConfig struct {
	Age                float64   `yaml:"age"`
	SourceDetectorCm   float64   `yaml:"sd_distance"`
	Wavelengths        []float64 `yaml:"wavelengths"`
	ExtinctionTable    string    `yaml:"extinction_table"`
	ExtinctionFiles    []string  `yaml:"extinction_table_files"` // YAML coefficient tables, relative to the config file
	BufferDepth        int       `yaml:"buffer_depth"`
	BandLow            uint16    `yaml:"band_low"`
	BandHigh           uint16    `yaml:"band_high"`
	InversionReference uint16    `yaml:"inversion_reference"`
}

type OutputConfig struct {
	RawLogFile     string `yaml:"raw_log_file"`    // empty disables raw capture
	TelegrafAddr   string `yaml:"telegraf_addr"`   // empty disables the UDP sampler
	SampleInterval string `yaml:"sample_interval"` // duration string like "100ms"
	SQLitePath     string `yaml:"sqlite_path"`     // empty disables persistence
}

type LoggingConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

func Default() *Config {
	pipeline := processing.DefaultPipelineConfig()
	return &Config{
		Serial: SerialConfig{
			Port:               "/dev/ttyACM0",
			BaudRate:           115200,
			ReadTimeout:        "5ms",
			MessageQueueLength: processing.DEFAULT_QUEUE_SIZE,
			SimulatorSeed:      1,
		},
		Pipeline: PipelineConfig{
			Age:              pipeline.Age,
			SourceDetectorCm: pipeline.Distance,
			Wavelengths:      pipeline.Wavelengths[:],
			ExtinctionTable:  pipeline.ExtinctionTable,
			BufferDepth:      pipeline.BufferDepth,
			BandLow:          pipeline.Band.Low,
			BandHigh:         pipeline.Band.High,
		},
		Output: OutputConfig{
			RawLogFile:     "fnirs_raw.csv",
			TelegrafAddr:   "127.0.0.1:4020",
			SampleInterval: "100ms",
		},
		Logging: LoggingConfig{
			File:  "fnirs.logs",
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults, so a partial file only
// overrides what it names. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := registerTables(filepath.Dir(cleanPath), cfg.Pipeline.ExtinctionFiles); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// registerTables loads extra extinction tables so Validate can resolve them
// by name.
func registerTables(dir string, files []string) error {
	for _, file := range files {
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read extinction table: %w", err)
		}
		table, err := optics.ParseExtinctionTable(data)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if err := optics.RegisterExtinctionTable(table); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if !c.Serial.Simulate && c.Serial.Port == "" {
		errs = append(errs, errors.New("serial.port is required unless serial.simulate is set"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate))
	}
	if c.Serial.MessageQueueLength < 0 {
		errs = append(errs, fmt.Errorf("serial.message_queue_length must not be negative, got %d", c.Serial.MessageQueueLength))
	}
	if _, err := time.ParseDuration(c.Serial.ReadTimeout); err != nil {
		errs = append(errs, fmt.Errorf("serial.read_timeout: %w", err))
	}
	if d, err := time.ParseDuration(c.Output.SampleInterval); err != nil {
		errs = append(errs, fmt.Errorf("output.sample_interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("output.sample_interval must be positive, got %s", d))
	}

	p := c.Pipeline
	if len(p.Wavelengths) != optics.Wavelengths {
		errs = append(errs, fmt.Errorf("pipeline.wavelengths must list %d values, got %d", optics.Wavelengths, len(p.Wavelengths)))
	} else if _, err := optics.NewChannelTable(p.Age, p.SourceDetectorCm, [optics.Wavelengths]float64(p.Wavelengths), p.ExtinctionTable); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if p.BufferDepth < 2 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_depth must be at least 2, got %d", p.BufferDepth))
	}
	if p.BandLow >= p.BandHigh {
		errs = append(errs, fmt.Errorf("pipeline band is empty: low %d >= high %d", p.BandLow, p.BandHigh))
	}

	return errors.Join(errs...)
}

// PipelineConfig converts the validated YAML section into the processing form.
func (c *Config) PipelineConfig() processing.PipelineConfig {
	p := c.Pipeline
	out := processing.PipelineConfig{
		Age:                p.Age,
		Distance:           p.SourceDetectorCm,
		ExtinctionTable:    p.ExtinctionTable,
		BufferDepth:        p.BufferDepth,
		Band:               processing.AcceptanceBand{Low: p.BandLow, High: p.BandHigh},
		InversionReference: p.InversionReference,
	}
	copy(out.Wavelengths[:], p.Wavelengths)
	return out
}

// ReadTimeout and SampleInterval assume Validate has passed.
func (c *Config) ReadTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Serial.ReadTimeout)
	return d
}

func (c *Config) SampleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Output.SampleInterval)
	return d
}
