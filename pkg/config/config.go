// Package config provides configuration loading and management for pulsepipe.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/codec"
	"pulsepipe/pkg/edges"
	"pulsepipe/pkg/source"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pipeline parameters
	Pipeline struct {
		// Pulses, Height and Width give the shape of generated frames
		Pulses int `yaml:"pulses"`
		Height int `yaml:"height"`
		Width  int `yaml:"width"`

		// Cadence is the delay after each frame delivered to the raw slot
		Cadence time.Duration `yaml:"cadence"`

		// DispatchCapacity is the size of the buffer in front of the responder
		DispatchCapacity int `yaml:"dispatchCapacity"`

		// Workers bounds the pulses processed in parallel
		Workers int `yaml:"workers"`

		// PollInterval is the idle backoff of the processor and bridge loops
		PollInterval time.Duration `yaml:"pollInterval"`

		// ShutdownTimeout bounds the join of each component on stop
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

		// StatusInterval is the period of the liveness report; 0 disables it
		StatusInterval time.Duration `yaml:"statusInterval"`

		// MirrorTimestamp copies each dispatched timestamp into the store
		MirrorTimestamp bool `yaml:"mirrorTimestamp"`

		// Compression of reply payloads: none, lz4 or zstd
		Compression string `yaml:"compression"`

		// DeadPixelFraction of generated pixels is NaN
		DeadPixelFraction float64 `yaml:"deadPixelFraction"`

		// Pattern of generated frames: rings, squares or mixed
		Pattern string `yaml:"pattern"`
	} `yaml:"pipeline"`

	// Responder endpoint
	Responder struct {
		Hostname string `yaml:"hostname"`
		Port     int    `yaml:"port"`
	} `yaml:"responder"`

	// Shared configuration store
	Store struct {
		// Kind is memory, sqlite or remote
		Kind string `yaml:"kind"`
		Host string `yaml:"host"`
		Port int    `yaml:"port"`

		// Path is the database file of the sqlite backend
		Path string `yaml:"path"`

		// ConnectAttempts and ConnectInterval govern the startup ping
		ConnectAttempts int           `yaml:"connectAttempts"`
		ConnectInterval time.Duration `yaml:"connectInterval"`
	} `yaml:"store"`

	// Azimuthal integration defaults, used for fields missing from the store
	Azimuthal struct {
		Energy    float64             `yaml:"energy"`
		PixelSize float64             `yaml:"pixelSize"`
		Distance  float64             `yaml:"distance"`
		CenterX   float64             `yaml:"centerX"`
		CenterY   float64             `yaml:"centerY"`
		Method    string              `yaml:"method"`
		Points    int                 `yaml:"points"`
		Range     azimuthal.Interval  `yaml:"range"`
		Threshold *azimuthal.Interval `yaml:"threshold,omitempty"`
	} `yaml:"azimuthal"`

	// Edge detection parameters
	Edges edges.Config `yaml:"edges"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.Pulses = 2
	cfg.Pipeline.Height = 128
	cfg.Pipeline.Width = 128
	cfg.Pipeline.Cadence = 100 * time.Millisecond
	cfg.Pipeline.DispatchCapacity = 1
	cfg.Pipeline.Workers = runtime.NumCPU()
	cfg.Pipeline.PollInterval = 200 * time.Microsecond
	cfg.Pipeline.ShutdownTimeout = 5 * time.Second
	cfg.Pipeline.StatusInterval = 10 * time.Second
	cfg.Pipeline.MirrorTimestamp = true
	cfg.Pipeline.Compression = codec.CompressionZstd.String()
	cfg.Pipeline.Pattern = string(source.PatternMixed)

	cfg.Responder.Hostname = "localhost"
	cfg.Responder.Port = 5555

	cfg.Store.Kind = StoreMemory
	cfg.Store.Host = "localhost"
	cfg.Store.Port = 6379
	cfg.Store.Path = "pulsepipe.db"
	cfg.Store.ConnectAttempts = 5
	cfg.Store.ConnectInterval = 2 * time.Second

	cfg.SetAzimuthal(azimuthal.DefaultParams())
	cfg.Edges = edges.DefaultConfig()

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Shape().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.Cadence < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cadence must not be negative"))
	}
	if c.Pipeline.DispatchCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.dispatchCapacity must be at least 1, got %d", c.Pipeline.DispatchCapacity))
	}
	if c.Pipeline.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.shutdownTimeout must be positive"))
	}
	if _, err := c.CompressionCodec(); err != nil {
		errs = append(errs, err)
	}
	if _, err := source.ParsePattern(c.Pipeline.Pattern); err != nil {
		errs = append(errs, err)
	}
	if c.Responder.Port < 0 || c.Responder.Port > 65535 {
		errs = append(errs, fmt.Errorf("responder.port %d out of range", c.Responder.Port))
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite store"))
		}
	case StoreRemote:
		if c.Store.Port <= 0 || c.Store.Port > 65535 {
			errs = append(errs, fmt.Errorf("store.port %d out of range", c.Store.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	if c.Store.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.connectAttempts must be at least 1, got %d", c.Store.ConnectAttempts))
	}
	if c.Store.ConnectInterval < 0 {
		errs = append(errs, fmt.Errorf("store.connectInterval must not be negative"))
	}

	if p, err := c.AzimuthalParams(); err != nil {
		errs = append(errs, err)
	} else if _, err := azimuthal.New(p); err != nil {
		errs = append(errs, err)
	}
	if err := c.Edges.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Shape returns the generated frame shape.
func (c *Config) Shape() source.Shape {
	return source.Shape{Pulses: c.Pipeline.Pulses, Height: c.Pipeline.Height, Width: c.Pipeline.Width}
}

// CompressionCodec parses Pipeline.Compression.
func (c *Config) CompressionCodec() (codec.Compression, error) {
	return codec.ParseCompression(c.Pipeline.Compression)
}

// AzimuthalParams converts the azimuthal section into integration defaults.
func (c *Config) AzimuthalParams() (azimuthal.Params, error) {
	a := c.Azimuthal
	method, err := azimuthal.ParseMethod(a.Method)
	if err != nil {
		return azimuthal.Params{}, fmt.Errorf("azimuthal.method: %w", err)
	}
	p := azimuthal.Params{
		Energy:    a.Energy,
		PixelSize: a.PixelSize,
		Distance:  a.Distance,
		CenterX:   a.CenterX,
		CenterY:   a.CenterY,
		Method:    method,
		Points:    a.Points,
		Range:     a.Range,
	}
	if a.Threshold != nil {
		th := *a.Threshold
		p.Threshold = &th
	}
	return p, nil
}

// SetAzimuthal replaces the azimuthal section with p. The user mask is not
// representable in the file and is ignored.
func (c *Config) SetAzimuthal(p azimuthal.Params) {
	a := &c.Azimuthal
	a.Energy = p.Energy
	a.PixelSize = p.PixelSize
	a.Distance = p.Distance
	a.CenterX = p.CenterX
	a.CenterY = p.CenterY
	a.Method = string(p.Method)
	a.Points = p.Points
	a.Range = p.Range
	a.Threshold = nil
	if p.Threshold != nil {
		th := *p.Threshold
		a.Threshold = &th
	}
}
