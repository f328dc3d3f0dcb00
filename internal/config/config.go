// Package config loads and validates the line configuration. Every buffer size
// in the pipeline is derived from a validated Config, once, at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// DefaultConfigPath is the file read by the CLI when -config is not given.
const DefaultConfigPath = "sortline.yml"

// EnvPrefix marks environment variables that override file values.
// SORTLINE_DETECTOR__MASK_TIMEOUT=5s sets detector.mask_timeout.
const EnvPrefix = "SORTLINE_"

// Detector desynchronisation policies.
const (
	PolicyFatal = "fatal"
	PolicyRetry = "retry"
)

// Actuator transports.
const (
	TransportNone   = "none"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Config is the root configuration of the sorting line.
type Config struct {
	Listen string `koanf:"listen" yaml:"listen" json:"listen"`
	DBPath string `koanf:"db_path" yaml:"db_path" json:"db_path"`

	Spectral    SpectralConfig    `koanf:"spectral" yaml:"spectral" json:"spectral"`
	RGB         RGBConfig         `koanf:"rgb" yaml:"rgb" json:"rgb"`
	Calibration CalibrationConfig `koanf:"calibration" yaml:"calibration" json:"calibration"`
	Detector    DetectorConfig    `koanf:"detector" yaml:"detector" json:"detector"`
	Valve       ValveConfig       `koanf:"valve" yaml:"valve" json:"valve"`
	Ring        RingConfig        `koanf:"ring" yaml:"ring" json:"ring"`
	Actuator    ActuatorConfig    `koanf:"actuator" yaml:"actuator" json:"actuator"`
	Preview     PreviewConfig     `koanf:"preview" yaml:"preview" json:"preview"`
	Lifecycle   LifecycleConfig   `koanf:"lifecycle" yaml:"lifecycle" json:"lifecycle"`
}

// SpectralConfig sizes the hyperspectral sensor and its composite frame.
type SpectralConfig struct {
	Driver          string  `koanf:"driver" yaml:"driver" json:"driver"`
	Device          string  `koanf:"device" yaml:"device" json:"device"`
	Width           int     `koanf:"width" yaml:"width" json:"width"`
	Bands           int     `koanf:"bands" yaml:"bands" json:"bands"`
	Rows            int     `koanf:"rows" yaml:"rows" json:"rows"`
	ValidBands      []int   `koanf:"valid_bands" yaml:"valid_bands" json:"valid_bands"`
	MonitorBands    []int   `koanf:"monitor_bands" yaml:"monitor_bands" json:"monitor_bands"`
	RetrieveTimeout string  `koanf:"retrieve_timeout" yaml:"retrieve_timeout" json:"retrieve_timeout"`
	BufferCount     int     `koanf:"buffer_count" yaml:"buffer_count" json:"buffer_count"`
	CPUCore         int     `koanf:"cpu_core" yaml:"cpu_core" json:"cpu_core"`
	TriggerSource   string  `koanf:"trigger_source" yaml:"trigger_source" json:"trigger_source"`
	ExposureUS      float64 `koanf:"exposure_us" yaml:"exposure_us" json:"exposure_us"`
}

// RGBConfig sizes the RGB sensor frame.
type RGBConfig struct {
	Driver          string `koanf:"driver" yaml:"driver" json:"driver"`
	Device          string `koanf:"device" yaml:"device" json:"device"`
	Width           int    `koanf:"width" yaml:"width" json:"width"`
	Height          int    `koanf:"height" yaml:"height" json:"height"`
	RetrieveTimeout string `koanf:"retrieve_timeout" yaml:"retrieve_timeout" json:"retrieve_timeout"`
	BufferCount     int    `koanf:"buffer_count" yaml:"buffer_count" json:"buffer_count"`
	CPUCore         int    `koanf:"cpu_core" yaml:"cpu_core" json:"cpu_core"`
	TriggerSource   string `koanf:"trigger_source" yaml:"trigger_source" json:"trigger_source"`
}

// CalibrationConfig controls reference capture.
type CalibrationConfig struct {
	Frames    int     `koanf:"frames" yaml:"frames" json:"frames"`
	Dir       string  `koanf:"dir" yaml:"dir" json:"dir"`
	Epsilon   float64 `koanf:"epsilon" yaml:"epsilon" json:"epsilon"`
	FrameRate float64 `koanf:"frame_rate" yaml:"frame_rate" json:"frame_rate"`
}

// DetectorConfig describes the byte channels to the external detector.
type DetectorConfig struct {
	SpectralFIFO      string `koanf:"spectral_fifo" yaml:"spectral_fifo" json:"spectral_fifo"`
	RGBFIFO           string `koanf:"rgb_fifo" yaml:"rgb_fifo" json:"rgb_fifo"`
	MaskFIFO          string `koanf:"mask_fifo" yaml:"mask_fifo" json:"mask_fifo"`
	SpectralHandshake int    `koanf:"spectral_handshake" yaml:"spectral_handshake" json:"spectral_handshake"`
	RGBHandshake      int    `koanf:"rgb_handshake" yaml:"rgb_handshake" json:"rgb_handshake"`
	MaskTimeout       string `koanf:"mask_timeout" yaml:"mask_timeout" json:"mask_timeout"`
	AttachTimeout     string `koanf:"attach_timeout" yaml:"attach_timeout" json:"attach_timeout"`
	Policy            string `koanf:"policy" yaml:"policy" json:"policy"`
	SaveDir           string `koanf:"save_dir" yaml:"save_dir" json:"save_dir"`
	SaveEnabled       bool   `koanf:"save_enabled" yaml:"save_enabled" json:"save_enabled"`
}

// ValveConfig maps mask columns to valve channels.
type ValveConfig struct {
	Channels       int `koanf:"channels" yaml:"channels" json:"channels"`
	PixelsPerValve int `koanf:"pixels_per_valve" yaml:"pixels_per_valve" json:"pixels_per_valve"`
	Padding        int `koanf:"padding" yaml:"padding" json:"padding"`
}

// RingConfig sizes the rolling save window.
type RingConfig struct {
	Depth int    `koanf:"depth" yaml:"depth" json:"depth"`
	Dir   string `koanf:"dir" yaml:"dir" json:"dir"`
}

// ActuatorConfig selects and parameterises the valve controller link.
type ActuatorConfig struct {
	Transport      string `koanf:"transport" yaml:"transport" json:"transport"`
	Address        string `koanf:"address" yaml:"address" json:"address"`
	SerialPort     string `koanf:"serial_port" yaml:"serial_port" json:"serial_port"`
	BaudRate       int    `koanf:"baud_rate" yaml:"baud_rate" json:"baud_rate"`
	DataBits       int    `koanf:"data_bits" yaml:"data_bits" json:"data_bits"`
	StopBits       int    `koanf:"stop_bits" yaml:"stop_bits" json:"stop_bits"`
	Parity         string `koanf:"parity" yaml:"parity" json:"parity"`
	Checksum       string `koanf:"checksum" yaml:"checksum" json:"checksum"`
	QueueDepth     int    `koanf:"queue_depth" yaml:"queue_depth" json:"queue_depth"`
	Delay          int    `koanf:"delay" yaml:"delay" json:"delay"`
	EncoderDivisor int    `koanf:"encoder_divisor" yaml:"encoder_divisor" json:"encoder_divisor"`
	ValveDivisor   int    `koanf:"valve_divisor" yaml:"valve_divisor" json:"valve_divisor"`
}

// PreviewConfig limits how often previews are republished.
type PreviewConfig struct {
	MaxRate float64 `koanf:"max_rate" yaml:"max_rate" json:"max_rate"`
}

// LifecycleConfig controls the active-time counter.
type LifecycleConfig struct {
	CheckpointInterval string `koanf:"checkpoint_interval" yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// Default returns the configuration of the production line.
func Default() *Config {
	valid := make([]int, 0, 22)
	for b := 10; b <= 220; b += 10 {
		valid = append(valid, b)
	}
	return &Config{
		Listen: ":8080",
		DBPath: "sortline.db",
		Spectral: SpectralConfig{
			Driver:          "sim",
			Width:           1024,
			Bands:           256,
			Rows:            256,
			ValidBands:      valid,
			MonitorBands:    []int{120, 80, 40},
			RetrieveTimeout: "1000ms",
			BufferCount:     64,
			CPUCore:         7,
			TriggerSource:   "Line0",
			ExposureUS:      2000,
		},
		RGB: RGBConfig{
			Driver:          "sim",
			Width:           4096,
			Height:          1024,
			RetrieveTimeout: "1000ms",
			BufferCount:     64,
			CPUCore:         6,
			TriggerSource:   "Line2",
		},
		Calibration: CalibrationConfig{
			Frames:    35,
			Dir:       "calibration",
			Epsilon:   1e-8,
			FrameRate: 100,
		},
		Detector: DetectorConfig{
			SpectralFIFO:  "/tmp/dkimg.fifo",
			RGBFIFO:       "/tmp/dkrgb.fifo",
			MaskFIFO:      "/tmp/dkmask.fifo",
			MaskTimeout:   "0s",
			AttachTimeout: "0s",
			Policy:        PolicyFatal,
			SaveDir:       "saved_img",
		},
		Valve: ValveConfig{
			Channels:       256,
			PixelsPerValve: 4,
			Padding:        3,
		},
		Ring: RingConfig{
			Depth: 2,
			Dir:   "snapshots",
		},
		Actuator: ActuatorConfig{
			Transport:      TransportTCP,
			Address:        "192.168.2.10:13452",
			SerialPort:     "/dev/ttyUSB0",
			BaudRate:       115200,
			Checksum:       "none",
			QueueDepth:     4,
			Delay:          0,
			EncoderDivisor: 1,
			ValveDivisor:   1,
		},
		Preview: PreviewConfig{
			MaxRate: 5,
		},
		Lifecycle: LifecycleConfig{
			CheckpointInterval: "60s",
		},
	}
}

// Load builds a Config from defaults, the optional file at path and SORTLINE_
// environment overrides, then validates it. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		cleanPath := filepath.Clean(path)
		var parser koanf.Parser
		switch ext := filepath.Ext(cleanPath); ext {
		case ".json":
			parser = json.Parser()
		case ".yaml", ".yml":
			parser = yaml.Parser()
		default:
			return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
		}

		fileInfo, err := os.Stat(cleanPath)
		switch {
		case err == nil:
			const maxFileSize = 1 * 1024 * 1024 // 1MB
			if fileInfo.Size() > maxFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
			}
			if err := k.Load(file.Provider(cleanPath), parser); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
			// defaults and environment only
		default:
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every size, index and enumerated value.
func (c *Config) Validate() error {
	s := c.Spectral
	if s.Driver == "" || c.RGB.Driver == "" {
		return fmt.Errorf("spectral.driver and rgb.driver must be set")
	}
	if s.Width <= 0 {
		return fmt.Errorf("spectral.width must be positive, got %d", s.Width)
	}
	if s.Bands <= 0 {
		return fmt.Errorf("spectral.bands must be positive, got %d", s.Bands)
	}
	if s.Rows <= 0 {
		return fmt.Errorf("spectral.rows must be positive, got %d", s.Rows)
	}
	if len(s.ValidBands) == 0 {
		return fmt.Errorf("spectral.valid_bands must not be empty")
	}
	for _, b := range s.ValidBands {
		if b < 0 || b >= s.Bands {
			return fmt.Errorf("spectral.valid_bands entry %d outside [0, %d)", b, s.Bands)
		}
	}
	if len(s.MonitorBands) != 3 {
		return fmt.Errorf("spectral.monitor_bands must list exactly 3 bands (R, G, B), got %d", len(s.MonitorBands))
	}
	for _, b := range s.MonitorBands {
		if b < 0 || b >= s.Bands {
			return fmt.Errorf("spectral.monitor_bands entry %d outside [0, %d)", b, s.Bands)
		}
	}
	if s.BufferCount <= 0 {
		return fmt.Errorf("spectral.buffer_count must be positive, got %d", s.BufferCount)
	}
	if err := checkDuration("spectral.retrieve_timeout", s.RetrieveTimeout, false); err != nil {
		return err
	}

	if c.RGB.Width <= 0 || c.RGB.Height <= 0 {
		return fmt.Errorf("rgb.width and rgb.height must be positive, got %dx%d", c.RGB.Width, c.RGB.Height)
	}
	if c.RGB.BufferCount <= 0 {
		return fmt.Errorf("rgb.buffer_count must be positive, got %d", c.RGB.BufferCount)
	}
	if err := checkDuration("rgb.retrieve_timeout", c.RGB.RetrieveTimeout, false); err != nil {
		return err
	}

	if c.Calibration.Frames <= 0 {
		return fmt.Errorf("calibration.frames must be positive, got %d", c.Calibration.Frames)
	}
	if c.Calibration.Epsilon <= 0 {
		return fmt.Errorf("calibration.epsilon must be positive, got %g", c.Calibration.Epsilon)
	}

	d := c.Detector
	if d.SpectralFIFO == "" || d.RGBFIFO == "" || d.MaskFIFO == "" {
		return fmt.Errorf("detector fifo paths must all be set")
	}
	if d.SpectralHandshake < 0 || d.RGBHandshake < 0 {
		return fmt.Errorf("detector handshakes must be non-negative")
	}
	if err := checkDuration("detector.mask_timeout", d.MaskTimeout, true); err != nil {
		return err
	}
	if err := checkDuration("detector.attach_timeout", d.AttachTimeout, true); err != nil {
		return err
	}
	if d.Policy != PolicyFatal && d.Policy != PolicyRetry {
		return fmt.Errorf("detector.policy must be %q or %q, got %q", PolicyFatal, PolicyRetry, d.Policy)
	}

	if c.Valve.Channels <= 0 {
		return fmt.Errorf("valve.channels must be positive, got %d", c.Valve.Channels)
	}
	if c.Valve.PixelsPerValve <= 0 {
		return fmt.Errorf("valve.pixels_per_valve must be positive, got %d", c.Valve.PixelsPerValve)
	}
	if c.Valve.Padding < 1 {
		return fmt.Errorf("valve.padding must be at least 1, got %d", c.Valve.Padding)
	}

	if c.Ring.Depth <= 0 {
		return fmt.Errorf("ring.depth must be positive, got %d", c.Ring.Depth)
	}

	a := c.Actuator
	switch a.Transport {
	case TransportNone:
	case TransportTCP:
		if a.Address == "" {
			return fmt.Errorf("actuator.address is required for tcp transport")
		}
	case TransportSerial:
		if a.SerialPort == "" {
			return fmt.Errorf("actuator.serial_port is required for serial transport")
		}
	default:
		return fmt.Errorf("actuator.transport must be one of none, serial, tcp, got %q", a.Transport)
	}
	if a.Checksum != "none" && a.Checksum != "crc16" {
		return fmt.Errorf("actuator.checksum must be none or crc16, got %q", a.Checksum)
	}
	if a.QueueDepth <= 0 {
		return fmt.Errorf("actuator.queue_depth must be positive, got %d", a.QueueDepth)
	}

	if c.Preview.MaxRate < 0 {
		return fmt.Errorf("preview.max_rate must be non-negative, got %g", c.Preview.MaxRate)
	}
	if err := checkDuration("lifecycle.checkpoint_interval", c.Lifecycle.CheckpointInterval, true); err != nil {
		return err
	}
	return nil
}

func checkDuration(name, value string, zeroOK bool) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, value, err)
	}
	if d < 0 || (d == 0 && !zeroOK) {
		return fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return nil
}

// parseDuration returns the parsed value or def when value is empty or invalid.
func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetRetrieveTimeout returns the spectral buffer retrieve timeout.
func (s SpectralConfig) GetRetrieveTimeout() time.Duration {
	return parseDuration(s.RetrieveTimeout, time.Second)
}

// FrameSize is the byte size of one raw spectral frame (uint16 pixels).
func (s SpectralConfig) FrameSize() int { return s.Bands * s.Width * 2 }

// PayloadSize is the byte size of one band-selected composite (float32).
func (s SpectralConfig) PayloadSize() int { return s.Rows * len(s.ValidBands) * s.Width * 4 }

// MaskSize is the byte size of one defect mask.
func (s SpectralConfig) MaskSize() int { return s.Rows * s.Width }

// GetRetrieveTimeout returns the RGB buffer retrieve timeout.
func (r RGBConfig) GetRetrieveTimeout() time.Duration {
	return parseDuration(r.RetrieveTimeout, time.Second)
}

// FrameSize is the byte size of one RGB frame.
func (r RGBConfig) FrameSize() int { return r.Width * r.Height * 3 }

// GetMaskTimeout returns the mask read bound; zero means wait indefinitely.
func (d DetectorConfig) GetMaskTimeout() time.Duration {
	return parseDuration(d.MaskTimeout, 0)
}

// GetAttachTimeout returns how long to wait for the detector to open its end of
// the channels; zero means wait indefinitely.
func (d DetectorConfig) GetAttachTimeout() time.Duration {
	return parseDuration(d.AttachTimeout, 0)
}

// GetCheckpointInterval returns how often the active-time counter is flushed
// while running; zero disables periodic flushing.
func (l LifecycleConfig) GetCheckpointInterval() time.Duration {
	return parseDuration(l.CheckpointInterval, time.Minute)
}
