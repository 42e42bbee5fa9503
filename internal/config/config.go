package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides
// (PMTSCAN_DETECTOR_EXPOSURE_MS, PMTSCAN_SCAN_X_STEP, ...).
const EnvPrefix = "PMTSCAN"

// Config represents the complete pmtscan configuration
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Detector DetectorConfig `mapstructure:"detector"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Seek     SeekConfig     `mapstructure:"seek"`
	Fault    FaultConfig    `mapstructure:"fault"`
	Output   OutputConfig   `mapstructure:"output"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sim      SimConfig      `mapstructure:"sim"`
}

// DeviceConfig selects and tunes the stage/detector rig
type DeviceConfig struct {
	// Driver selects the rig implementation. Only "sim" ships with pmtscan;
	// hardware drivers register themselves under their own names.
	Driver string `mapstructure:"driver"`
	// XSerial and YSerial identify the stage controllers in logs and faults.
	XSerial string `mapstructure:"x_serial"`
	YSerial string `mapstructure:"y_serial"`
	// DetectorPort identifies the counter board in logs and faults.
	DetectorPort string `mapstructure:"detector_port"`
	// CallTimeoutMs bounds every single device call (move or measure).
	CallTimeoutMs int `mapstructure:"call_timeout_ms"`
}

// DetectorConfig controls photon counting at each cell
type DetectorConfig struct {
	// ExposureMs is the integration time of one sample in milliseconds
	ExposureMs float64 `mapstructure:"exposure_ms"`
	// Repeats is the number of samples averaged per cell
	Repeats int `mapstructure:"repeats"`
}

// AxisConfig describes one axis of the raster as start/stop/step
type AxisConfig struct {
	Start float64 `mapstructure:"start"`
	Stop  float64 `mapstructure:"stop"`
	Step  float64 `mapstructure:"step"`
}

// ScanConfig holds the default coarse raster
type ScanConfig struct {
	X AxisConfig `mapstructure:"x"`
	Y AxisConfig `mapstructure:"y"`
}

// SeekConfig controls the maximum-seek refinement
type SeekConfig struct {
	// Auto starts a refinement as soon as a coarse scan completes
	Auto bool `mapstructure:"auto"`
	// Radius is the half-width of the refinement window in position units
	Radius float64 `mapstructure:"radius"`
}

// FaultConfig controls how acquisition faults are handled
type FaultConfig struct {
	// Policy is one of "skip", "retry", "abort"
	Policy string `mapstructure:"policy"`
	// MaxRetries bounds the "retry" policy per cell
	MaxRetries int `mapstructure:"max_retries"`
}

// OutputConfig controls where scan data is written
type OutputConfig struct {
	// File is the CSV file for coarse scans; refinements go next to it
	File string `mapstructure:"file"`
	// WriteMeta writes a YAML sidecar next to every data file
	WriteMeta bool `mapstructure:"write_meta"`
	// RenderFormat is the heatmap format written after a session ("", "png", "svg")
	RenderFormat string `mapstructure:"render_format"`
}

// StreamConfig controls the websocket viewer endpoint
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// AllowedOrigins restricts browser origins; empty allows all
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MonitorConfig controls continuous detector readout
type MonitorConfig struct {
	// Window is the number of most recent counts kept
	Window int `mapstructure:"window"`
	// IntervalMs is the pause between probes
	IntervalMs int `mapstructure:"interval_ms"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled turns on file logging (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Dir is the log directory; empty means <output dir>/logs
	Dir string `mapstructure:"dir"`
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum size of a log file before rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// SimConfig tunes the simulated rig
type SimConfig struct {
	Seed int64 `mapstructure:"seed"`
	// PeakX and PeakY place the simulated fluorescence maximum
	PeakX float64 `mapstructure:"peak_x"`
	PeakY float64 `mapstructure:"peak_y"`
	// PeakRate and BackgroundRate are counts per millisecond of exposure
	PeakRate       float64 `mapstructure:"peak_rate"`
	BackgroundRate float64 `mapstructure:"background_rate"`
	// Sigma is the peak width in position units
	Sigma float64 `mapstructure:"sigma"`
	// Speed is stage travel speed in position units per second (0 = instant)
	Speed float64 `mapstructure:"speed"`
	// FaultRate is the probability that a readout drops samples
	FaultRate float64 `mapstructure:"fault_rate"`
	// RealTime makes the simulated detector sleep for the exposure
	RealTime bool `mapstructure:"real_time"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Driver:        "sim",
			CallTimeoutMs: 30000,
		},
		Detector: DetectorConfig{
			ExposureMs: 1,
			Repeats:    50,
		},
		Scan: ScanConfig{
			X: AxisConfig{Start: 0, Stop: 2, Step: 0.1},
			Y: AxisConfig{Start: 0, Stop: 2, Step: 0.1},
		},
		Seek: SeekConfig{
			Auto:   false,
			Radius: 1,
		},
		Fault: FaultConfig{
			Policy:     "skip",
			MaxRetries: 2,
		},
		Output: OutputConfig{
			File:      filepath.Join("data", "default.csv"),
			WriteMeta: true,
		},
		Stream: StreamConfig{
			Enabled:        false,
			Addr:           "127.0.0.1:8765",
			AllowedOrigins: []string{},
		},
		Monitor: MonitorConfig{
			Window:     50,
			IntervalMs: 0,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Sim: SimConfig{
			Seed:           1,
			PeakX:          1.2,
			PeakY:          0.7,
			PeakRate:       40,
			BackgroundRate: 2,
			Sigma:          0.3,
			Speed:          5,
			FaultRate:      0,
		},
	}
}

// CallTimeout returns the per-call device timeout as a time.Duration
func (c *DeviceConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// Interval returns the monitor probe interval as a time.Duration
func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Rotation returns the rotation settings for the log writer
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

// LogDir returns the effective log directory
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(filepath.Dir(c.Output.File), "logs")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Device defaults
	v.SetDefault("device.driver", defaults.Device.Driver)
	v.SetDefault("device.x_serial", defaults.Device.XSerial)
	v.SetDefault("device.y_serial", defaults.Device.YSerial)
	v.SetDefault("device.detector_port", defaults.Device.DetectorPort)
	v.SetDefault("device.call_timeout_ms", defaults.Device.CallTimeoutMs)

	// Detector defaults
	v.SetDefault("detector.exposure_ms", defaults.Detector.ExposureMs)
	v.SetDefault("detector.repeats", defaults.Detector.Repeats)

	// Scan defaults
	v.SetDefault("scan.x.start", defaults.Scan.X.Start)
	v.SetDefault("scan.x.stop", defaults.Scan.X.Stop)
	v.SetDefault("scan.x.step", defaults.Scan.X.Step)
	v.SetDefault("scan.y.start", defaults.Scan.Y.Start)
	v.SetDefault("scan.y.stop", defaults.Scan.Y.Stop)
	v.SetDefault("scan.y.step", defaults.Scan.Y.Step)

	// Seek defaults
	v.SetDefault("seek.auto", defaults.Seek.Auto)
	v.SetDefault("seek.radius", defaults.Seek.Radius)

	// Fault defaults
	v.SetDefault("fault.policy", defaults.Fault.Policy)
	v.SetDefault("fault.max_retries", defaults.Fault.MaxRetries)

	// Output defaults
	v.SetDefault("output.file", defaults.Output.File)
	v.SetDefault("output.write_meta", defaults.Output.WriteMeta)
	v.SetDefault("output.render_format", defaults.Output.RenderFormat)

	// Stream defaults
	v.SetDefault("stream.enabled", defaults.Stream.Enabled)
	v.SetDefault("stream.addr", defaults.Stream.Addr)
	v.SetDefault("stream.allowed_origins", defaults.Stream.AllowedOrigins)

	// Monitor defaults
	v.SetDefault("monitor.window", defaults.Monitor.Window)
	v.SetDefault("monitor.interval_ms", defaults.Monitor.IntervalMs)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Sim defaults
	v.SetDefault("sim.seed", defaults.Sim.Seed)
	v.SetDefault("sim.peak_x", defaults.Sim.PeakX)
	v.SetDefault("sim.peak_y", defaults.Sim.PeakY)
	v.SetDefault("sim.peak_rate", defaults.Sim.PeakRate)
	v.SetDefault("sim.background_rate", defaults.Sim.BackgroundRate)
	v.SetDefault("sim.sigma", defaults.Sim.Sigma)
	v.SetDefault("sim.speed", defaults.Sim.Speed)
	v.SetDefault("sim.fault_rate", defaults.Sim.FaultRate)
	v.SetDefault("sim.real_time", defaults.Sim.RealTime)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pmtscan")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pmtscan"
	}
	return filepath.Join(home, ".config", "pmtscan")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidFaultPolicies returns the accepted fault.policy values
func ValidFaultPolicies() []string {
	return []string{"skip", "retry", "abort"}
}

// ValidDrivers returns the rig drivers known to this build
func ValidDrivers() []string {
	return []string{"sim"}
}

// ValidRenderFormats returns the accepted output.render_format values
func ValidRenderFormats() []string {
	return []string{"", "png", "svg"}
}
