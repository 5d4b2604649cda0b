package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/motion"
	"github.com/banshee-data/octscan/internal/serialmux"
	"github.com/banshee-data/octscan/internal/spectrometer"
)

// DefaultConfigPath is the path to the canonical instrument defaults file.
const DefaultConfigPath = "config/octscan.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// InstrumentConfig is the bench configuration: how to reach the hardware and
// how long to wait for it. Omitted fields fall back to the Get* defaults.
type InstrumentConfig struct {
	// Stage controller. An empty serial_port selects the simulated stage.
	SerialPort      *string                `json:"serial_port,omitempty"`
	Serial          *serialmux.PortOptions `json:"serial,omitempty"`
	ResponseTimeout *string                `json:"response_timeout,omitempty"` // duration string like "2s"
	Axis            *int                   `json:"axis,omitempty"`
	Velocity        *float64               `json:"velocity,omitempty"`  // mm/s
	Tolerance       *float64               `json:"tolerance,omitempty"` // mm

	// Acquisition timing
	SettleTimeout   *string `json:"settle_timeout,omitempty"`
	ReadTimeout     *string `json:"read_timeout,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty"`
	MaxScanDuration *string `json:"max_scan_duration,omitempty"`
	SettleAllowance *string `json:"settle_allowance,omitempty"`

	// Spectrometer correction
	DarkOffset *bool    `json:"dark_offset,omitempty"`
	Gamma      *float64 `json:"gamma,omitempty"`

	ArchiveDir *string `json:"archive_dir,omitempty"`
	Listen     *string `json:"listen,omitempty"`
}

func ptrString(v string) *string { return &v }

// EmptyInstrumentConfig returns a config with every field unset.
func EmptyInstrumentConfig() *InstrumentConfig {
	return &InstrumentConfig{}
}

// LoadInstrumentConfig loads an InstrumentConfig from a JSON file with a
// .json extension no larger than 1MB.
func LoadInstrumentConfig(path string) (*InstrumentConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyInstrumentConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so it works from package tests. It panics on failure.
func MustLoadDefaultConfig() *InstrumentConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadInstrumentConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field.
func (c *InstrumentConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"response_timeout", c.ResponseTimeout},
		{"settle_timeout", c.SettleTimeout},
		{"read_timeout", c.ReadTimeout},
		{"poll_interval", c.PollInterval},
		{"max_scan_duration", c.MaxScanDuration},
		{"settle_allowance", c.SettleAllowance},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}
	if c.Axis != nil && (*c.Axis < 1 || *c.Axis > 3) {
		return fmt.Errorf("axis must be between 1 and 3, got %d", *c.Axis)
	}
	if c.Velocity != nil && *c.Velocity < 0 {
		return fmt.Errorf("velocity must be non-negative, got %f", *c.Velocity)
	}
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", *c.Tolerance)
	}
	if c.Gamma != nil && (*c.Gamma < spectrometer.MinGamma || *c.Gamma > spectrometer.MaxGamma) {
		return fmt.Errorf("gamma must be between %g and %g, got %f", spectrometer.MinGamma, spectrometer.MaxGamma, *c.Gamma)
	}
	return nil
}

// duration parses v, returning def when it is unset or unparseable.
func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSerialPort returns the serial device path; empty means simulated.
func (c *InstrumentConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return strings.TrimSpace(*c.SerialPort)
}

// Simulated reports whether no stage controller is configured.
func (c *InstrumentConfig) Simulated() bool {
	return c.GetSerialPort() == ""
}

// GetSerial returns the normalized serial options, 19200 8N1 by default.
func (c *InstrumentConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	n, err := opts.Normalize()
	if err != nil {
		n, _ = serialmux.PortOptions{}.Normalize()
	}
	return n
}

// GetResponseTimeout returns how long to wait for a controller reply.
func (c *InstrumentConfig) GetResponseTimeout() time.Duration {
	return duration(c.ResponseTimeout, serialmux.DefaultResponseTimeout)
}

// GetAxis returns the ESP301 axis number.
func (c *InstrumentConfig) GetAxis() int {
	if c.Axis == nil {
		return 1
	}
	return *c.Axis
}

// GetVelocity returns the stage velocity in mm/s; 0 keeps the controller's.
func (c *InstrumentConfig) GetVelocity() float64 {
	if c.Velocity == nil {
		return 0
	}
	return *c.Velocity
}

// GetTolerance returns the settle tolerance in mm.
func (c *InstrumentConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return motion.DefaultTolerance
	}
	return *c.Tolerance
}

func (c *InstrumentConfig) GetSettleTimeout() time.Duration {
	return duration(c.SettleTimeout, acquisition.DefaultSettleTimeout)
}

func (c *InstrumentConfig) GetReadTimeout() time.Duration {
	return duration(c.ReadTimeout, acquisition.DefaultReadTimeout)
}

func (c *InstrumentConfig) GetPollInterval() time.Duration {
	return duration(c.PollInterval, acquisition.DefaultPollInterval)
}

// GetMaxScanDuration returns the scan duration budget; 0 disables it.
func (c *InstrumentConfig) GetMaxScanDuration() time.Duration {
	return duration(c.MaxScanDuration, time.Hour)
}

func (c *InstrumentConfig) GetSettleAllowance() time.Duration {
	return duration(c.SettleAllowance, 250*time.Millisecond)
}

// GetCorrection returns the spectrometer correction, disabled by default.
func (c *InstrumentConfig) GetCorrection() spectrometer.Correction {
	var corr spectrometer.Correction
	if c.DarkOffset != nil {
		corr.DarkOffset = *c.DarkOffset
	}
	if c.Gamma != nil {
		corr.Gamma = *c.Gamma
	}
	return corr
}

// GetArchiveDir returns the directory scans are archived to.
func (c *InstrumentConfig) GetArchiveDir() string {
	if c.ArchiveDir == nil || *c.ArchiveDir == "" {
		return "scans"
	}
	return *c.ArchiveDir
}

// GetListen returns the control server's listen address.
func (c *InstrumentConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8090"
	}
	return *c.Listen
}

// ESP301Options returns the stage driver options.
func (c *InstrumentConfig) ESP301Options() motion.ESP301Options {
	return motion.ESP301Options{
		Axis:      c.GetAxis(),
		Tolerance: c.GetTolerance(),
		Velocity:  c.GetVelocity(),
	}
}

// AcquisitionOptions returns the orchestrator timing. Clock, observer, sink
// and instrument identity are left for the caller.
func (c *InstrumentConfig) AcquisitionOptions() acquisition.Options {
	return acquisition.Options{
		SettleTimeout:   c.GetSettleTimeout(),
		ReadTimeout:     c.GetReadTimeout(),
		PollInterval:    c.GetPollInterval(),
		MaxScanDuration: c.GetMaxScanDuration(),
		SettleAllowance: c.GetSettleAllowance(),
	}
}
