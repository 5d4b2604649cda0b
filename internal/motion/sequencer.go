package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
)

// Sequencer turns a scan config into stage targets. It is the single place a
// scan config is validated.
type Sequencer struct {
	Limits Limits
	// MaxScanDuration bounds the expected scan time; zero disables the check.
	MaxScanDuration time.Duration
	// SettleAllowance is the expected settle time added to every step when
	// estimating the scan duration.
	SettleAllowance time.Duration
}

// Validate checks cfg against the axis limits and the duration budget. All
// failures wrap scan.ErrInvalidGeometry.
func (s Sequencer) Validate(cfg scan.Config) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", scan.ErrInvalidGeometry, fmt.Sprintf(format, args...))
	}

	if cfg.Steps < 1 {
		return invalid("step count %d must be at least 1", cfg.Steps)
	}
	if !finite(cfg.Start) || !finite(cfg.End) {
		return invalid("start %v and end %v must be finite", cfg.Start, cfg.End)
	}
	if cfg.Steps == 1 && cfg.Start != cfg.End {
		return invalid("a single step needs start == end, got %g and %g", cfg.Start, cfg.End)
	}
	if s.Limits.Min > s.Limits.Max {
		return invalid("axis limits %v are inverted", s.Limits)
	}
	// Targets interpolate linearly, so the end points bound the whole range.
	for _, p := range []float64{cfg.Start, cfg.End} {
		if !s.Limits.Contains(p) {
			return invalid("position %g is outside the soft limits %v", p, s.Limits)
		}
	}
	home := s.HomePosition(cfg)
	if !finite(home) || !s.Limits.Contains(home) {
		return invalid("home position %g is outside the soft limits %v", home, s.Limits)
	}

	if cfg.Dwell < 0 {
		return invalid("dwell %v is negative", cfg.Dwell)
	}
	if cfg.IntegrationTime <= 0 {
		return invalid("integration time %v must be positive", cfg.IntegrationTime)
	}
	if s.MaxScanDuration > 0 {
		perStep := cfg.Dwell + cfg.IntegrationTime + s.SettleAllowance
		if expected := time.Duration(cfg.Steps) * perStep; expected > s.MaxScanDuration || expected/time.Duration(cfg.Steps) != perStep {
			return invalid("%d steps of %v exceed the maximum scan duration %v", cfg.Steps, perStep, s.MaxScanDuration)
		}
	}

	if len(cfg.Bands) > scan.MaxBands {
		return invalid("%d zoom bands requested, at most %d", len(cfg.Bands), scan.MaxBands)
	}
	for i, b := range cfg.Bands {
		if b.Bins < 1 {
			return invalid("zoom band %d needs at least one bin, got %d", i, b.Bins)
		}
		if !finite(b.Start) || !finite(b.End) || b.Start < 0 || !(b.End > b.Start) {
			return invalid("zoom band %d [%g, %g] must satisfy 0 <= start < end", i, b.Start, b.End)
		}
	}
	for i, v := range cfg.Background {
		if !finite(v) {
			return invalid("background sample %d is %v", i, v)
		}
	}
	if _, err := scan.ParseWindow(string(cfg.Processing.Window)); err != nil {
		return invalid("%v", err)
	}
	if _, err := scan.ParseInterpolation(string(cfg.Processing.Interpolation)); err != nil {
		return invalid("%v", err)
	}
	if cfg.Processing.FFTSize < 0 || cfg.Processing.MaxPeaks < 0 {
		return invalid("fft size and max peaks must not be negative")
	}
	return nil
}

// Plan validates cfg and returns cfg.Steps targets spaced linearly from
// Start to End inclusive.
func (s Sequencer) Plan(cfg scan.Config) ([]float64, error) {
	if err := s.Validate(cfg); err != nil {
		return nil, err
	}
	targets := make([]float64, cfg.Steps)
	if cfg.Steps == 1 {
		targets[0] = cfg.Start
		return targets, nil
	}
	last := float64(cfg.Steps - 1)
	for i := range targets {
		targets[i] = cfg.Start + (cfg.End-cfg.Start)*float64(i)/last
	}
	targets[cfg.Steps-1] = cfg.End
	return targets, nil
}

// HomePosition is where the stage is returned after every scan, whatever its
// outcome: the configured home, or the start position when none is set.
func (s Sequencer) HomePosition(cfg scan.Config) float64 {
	return cfg.HomeOr(cfg.Start)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
