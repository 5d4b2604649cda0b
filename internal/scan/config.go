// Package scan holds the data model shared by the acquisition pipeline: the
// validated scan configuration, raw spectra, depth profiles, the warning log
// and the error taxonomy used across packages.
package scan

import (
	"fmt"
	"strings"
	"time"
)

// Window selects the apodization applied across wavelength samples.
type Window string

const (
	WindowRectangular    Window = "rectangular"
	WindowHann           Window = "hann"
	WindowHamming        Window = "hamming"
	WindowBlackman       Window = "blackman"
	WindowBlackmanHarris Window = "blackman-harris"
)

// ParseWindow maps a user supplied name onto a Window. The empty string
// selects Hann.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case "":
		return WindowHann, nil
	case "none", "rect":
		return WindowRectangular, nil
	case WindowRectangular, WindowHann, WindowHamming, WindowBlackman, WindowBlackmanHarris:
		return w, nil
	default:
		return "", fmt.Errorf("unknown window %q", s)
	}
}

// Interpolation selects how spectra are resampled onto the wavenumber grid.
type Interpolation string

const (
	InterpLinear Interpolation = "linear"
	InterpCubic  Interpolation = "cubic"
)

// ParseInterpolation maps a user supplied name onto an Interpolation. The
// empty string selects cubic, matching the instrument's historical default.
func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(strings.ToLower(strings.TrimSpace(s))); i {
	case "":
		return InterpCubic, nil
	case InterpLinear, InterpCubic:
		return i, nil
	default:
		return "", fmt.Errorf("unknown interpolation %q", s)
	}
}

// A scan evaluates at most MaxBands zoom bands, each reporting up to
// PeaksPerBand peaks.
const (
	MaxBands     = 5
	PeaksPerBand = 3
)

// Band is a depth sub-band evaluated with the chirp-z transform. Depths are
// optical path differences in metres.
type Band struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Bins  int     `json:"bins"`
}

// Processing controls the spectral transform applied to each step.
type Processing struct {
	Window        Window        `json:"window"`
	Interpolation Interpolation `json:"interpolation"`
	// Deferred postpones every transform to a single pass at finalize.
	Deferred bool `json:"deferred,omitempty"`
	// FFTSize zero-pads the resampled spectrum; 0 uses the calibration length.
	FFTSize int `json:"fft_size,omitempty"`
	// MaxPeaks bounds the peaks reported per profile; 0 disables detection.
	MaxPeaks int `json:"max_peaks,omitempty"`
}

// Config describes one scan. It is built once per request, validated by the
// motion sequencer and never mutated afterwards.
type Config struct {
	Label           string        `json:"label,omitempty"`
	Start           float64       `json:"start"`
	End             float64       `json:"end"`
	Steps           int           `json:"steps"`
	Dwell           time.Duration `json:"dwell"`
	IntegrationTime time.Duration `json:"integration_time"`
	// Home is the abort-safety position. Nil means Start.
	Home       *float64   `json:"home,omitempty"`
	Bands      []Band     `json:"bands,omitempty"`
	Background []float64  `json:"background,omitempty"`
	Processing Processing `json:"processing"`
}

// HomeOr returns the configured home position, or fallback when none is set.
func (c Config) HomeOr(fallback float64) float64 {
	if c.Home != nil {
		return *c.Home
	}
	return fallback
}

// Clone returns a deep copy so callers can hand the config to another owner.
func (c Config) Clone() Config {
	out := c
	if c.Home != nil {
		h := *c.Home
		out.Home = &h
	}
	if c.Bands != nil {
		out.Bands = append([]Band(nil), c.Bands...)
	}
	if c.Background != nil {
		out.Background = append([]float64(nil), c.Background...)
	}
	return out
}
