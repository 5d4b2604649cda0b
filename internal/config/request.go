package config

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
)

// ScanRequest is the JSON form of a scan, as posted to the control server
// or read by the scan command. Durations are strings like "20ms".
type ScanRequest struct {
	Label           string      `json:"label,omitempty"`
	Start           float64     `json:"start"`
	End             float64     `json:"end"`
	Steps           int         `json:"steps"`
	Dwell           string      `json:"dwell,omitempty"`
	IntegrationTime string      `json:"integration_time"`
	Home            *float64    `json:"home,omitempty"`
	Bands           []scan.Band `json:"bands,omitempty"`
	Background      []float64   `json:"background,omitempty"`

	Window        string `json:"window,omitempty"`
	Interpolation string `json:"interpolation,omitempty"`
	Deferred      bool   `json:"deferred,omitempty"`
	FFTSize       int    `json:"fft_size,omitempty"`
	MaxPeaks      *int   `json:"max_peaks,omitempty"`
}

// DefaultMaxPeaks is used when a request does not set max_peaks.
const DefaultMaxPeaks = 5

// DecodeScanRequest reads one request, rejecting unknown fields.
func DecodeScanRequest(r io.Reader) (ScanRequest, error) {
	var req ScanRequest
	dec := json.NewDecoder(io.LimitReader(r, maxFileSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return ScanRequest{}, fmt.Errorf("%w: %v", scan.ErrInvalidGeometry, err)
	}
	return req, nil
}

// ToConfig converts the request into a scan config. Only syntax is checked
// here; geometry is validated by the motion sequencer.
func (r ScanRequest) ToConfig() (scan.Config, error) {
	invalid := func(format string, args ...any) (scan.Config, error) {
		return scan.Config{}, fmt.Errorf("%w: %s", scan.ErrInvalidGeometry, fmt.Sprintf(format, args...))
	}

	var dwell time.Duration
	if r.Dwell != "" {
		d, err := time.ParseDuration(r.Dwell)
		if err != nil {
			return invalid("dwell %q: %v", r.Dwell, err)
		}
		dwell = d
	}
	integration, err := time.ParseDuration(r.IntegrationTime)
	if err != nil {
		return invalid("integration_time %q: %v", r.IntegrationTime, err)
	}
	window, err := scan.ParseWindow(r.Window)
	if err != nil {
		return invalid("%v", err)
	}
	interp, err := scan.ParseInterpolation(r.Interpolation)
	if err != nil {
		return invalid("%v", err)
	}
	maxPeaks := DefaultMaxPeaks
	if r.MaxPeaks != nil {
		maxPeaks = *r.MaxPeaks
	}

	cfg := scan.Config{
		Label:           r.Label,
		Start:           r.Start,
		End:             r.End,
		Steps:           r.Steps,
		Dwell:           dwell,
		IntegrationTime: integration,
		Home:            r.Home,
		Bands:           r.Bands,
		Background:      r.Background,
		Processing: scan.Processing{
			Window:        window,
			Interpolation: interp,
			Deferred:      r.Deferred,
			FFTSize:       r.FFTSize,
			MaxPeaks:      maxPeaks,
		},
	}
	return cfg.Clone(), nil
}
