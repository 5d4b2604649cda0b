// Package archive assembles finished scans into records and persists them,
// one self-describing SQLite file per scan.
package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/octscan/internal/scan"
)

// SchemaVersion is the archive layout written by Save. It matches the
// newest embedded migration.
const SchemaVersion = 2

// ErrInvalidRecord is returned by Finalize when its inputs disagree.
var ErrInvalidRecord = errors.New("invalid scan record")

// Instrument identifies the hardware a scan was taken with.
type Instrument struct {
	Spectrometer string `json:"spectrometer"`
	Stage        string `json:"stage"`
	Host         string `json:"host,omitempty"`
	Software     string `json:"software,omitempty"`
}

// Record is a finished scan. Spectra, Profiles and Positions share the step
// index and may be shorter than Capacity when the scan stopped early.
type Record struct {
	ID            string
	SchemaVersion int
	Config        scan.Config
	Capacity      int
	Targets       []float64
	Spectra       []scan.RawSpectrum
	Profiles      []scan.DepthProfile
	Positions     []float64
	Status        scan.Status
	Warnings      []scan.Warning
	Calibration   []float64
	Instrument    Instrument
	StartedAt     time.Time
	EndedAt       time.Time
}

// Steps returns the number of steps actually acquired.
func (r *Record) Steps() int { return len(r.Spectra) }

// FinalizeInput carries everything the orchestrator collected for one scan.
type FinalizeInput struct {
	// ID is generated when empty.
	ID          string
	Config      scan.Config
	Targets     []float64
	Spectra     []scan.RawSpectrum
	Profiles    []scan.DepthProfile
	Positions   []float64
	Status      scan.Status
	Warnings    []scan.Warning
	Calibration []float64
	Instrument  Instrument
	StartedAt   time.Time
	EndedAt     time.Time
}

// Finalize builds the record for a finished scan. It performs no I/O and
// takes ownership of the slices in in.
func Finalize(in FinalizeInput) (*Record, error) {
	if err := checkShape(in.Config.Steps, in.Targets, in.Spectra, in.Profiles, in.Positions, in.Calibration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidRecord, in.Status)
	}
	if in.EndedAt.Before(in.StartedAt) {
		return nil, fmt.Errorf("%w: ended %v before it started %v", ErrInvalidRecord, in.EndedAt, in.StartedAt)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Record{
		ID:            id,
		SchemaVersion: SchemaVersion,
		Config:        in.Config,
		Capacity:      in.Config.Steps,
		Targets:       nonNilSlice(in.Targets),
		Spectra:       nonNilSlice(in.Spectra),
		Profiles:      nonNilSlice(in.Profiles),
		Positions:     nonNilSlice(in.Positions),
		Status:        in.Status,
		Warnings:      nonNilSlice(in.Warnings),
		Calibration:   nonNilSlice(in.Calibration),
		Instrument:    in.Instrument,
		StartedAt:     in.StartedAt,
		EndedAt:       in.EndedAt,
	}, nil
}

// checkShape is shared by Finalize and Load.
func checkShape(capacity int, targets []float64, spectra []scan.RawSpectrum, profiles []scan.DepthProfile, positions, calibration []float64) error {
	n := len(spectra)
	switch {
	case capacity < 1:
		return fmt.Errorf("capacity %d", capacity)
	case n > capacity:
		return fmt.Errorf("%d spectra exceed capacity %d", n, capacity)
	case len(targets) != 0 && len(targets) != capacity:
		return fmt.Errorf("%d targets for capacity %d", len(targets), capacity)
	case len(positions) != n:
		return fmt.Errorf("position log has %d entries for %d spectra", len(positions), n)
	case len(profiles) != n:
		return fmt.Errorf("%d profiles for %d spectra", len(profiles), n)
	}
	for i, s := range spectra {
		if len(calibration) > 0 && len(s.Intensities) != len(calibration) {
			return fmt.Errorf("spectrum %d has %d samples, calibration has %d", i, len(s.Intensities), len(calibration))
		}
		if profiles[i].Step != i {
			return fmt.Errorf("profile %d is labelled step %d", i, profiles[i].Step)
		}
	}
	return nil
}

func nonNilSlice[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
