// Package spectrometer defines the spectrometer capability consumed by the
// acquisition orchestrator, a simulated HR4000-class instrument, and the
// dark-offset and gamma corrections applied to every read.
package spectrometer

import (
	"context"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
)

// Spectrometer is an armed-and-read spectrometer. TriggerRead blocks until
// one integration completes or ctx is done.
type Spectrometer interface {
	SetIntegrationTime(d time.Duration) error
	TriggerRead(ctx context.Context) (scan.RawSpectrum, error)
	// WavelengthCalibration returns the centre wavelength of every pixel in
	// nanometres.
	WavelengthCalibration() ([]float64, error)
}
