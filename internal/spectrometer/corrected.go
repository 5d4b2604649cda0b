package spectrometer

import (
	"context"
	"math"

	"github.com/banshee-data/octscan/internal/scan"
)

// Gamma values outside this range are clamped.
const (
	MinGamma = 0.1
	MaxGamma = 3.0
)

// Correction configures the per-read corrections.
type Correction struct {
	// DarkOffset subtracts the smallest sample of each read from all samples.
	DarkOffset bool
	// Gamma raises every sample to this power; 0 and 1 disable it.
	Gamma float64
}

// Enabled reports whether c changes a read at all.
func (c Correction) Enabled() bool {
	return c.DarkOffset || (c.Gamma != 0 && c.Gamma != 1)
}

// Corrected applies a Correction to every read of the wrapped spectrometer.
type Corrected struct {
	Spectrometer
	corr Correction
}

// NewCorrected wraps s. The gamma is clamped to [MinGamma, MaxGamma].
func NewCorrected(s Spectrometer, c Correction) *Corrected {
	if c.Gamma != 0 {
		c.Gamma = math.Max(MinGamma, math.Min(MaxGamma, c.Gamma))
	}
	return &Corrected{Spectrometer: s, corr: c}
}

// Correction returns the effective correction after clamping.
func (c *Corrected) Correction() Correction { return c.corr }

func (c *Corrected) TriggerRead(ctx context.Context) (scan.RawSpectrum, error) {
	raw, err := c.Spectrometer.TriggerRead(ctx)
	if err != nil {
		return raw, err
	}
	raw.Intensities = c.corr.Apply(raw.Intensities)
	return raw, nil
}

// Apply returns a corrected copy of v.
func (c Correction) Apply(v []float64) []float64 {
	out := append([]float64(nil), v...)
	if c.DarkOffset && len(out) > 0 {
		lo := out[0]
		for _, x := range out {
			lo = math.Min(lo, x)
		}
		for i := range out {
			out[i] -= lo
		}
	}
	if c.Gamma != 0 && c.Gamma != 1 {
		for i, x := range out {
			out[i] = math.Pow(math.Max(x, 0), c.Gamma)
		}
	}
	return out
}
