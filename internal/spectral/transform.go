// Package spectral converts raw interferometric spectra into depth profiles
// and buffers the spectra of a scan.
//
// A Transformer is built once per scan from the spectrometer's wavelength
// calibration. Each call to Transform subtracts the background reference,
// applies the apodization window, resamples onto a uniform wavenumber grid,
// runs a real FFT and, for every configured band, a chirp-z zoom over that
// band. The Transformer holds only immutable tables, so calls are
// independent and safe from multiple goroutines.
package spectral

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/octscan/internal/scan"
)

// DefaultMinPeakWidth is the narrowest peak reported, in metres of optical
// path difference.
const DefaultMinPeakWidth = 3e-6

// minCalibrationLength is the fewest pixels a cubic resampling can fit.
const minCalibrationLength = 4

// Options configures a Transformer.
type Options struct {
	Window        scan.Window
	Interpolation scan.Interpolation
	// Background is subtracted from every spectrum; nil means all zeros.
	Background []float64
	Bands      []scan.Band
	// FFTSize zero-pads the resampled spectrum; 0 uses the calibration length.
	FFTSize      int
	MaxPeaks     int
	MinPeakWidth float64
}

// OptionsFromConfig extracts the transform options carried by a scan config.
func OptionsFromConfig(cfg scan.Config) Options {
	return Options{
		Window:        cfg.Processing.Window,
		Interpolation: cfg.Processing.Interpolation,
		Background:    cfg.Background,
		Bands:         cfg.Bands,
		FFTSize:       cfg.Processing.FFTSize,
		MaxPeaks:      cfg.Processing.MaxPeaks,
	}
}

// Transformer maps raw spectra onto depth profiles.
type Transformer struct {
	opts Options
	n    int

	// order lists the spectrum indices sorted by ascending wavenumber.
	order   []int
	k       []float64
	kGrid   []float64
	dk      float64
	weights []float64
	fftSize int
	axis    scan.DepthAxis
}

// NewTransformer validates the calibration (wavelengths in nanometres) and
// options and precomputes the wavenumber grid and window.
func NewTransformer(calibration []float64, opts Options) (*Transformer, error) {
	n := len(calibration)
	if n < minCalibrationLength {
		return nil, fmt.Errorf("%w: calibration has %d pixels, need at least %d", scan.ErrInvalidSpectrum, n, minCalibrationLength)
	}
	for i, nm := range calibration {
		if !(nm > 0) || math.IsInf(nm, 0) {
			return nil, fmt.Errorf("%w: calibration[%d] = %v is not a positive wavelength", scan.ErrInvalidSpectrum, i, nm)
		}
	}
	if opts.Background != nil && len(opts.Background) != n {
		return nil, fmt.Errorf("%w: background has %d samples, calibration has %d", scan.ErrInvalidSpectrum, len(opts.Background), n)
	}
	var err error
	if opts.Window, err = scan.ParseWindow(string(opts.Window)); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrInvalidGeometry, err)
	}
	if opts.Interpolation, err = scan.ParseInterpolation(string(opts.Interpolation)); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrInvalidGeometry, err)
	}
	if opts.MinPeakWidth <= 0 {
		opts.MinPeakWidth = DefaultMinPeakWidth
	}

	t := &Transformer{opts: opts, n: n}

	k := make([]float64, n)
	for i, nm := range calibration {
		k[i] = 2 * math.Pi / (nm * 1e-9)
	}
	t.order = make([]int, n)
	for i := range t.order {
		t.order[i] = i
	}
	sort.SliceStable(t.order, func(a, b int) bool { return k[t.order[a]] < k[t.order[b]] })
	t.k = make([]float64, n)
	for i, idx := range t.order {
		t.k[i] = k[idx]
	}
	for i := 1; i < n; i++ {
		if !(t.k[i] > t.k[i-1]) {
			return nil, fmt.Errorf("%w: calibration wavelengths are not strictly monotonic", scan.ErrInvalidSpectrum)
		}
	}

	t.kGrid = make([]float64, n)
	floats.Span(t.kGrid, t.k[0], t.k[n-1])
	t.dk = (t.k[n-1] - t.k[0]) / float64(n-1)

	weights, err := windowWeights(opts.Window, n)
	if err != nil {
		return nil, err
	}
	t.weights = weights

	t.fftSize = n
	if opts.FFTSize != 0 {
		if opts.FFTSize < n {
			return nil, fmt.Errorf("%w: fft size %d is smaller than the calibration length %d", scan.ErrInvalidGeometry, opts.FFTSize, n)
		}
		t.fftSize = opts.FFTSize
	}
	t.axis = scan.DepthAxis{Origin: 0, Spacing: 2 * math.Pi / (float64(t.fftSize) * t.dk)}

	if len(opts.Bands) > scan.MaxBands {
		return nil, fmt.Errorf("%w: %d zoom bands, at most %d", scan.ErrInvalidGeometry, len(opts.Bands), scan.MaxBands)
	}
	for i, b := range opts.Bands {
		if b.Bins < 1 || !(b.End > b.Start) {
			return nil, fmt.Errorf("%w: zoom band %d %+v", scan.ErrInvalidGeometry, i, b)
		}
	}
	t.opts.Bands = append([]scan.Band(nil), opts.Bands...)
	return t, nil
}

// Len returns the number of wavelength samples expected per spectrum.
func (t *Transformer) Len() int { return t.n }

// Axis returns the depth axis of the full FFT profile.
func (t *Transformer) Axis() scan.DepthAxis { return t.axis }

// FullBand returns the band that covers the whole FFT range at native
// resolution.
func (t *Transformer) FullBand() scan.Band {
	return scan.Band{Start: 0, End: float64(t.fftSize) * t.axis.Spacing, Bins: t.fftSize}
}

// Transform converts one spectrum into a depth profile for step. A returned
// error wrapping scan.ErrNumericOverflow comes with a usable, degraded
// profile labelled with step; any other error comes with a zero profile.
func (t *Transformer) Transform(step int, s scan.RawSpectrum) (scan.DepthProfile, error) {
	if len(s.Intensities) != t.n {
		return scan.DepthProfile{}, fmt.Errorf("%w: spectrum has %d samples, calibration has %d",
			scan.ErrInvalidSpectrum, len(s.Intensities), t.n)
	}

	prepared := make([]float64, t.n)
	for i, v := range s.Intensities {
		if t.opts.Background != nil {
			v -= t.opts.Background[i]
		}
		if v < 0 {
			v = 0
		}
		prepared[i] = v * t.weights[i]
	}

	profile := scan.DepthProfile{Step: step, Axis: t.axis}
	uniform, err := t.resample(prepared)
	if err != nil {
		profile.Magnitudes = make([]float64, t.fftSize/2)
		profile.Degraded = true
		return profile, fmt.Errorf("step %d: %w", step, err)
	}

	padded := uniform
	if t.fftSize > t.n {
		padded = make([]float64, t.fftSize)
		copy(padded, uniform)
	}
	coeffs := fourier.NewFFT(t.fftSize).Coefficients(nil, padded)
	half := t.fftSize / 2
	profile.Magnitudes = make([]float64, half)
	for i := 0; i < half; i++ {
		profile.Magnitudes[i] = math.Hypot(real(coeffs[i]), imag(coeffs[i]))
	}
	overflow := sanitize(profile.Magnitudes)

	if len(t.opts.Bands) > 0 {
		profile.Zooms = make([]scan.ZoomProfile, len(t.opts.Bands))
	}
	for i, b := range t.opts.Bands {
		z := t.zoom(uniform, b)
		if sanitize(z.Magnitudes) {
			overflow = true
		}
		if t.opts.MaxPeaks > 0 {
			z.Peaks = DetectPeaks(z.Magnitudes, z.Axis, min(t.opts.MaxPeaks, scan.PeaksPerBand), t.opts.MinPeakWidth)
		}
		profile.Zooms[i] = z
	}
	if t.opts.MaxPeaks > 0 {
		profile.Peaks = DetectPeaks(profile.Magnitudes, profile.Axis, t.opts.MaxPeaks, t.opts.MinPeakWidth)
	}

	if overflow {
		profile.Degraded = true
		return profile, fmt.Errorf("%w: step %d produced non-finite magnitudes", scan.ErrNumericOverflow, step)
	}
	return profile, nil
}

// resample interpolates the wavelength-ordered samples onto the uniform
// wavenumber grid.
func (t *Transformer) resample(samples []float64) ([]float64, error) {
	ys := make([]float64, t.n)
	for i, idx := range t.order {
		v := samples[idx]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: sample %d is %v", scan.ErrNumericOverflow, idx, v)
		}
		ys[i] = v
	}

	var predictor interp.FittablePredictor
	switch t.opts.Interpolation {
	case scan.InterpLinear:
		predictor = &interp.PiecewiseLinear{}
	default:
		predictor = &interp.NaturalCubic{}
	}
	if err := predictor.Fit(t.k, ys); err != nil {
		return nil, fmt.Errorf("%w: resampling fit failed: %v", scan.ErrNumericOverflow, err)
	}

	out := make([]float64, t.n)
	for i, k := range t.kGrid {
		out[i] = predictor.Predict(k)
	}
	return out, nil
}

// zoom evaluates the chirp-z transform of the uniform spectrum over band.
func (t *Transformer) zoom(uniform []float64, band scan.Band) scan.ZoomProfile {
	x := make([]complex128, len(uniform))
	for i, v := range uniform {
		x[i] = complex(v, 0)
	}
	// One FFT bin of an n-point grid is 1/n cycles per sample and
	// 2π/(n·dk) metres, so depth d sits at d·dk/2π cycles per sample.
	toCycles := t.dk / (2 * math.Pi)
	spacing := (band.End - band.Start) / float64(band.Bins)
	z := CZT(x, band.Start*toCycles, spacing*toCycles, band.Bins)

	mags := make([]float64, len(z))
	for i, c := range z {
		mags[i] = cmplx.Abs(c)
	}
	return scan.ZoomProfile{
		Axis:       scan.DepthAxis{Origin: band.Start, Spacing: spacing},
		Magnitudes: mags,
	}
}

// sanitize zeroes non-finite values and reports whether any were found.
func sanitize(v []float64) bool {
	found := false
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
			found = true
		}
	}
	return found
}
