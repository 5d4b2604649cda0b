package spectral

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/octscan/internal/scan"
)

// uniformCalibration returns n wavelengths (nm, ascending) whose wavenumbers
// are exactly evenly spaced, so resampling is the identity. Index c of the
// calibration maps to index n-1-c of the ascending wavenumber grid.
func uniformCalibration(n int) []float64 {
	k0 := 2 * math.Pi / 920e-9
	k1 := 2 * math.Pi / 780e-9
	dk := (k1 - k0) / float64(n-1)
	cal := make([]float64, n)
	for c := range cal {
		j := n - 1 - c
		cal[c] = 2 * math.Pi / (k0 + float64(j)*dk) * 1e9
	}
	return cal
}

func rectLinear() Options {
	return Options{Window: scan.WindowRectangular, Interpolation: scan.InterpLinear}
}

func TestTransformDCBinEqualsInputSum(t *testing.T) {
	const n = 256
	rng := rand.New(rand.NewSource(7))
	tr, err := NewTransformer(uniformCalibration(n), Options{
		Window:        scan.WindowRectangular,
		Interpolation: scan.InterpLinear,
		Background:    make([]float64, n),
	})
	require.NoError(t, err)

	for trial := 0; trial < 5; trial++ {
		in := make([]float64, n)
		sum := 0.0
		for i := range in {
			in[i] = 100 + 1000*rng.Float64()
			sum += in[i]
		}
		p, err := tr.Transform(trial, scan.RawSpectrum{Intensities: in})
		require.NoError(t, err)
		assert.Equal(t, trial, p.Step)
		assert.Len(t, p.Magnitudes, n/2)
		assert.InEpsilon(t, sum, p.Magnitudes[0], 1e-9)
	}
}

func TestTransformDCBinCubicConstantSpectrum(t *testing.T) {
	// A constant spectrum resamples to a constant on any calibration.
	cal := make([]float64, 64)
	for i := range cal {
		cal[i] = 780 + 140*math.Pow(float64(i)/63, 1.3)
	}
	tr, err := NewTransformer(cal, Options{Window: scan.WindowRectangular, Interpolation: scan.InterpCubic})
	require.NoError(t, err)

	in := make([]float64, 64)
	for i := range in {
		in[i] = 5
	}
	p, err := tr.Transform(0, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	assert.InEpsilon(t, 5*64, p.Magnitudes[0], 1e-9)
	for i := 1; i < len(p.Magnitudes); i++ {
		assert.InDelta(t, 0, p.Magnitudes[i], 1e-9, "bin %d", i)
	}
}

func TestCZTMatchesFFT(t *testing.T) {
	for _, n := range []int{8, 100, 256, 731} {
		rng := rand.New(rand.NewSource(int64(n)))
		x := make([]complex128, n)
		for i := range x {
			x[i] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
		want := fourier.NewCmplxFFT(n).Coefficients(nil, x)
		got := CZT(x, 0, 1/float64(n), n)
		require.Len(t, got, n)

		peak := 0.0
		for _, c := range want {
			peak = math.Max(peak, cmplx.Abs(c))
		}
		for k := range want {
			ref := math.Max(cmplx.Abs(want[k]), 1e-3*peak)
			if d := cmplx.Abs(got[k]-want[k]) / ref; d > 1e-6 {
				t.Fatalf("n=%d bin %d: czt %v, fft %v (rel %g)", n, k, got[k], want[k], d)
			}
		}
	}
}

func TestZoomFullBandReproducesFFTProfile(t *testing.T) {
	const n = 512
	cal := uniformCalibration(n)
	base, err := NewTransformer(cal, rectLinear())
	require.NoError(t, err)

	band := base.FullBand()
	opts := rectLinear()
	opts.Bands = []scan.Band{band}
	tr, err := NewTransformer(cal, opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	in := make([]float64, n)
	for i := range in {
		in[i] = 1 + math.Cos(0.37*float64(i)) + 0.1*rng.Float64()
	}
	p, err := tr.Transform(0, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	require.Len(t, p.Zooms, 1)
	zoom := p.Zooms[0]
	require.Len(t, zoom.Magnitudes, n)

	assert.InDelta(t, p.Axis.Spacing, zoom.Axis.Spacing, 1e-12*p.Axis.Spacing)
	for i, want := range p.Magnitudes {
		got := zoom.Magnitudes[i]
		ref := math.Max(want, 1e-3*p.Magnitudes[0])
		if math.Abs(got-want)/ref > 1e-6 {
			t.Fatalf("bin %d: zoom %g, fft %g", i, got, want)
		}
	}
}

func TestZoomResolvesReflectorBetweenBins(t *testing.T) {
	const n = 256
	cal := uniformCalibration(n)
	base, err := NewTransformer(cal, rectLinear())
	require.NoError(t, err)
	spacing := base.Axis().Spacing

	// Reflector half way between FFT bins 30 and 31.
	depth := 30.5 * spacing
	in := make([]float64, n)
	for c := range in {
		j := n - 1 - c
		in[c] = 1 + math.Cos(2*math.Pi*depth/spacing*float64(j)/n)
	}

	opts := Options{Window: scan.WindowHann, Interpolation: scan.InterpLinear}
	opts.Bands = []scan.Band{{Start: 28 * spacing, End: 33 * spacing, Bins: 500}}
	opts.MaxPeaks = 1
	tr, err := NewTransformer(cal, opts)
	require.NoError(t, err)

	p, err := tr.Transform(0, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	require.Len(t, p.Zooms, 1)
	require.Len(t, p.Zooms[0].Peaks, 1)
	assert.InDelta(t, depth, p.Zooms[0].Peaks[0].Depth, 0.02*spacing)
}

func TestZoomBandsReportTheirOwnPeaks(t *testing.T) {
	const n = 512
	cal := uniformCalibration(n)
	base, err := NewTransformer(cal, rectLinear())
	require.NoError(t, err)
	spacing := base.Axis().Spacing

	depths := []float64{40.25 * spacing, 120.5 * spacing}
	in := make([]float64, n)
	for c := range in {
		j := float64(n - 1 - c)
		in[c] = 2
		for _, d := range depths {
			in[c] += math.Cos(2 * math.Pi * d / spacing * j / n)
		}
	}

	opts := Options{Window: scan.WindowHann, Interpolation: scan.InterpLinear, MaxPeaks: 5}
	opts.Bands = []scan.Band{
		{Start: 110 * spacing, End: 130 * spacing, Bins: 800},
		{Start: 30 * spacing, End: 50 * spacing, Bins: 800},
		{Start: 200 * spacing, End: 210 * spacing, Bins: 64},
	}
	tr, err := NewTransformer(cal, opts)
	require.NoError(t, err)

	p, err := tr.Transform(2, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	require.Len(t, p.Zooms, 3)
	for i, want := range []float64{depths[1], depths[0]} {
		z := p.Zooms[i]
		assert.InDelta(t, opts.Bands[i].Start, z.Axis.Origin, 1e-15, "band %d origin", i)
		require.NotEmpty(t, z.Peaks, "band %d", i)
		assert.LessOrEqual(t, len(z.Peaks), scan.PeaksPerBand)
		assert.InDelta(t, want, z.Peaks[0].Depth, 0.05*spacing, "band %d", i)
	}
	for _, pk := range p.Zooms[2].Peaks {
		assert.Less(t, pk.Magnitude, p.Zooms[0].Peaks[0].Magnitude/10, "empty band has no strong peak")
	}
	assert.NotEmpty(t, p.Peaks, "the full profile keeps its own peaks")
}

func TestTransformerAcceptsWindowAndInterpolationAliases(t *testing.T) {
	cal := uniformCalibration(32)
	in := make([]float64, 32)
	for i := range in {
		in[i] = 3 + math.Sin(float64(i))
	}
	for _, tt := range []struct {
		window scan.Window
		interp scan.Interpolation
		same   Options
	}{
		{"none", "LINEAR", Options{Window: scan.WindowRectangular, Interpolation: scan.InterpLinear}},
		{"rect", "", Options{Window: scan.WindowRectangular, Interpolation: scan.InterpCubic}},
		{" Hann ", "Cubic", Options{Window: scan.WindowHann, Interpolation: scan.InterpCubic}},
	} {
		alias, err := NewTransformer(cal, Options{Window: tt.window, Interpolation: tt.interp})
		require.NoError(t, err, "window %q interpolation %q", tt.window, tt.interp)
		canonical, err := NewTransformer(cal, tt.same)
		require.NoError(t, err)

		a, err := alias.Transform(0, scan.RawSpectrum{Intensities: in})
		require.NoError(t, err)
		b, err := canonical.Transform(0, scan.RawSpectrum{Intensities: in})
		require.NoError(t, err)
		assert.Equal(t, b.Magnitudes, a.Magnitudes, "window %q", tt.window)
	}

	_, err := NewTransformer(cal, Options{Window: "kaiser"})
	assert.ErrorIs(t, err, scan.ErrInvalidGeometry)
	_, err = NewTransformer(cal, Options{Interpolation: "spline"})
	assert.ErrorIs(t, err, scan.ErrInvalidGeometry)
}

func TestTransformBackgroundClampsAtZero(t *testing.T) {
	const n = 16
	bg := make([]float64, n)
	in := make([]float64, n)
	for i := range in {
		bg[i] = 10
		in[i] = 4 // below background everywhere
	}
	opts := rectLinear()
	opts.Background = bg
	tr, err := NewTransformer(uniformCalibration(n), opts)
	require.NoError(t, err)

	p, err := tr.Transform(0, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	for i, m := range p.Magnitudes {
		assert.Zero(t, m, "bin %d", i)
	}
}

func TestTransformInvalidSpectrum(t *testing.T) {
	tr, err := NewTransformer(uniformCalibration(32), rectLinear())
	require.NoError(t, err)

	_, err = tr.Transform(3, scan.RawSpectrum{Intensities: make([]float64, 31)})
	assert.True(t, errors.Is(err, scan.ErrInvalidSpectrum), "err = %v", err)
}

func TestTransformOverflowDegradesProfile(t *testing.T) {
	const n = 32
	tr, err := NewTransformer(uniformCalibration(n), rectLinear())
	require.NoError(t, err)

	in := make([]float64, n)
	in[5] = math.Inf(1)
	p, err := tr.Transform(4, scan.RawSpectrum{Intensities: in})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scan.ErrNumericOverflow))
	assert.Equal(t, 4, p.Step)
	assert.Equal(t, tr.Axis(), p.Axis)
	assert.True(t, p.Degraded)
	assert.Len(t, p.Magnitudes, n/2)
	for _, m := range p.Magnitudes {
		assert.False(t, math.IsNaN(m) || math.IsInf(m, 0))
	}
}

func TestNewTransformerValidation(t *testing.T) {
	tests := []struct {
		name string
		cal  []float64
		opts Options
	}{
		{"too short", []float64{800, 801, 802}, Options{}},
		{"not monotonic", []float64{800, 801, 801, 803}, Options{}},
		{"negative wavelength", []float64{-1, 801, 802, 803}, Options{}},
		{"background length", uniformCalibration(8), Options{Background: make([]float64, 7)}},
		{"fft too small", uniformCalibration(8), Options{FFTSize: 4}},
		{"bad window", uniformCalibration(8), Options{Window: "kaiser"}},
		{"empty band", uniformCalibration(8), Options{Bands: []scan.Band{{Start: 1, End: 1, Bins: 4}}}},
		{"too many bands", uniformCalibration(8), Options{Bands: make([]scan.Band, scan.MaxBands+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTransformer(tt.cal, tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTransformZeroPaddingKeepsDC(t *testing.T) {
	const n = 100
	opts := rectLinear()
	opts.FFTSize = 256
	tr, err := NewTransformer(uniformCalibration(n), opts)
	require.NoError(t, err)
	assert.Equal(t, 256, tr.FullBand().Bins)

	in := make([]float64, n)
	for i := range in {
		in[i] = 2
	}
	p, err := tr.Transform(0, scan.RawSpectrum{Intensities: in})
	require.NoError(t, err)
	assert.Len(t, p.Magnitudes, 128)
	assert.InEpsilon(t, 200, p.Magnitudes[0], 1e-9)
}

func TestWindowWeights(t *testing.T) {
	w, err := windowWeights(scan.WindowHann, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0, w[0], 1e-12)
	assert.InDelta(t, 1, w[2], 1e-12)
	assert.InDelta(t, 0, w[4], 1e-12)

	r, err := windowWeights(scan.WindowRectangular, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, r)
}
