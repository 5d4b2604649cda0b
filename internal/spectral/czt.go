package spectral

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CZT evaluates the chirp-z transform of x on m points of the unit circle
//
//	X[k] = Σ x[n]·exp(-2πi·n·(f0 + k·df)),  k = 0..m-1
//
// where f0 and df are in cycles per sample. With f0 = 0, df = 1/len(x) and
// m = len(x) the result equals the DFT of x.
//
// The sum is computed with Bluestein's decomposition: the input is
// premultiplied by a chirp, convolved with the conjugate chirp through three
// FFTs of a zero-padded power-of-two length, and postmultiplied.
func CZT(x []complex128, f0, df float64, m int) []complex128 {
	n := len(x)
	if n == 0 || m <= 0 {
		return nil
	}
	l := nextPow2(n + m - 1)

	y := make([]complex128, l)
	for i := 0; i < n; i++ {
		y[i] = x[i] * cmplx.Rect(1, -2*math.Pi*math.Mod(f0*float64(i), 1)) * chirp(i, df, -1)
	}

	v := make([]complex128, l)
	for k := 0; k < m; k++ {
		v[k] = chirp(k, df, 1)
	}
	for i := 1; i < n; i++ {
		v[l-i] = chirp(i, df, 1)
	}

	fft := fourier.NewCmplxFFT(l)
	yf := fft.Coefficients(nil, y)
	vf := fft.Coefficients(nil, v)
	for i := range yf {
		yf[i] *= vf[i]
	}
	g := fft.Sequence(nil, yf)

	scale := complex(1/float64(l), 0)
	out := make([]complex128, m)
	for k := 0; k < m; k++ {
		out[k] = g[k] * scale * chirp(k, df, -1)
	}
	return out
}

// chirp returns exp(sign·iπ·i²·df). The phase is reduced modulo 2π before the
// exponential so large indices keep full precision.
func chirp(i int, df float64, sign float64) complex128 {
	ii := float64(i) * float64(i)
	t := math.Mod(ii*df, 2)
	return cmplx.Rect(1, sign*math.Pi*t)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
