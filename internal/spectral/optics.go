package spectral

import "math"

// AxialResolution returns the theoretical FWHM axial resolution in metres for
// a Gaussian source spanning [lambdaMin, lambdaMax] metres.
func AxialResolution(lambdaMin, lambdaMax float64) float64 {
	span := lambdaMax - lambdaMin
	if span <= 0 {
		return math.Inf(1)
	}
	center := (lambdaMin + lambdaMax) / 2
	return (2 * math.Ln2 / math.Pi) * center * center / span
}

// MaxDepth returns the largest optical path difference in metres that n
// detector pixels spanning [lambdaMin, lambdaMax] can resolve.
func MaxDepth(lambdaMin, lambdaMax float64, n int) float64 {
	if n <= 0 || lambdaMin <= 0 || lambdaMax <= lambdaMin {
		return 0
	}
	dk := (2*math.Pi/lambdaMin - 2*math.Pi/lambdaMax) / float64(n)
	return math.Pi / dk
}
