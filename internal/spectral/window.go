package spectral

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/window"

	"github.com/banshee-data/octscan/internal/scan"
)

// windowWeights returns the apodization weights of w for n samples. Names
// are normalized with scan.ParseWindow first.
func windowWeights(w scan.Window, n int) ([]float64, error) {
	w, err := scan.ParseWindow(string(w))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrInvalidGeometry, err)
	}
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	switch w {
	case scan.WindowRectangular:
		return weights, nil
	case scan.WindowHann:
		return window.Hann(weights), nil
	case scan.WindowHamming:
		return window.Hamming(weights), nil
	case scan.WindowBlackman:
		return window.Blackman(weights), nil
	case scan.WindowBlackmanHarris:
		return window.BlackmanHarris(weights), nil
	default:
		return nil, fmt.Errorf("unsupported window %q", w)
	}
}
