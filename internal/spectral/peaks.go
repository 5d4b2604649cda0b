package spectral

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/octscan/internal/scan"
)

// DetectPeaks returns up to maxPeaks local maxima of mags, strongest first.
//
// Detection relaxes in three passes until something is found: height above
// 30% of the maximum with prominence of half that threshold and the full
// minimum width; then prominence above 5% of the maximum at half the width;
// finally any local maximum above 5% of the maximum.
func DetectPeaks(mags []float64, axis scan.DepthAxis, maxPeaks int, minWidth float64) []scan.Peak {
	if len(mags) < 3 || maxPeaks <= 0 {
		return nil
	}
	top := floats.Max(mags)
	if !(top > 0) {
		return nil
	}

	widthBins := 1
	if axis.Spacing != 0 {
		widthBins = max(1, int(minWidth/math.Abs(axis.Spacing)))
	}

	passes := []peakCriteria{
		{height: 0.3 * top, prominence: 0.15 * top, width: widthBins},
		{height: 0, prominence: 0.05 * top, width: max(1, widthBins/2)},
		{height: 0.05 * top, prominence: 0, width: 1},
	}
	var idx []int
	for _, c := range passes {
		if idx = findPeaks(mags, c); len(idx) > 0 {
			break
		}
	}
	if len(idx) == 0 {
		return nil
	}

	sort.SliceStable(idx, func(a, b int) bool { return mags[idx[a]] > mags[idx[b]] })
	if len(idx) > maxPeaks {
		idx = idx[:maxPeaks]
	}
	peaks := make([]scan.Peak, len(idx))
	for i, j := range idx {
		peaks[i] = scan.Peak{Bin: j, Depth: axis.Depth(j), Magnitude: mags[j]}
	}
	return peaks
}

type peakCriteria struct {
	height     float64
	prominence float64
	width      int
}

// findPeaks returns the indices of interior local maxima meeting c. A flat
// top is reported at its first sample.
func findPeaks(v []float64, c peakCriteria) []int {
	var out []int
	n := len(v)
	for i := 1; i < n-1; i++ {
		if !(v[i] > v[i-1]) {
			continue
		}
		// walk across a plateau
		j := i
		for j+1 < n && v[j+1] == v[i] {
			j++
		}
		if j == n-1 || !(v[j+1] < v[i]) {
			i = j
			continue
		}
		if v[i] >= c.height {
			prom := prominence(v, i)
			if prom >= c.prominence && widthAt(v, i, v[i]-prom/2) >= c.width {
				out = append(out, i)
			}
		}
		i = j
	}
	return out
}

// prominence is the height of v[i] above the higher of the two bases, where
// each base is the minimum between i and the nearest higher sample (or the
// edge) on that side.
func prominence(v []float64, i int) float64 {
	leftMin := v[i]
	for j := i - 1; j >= 0 && v[j] <= v[i]; j-- {
		leftMin = math.Min(leftMin, v[j])
	}
	rightMin := v[i]
	for j := i + 1; j < len(v) && v[j] <= v[i]; j++ {
		rightMin = math.Min(rightMin, v[j])
	}
	return v[i] - math.Max(leftMin, rightMin)
}

// widthAt counts the contiguous samples around i that stay above level.
func widthAt(v []float64, i int, level float64) int {
	l := i
	for l > 0 && v[l-1] > level {
		l--
	}
	r := i
	for r < len(v)-1 && v[r+1] > level {
		r++
	}
	return r - l + 1
}
