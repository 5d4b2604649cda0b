package scan

import "time"

// RawSpectrum is one spectrometer read. It is immutable once captured.
type RawSpectrum struct {
	Intensities     []float64     `json:"intensities"`
	CapturedAt      time.Time     `json:"captured_at"`
	IntegrationTime time.Duration `json:"integration_time"`
	Saturated       bool          `json:"saturated"`
}

// DepthAxis maps a bin index onto an optical path difference in metres:
// depth(i) = Origin + i*Spacing.
type DepthAxis struct {
	Origin  float64 `json:"origin"`
	Spacing float64 `json:"spacing"`
}

// Depth returns the depth of bin i.
func (a DepthAxis) Depth(i int) float64 {
	return a.Origin + float64(i)*a.Spacing
}

// Peak is a local maximum of a depth profile.
type Peak struct {
	Bin       int     `json:"bin"`
	Depth     float64 `json:"depth"`
	Magnitude float64 `json:"magnitude"`
}

// ZoomProfile is the chirp-z evaluation over one configured band.
type ZoomProfile struct {
	Axis       DepthAxis `json:"axis"`
	Magnitudes []float64 `json:"magnitudes"`
	Peaks      []Peak    `json:"peaks,omitempty"`
}

// DepthProfile is the transform of the spectrum captured at Step.
type DepthProfile struct {
	Step       int       `json:"step"`
	Axis       DepthAxis `json:"axis"`
	Magnitudes []float64 `json:"magnitudes"`
	// Zooms holds one entry per configured band, in band order.
	Zooms []ZoomProfile `json:"zooms,omitempty"`
	Peaks []Peak        `json:"peaks,omitempty"`
	// Degraded marks a profile whose transform produced non-finite values;
	// those values were replaced with zero.
	Degraded bool `json:"degraded,omitempty"`
}

// Status is the terminal outcome of a scan.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFaulted   Status = "faulted"
)

// Valid reports whether s is one of the terminal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusFaulted:
		return true
	}
	return false
}

// Severity grades an entry of the warning log.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityFault   Severity = "fault"
)

// NoStep marks a warning that is not tied to a motion step.
const NoStep = -1

// Warning is one entry of a scan's warning log.
type Warning struct {
	Severity Severity  `json:"severity"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Step     int       `json:"step"`
	Time     time.Time `json:"time"`
}
