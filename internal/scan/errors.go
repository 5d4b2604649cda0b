package scan

import "errors"

var (
	// ErrInvalidGeometry rejects a configuration before any hardware action.
	ErrInvalidGeometry = errors.New("invalid scan geometry")
	// ErrHardwareTimeout is one motion-settle or spectrometer read that ran
	// past its timeout.
	ErrHardwareTimeout = errors.New("hardware timeout")
	// ErrHardwareFault is an unrecoverable axis or spectrometer error.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrNumericOverflow marks a transform that produced non-finite values.
	ErrNumericOverflow = errors.New("numeric overflow")
	// ErrInvalidSpectrum rejects a spectrum that does not match the
	// wavelength calibration.
	ErrInvalidSpectrum = errors.New("invalid spectrum")
	// ErrIO is a persistence write or read failure.
	ErrIO = errors.New("archive i/o error")
	// ErrCorruptArchive rejects an archive with missing fields or
	// inconsistent shapes.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrBusy is returned when a scan is requested while another is live.
	ErrBusy = errors.New("orchestrator busy")
)

// KindOf returns the taxonomy name used in the warning log for err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidGeometry):
		return "InvalidGeometry"
	case errors.Is(err, ErrHardwareTimeout):
		return "HardwareTimeout"
	case errors.Is(err, ErrHardwareFault):
		return "HardwareFault"
	case errors.Is(err, ErrNumericOverflow):
		return "NumericOverflow"
	case errors.Is(err, ErrInvalidSpectrum):
		return "InvalidSpectrum"
	case errors.Is(err, ErrIO):
		return "IOError"
	case errors.Is(err, ErrCorruptArchive):
		return "CorruptArchive"
	case errors.Is(err, ErrBusy):
		return "Busy"
	default:
		return "Unknown"
	}
}
