package spectral

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/octscan/internal/scan"
)

var (
	ErrBufferFrozen = errors.New("spectral buffer is frozen")
	ErrOutOfOrder   = errors.New("spectrum written out of step order")
	ErrBufferFull   = errors.New("spectral buffer is full")
)

// Buffer is the fixed-capacity store of raw spectra for one scan. Index i
// holds the spectrum captured at motion step i. Writes must arrive in step
// order, so the filled region is always a prefix of the capacity.
type Buffer struct {
	mu       sync.Mutex
	spectra  []scan.RawSpectrum
	capacity int
	frozen   bool
}

// NewBuffer allocates a buffer holding exactly capacity spectra.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return &Buffer{
		spectra:  make([]scan.RawSpectrum, 0, capacity),
		capacity: capacity,
	}, nil
}

// Put stores s at step. The intensities are copied so the caller may reuse
// its slice.
func (b *Buffer) Put(step int, s scan.RawSpectrum) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen {
		return ErrBufferFrozen
	}
	if len(b.spectra) == b.capacity {
		return ErrBufferFull
	}
	if step != len(b.spectra) {
		return fmt.Errorf("%w: got step %d, expected %d", ErrOutOfOrder, step, len(b.spectra))
	}
	s.Intensities = append([]float64(nil), s.Intensities...)
	b.spectra = append(b.spectra, s)
	return nil
}

// At returns the spectrum stored at step, if any.
func (b *Buffer) At(step int) (scan.RawSpectrum, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if step < 0 || step >= len(b.spectra) {
		return scan.RawSpectrum{}, false
	}
	return b.spectra[step], true
}

// Len returns the number of filled entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spectra)
}

// Cap returns the capacity fixed at construction.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Frozen reports whether Freeze has been called.
func (b *Buffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Freeze stops further writes and returns the filled entries in step order.
// Calling Freeze again returns the same entries.
func (b *Buffer) Freeze() []scan.RawSpectrum {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	out := make([]scan.RawSpectrum, len(b.spectra))
	copy(out, b.spectra)
	return out
}
