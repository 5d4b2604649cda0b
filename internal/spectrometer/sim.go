package spectrometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/timeutil"
)

// HR4000 defaults used by NewSim.
const (
	DefaultPixels    = 3648
	DefaultMinNM     = 780.0
	DefaultMaxNM     = 920.0
	DefaultFullScale = 16383.0
)

// Reflector is a partially reflecting interface seen by the simulated
// interferometer. Depth is the optical path difference in metres.
type Reflector struct {
	Depth        float64
	Reflectivity float64
}

// SimConfig shapes the simulated instrument.
type SimConfig struct {
	Pixels int
	MinNM  float64
	MaxNM  float64
	// CentreNM and BandwidthNM describe the Gaussian source (FWHM).
	CentreNM    float64
	BandwidthNM float64
	// CountsPerMS is the peak count rate of the source envelope.
	CountsPerMS float64
	FullScale   float64
	Noise       float64
	Reflectors  []Reflector
	Seed        uint64
	// ReadDelay is how long a read blocks beyond the integration time;
	// reads never take longer than the integration time otherwise.
	ReadDelay time.Duration
}

func (c SimConfig) withDefaults() SimConfig {
	if c.Pixels <= 0 {
		c.Pixels = DefaultPixels
	}
	if c.MinNM <= 0 {
		c.MinNM = DefaultMinNM
	}
	if c.MaxNM <= c.MinNM {
		c.MaxNM = DefaultMaxNM
	}
	if c.CentreNM <= 0 {
		c.CentreNM = (c.MinNM + c.MaxNM) / 2
	}
	if c.BandwidthNM <= 0 {
		c.BandwidthNM = (c.MaxNM - c.MinNM) / 3
	}
	if c.CountsPerMS <= 0 {
		c.CountsPerMS = 400
	}
	if c.FullScale <= 0 {
		c.FullScale = DefaultFullScale
	}
	return c
}

// ErrSimDisconnected is returned by a Sim with Disconnect set.
var ErrSimDisconnected = errors.New("simulated spectrometer disconnected")

// Sim is a simulated spectrometer producing the interferogram of a set of
// reflectors under a Gaussian source.
type Sim struct {
	cfg   SimConfig
	clock timeutil.Clock
	wl    []float64

	mu           sync.Mutex
	integration  time.Duration
	rng          *rand.Rand
	block        bool
	disconnected bool
	saturateNext int
	reads        int
	integrations []time.Duration
}

// NewSim builds a simulator. A nil clock uses the real clock.
func NewSim(cfg SimConfig, clock timeutil.Clock) *Sim {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Sim{
		cfg:         cfg,
		clock:       clock,
		integration: 10 * time.Millisecond,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	// A mild quadratic term, as in a real grating calibration.
	s.wl = make([]float64, cfg.Pixels)
	span := cfg.MaxNM - cfg.MinNM
	last := float64(cfg.Pixels - 1)
	for i := range s.wl {
		x := float64(i) / last
		s.wl[i] = cfg.MinNM + span*(0.95*x+0.05*x*x)
	}
	return s
}

// SetBlock makes TriggerRead block until its context is done.
func (s *Sim) SetBlock(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = v
}

// Disconnect makes every following read fail with ErrSimDisconnected.
func (s *Sim) Disconnect(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = v
}

// SaturateNext forces the next n reads to clip at full scale.
func (s *Sim) SaturateNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saturateNext = n
}

// Reads returns how many reads completed.
func (s *Sim) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Integrations returns every integration time set, in order.
func (s *Sim) Integrations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.integrations...)
}

func (s *Sim) SetIntegrationTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("integration time %v must be positive", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integration = d
	s.integrations = append(s.integrations, d)
	return nil
}

func (s *Sim) WavelengthCalibration() ([]float64, error) {
	return append([]float64(nil), s.wl...), nil
}

func (s *Sim) TriggerRead(ctx context.Context) (scan.RawSpectrum, error) {
	s.mu.Lock()
	block, disconnected := s.block, s.disconnected
	integration := s.integration
	s.mu.Unlock()

	if disconnected {
		return scan.RawSpectrum{}, fmt.Errorf("%w: %v", scan.ErrHardwareFault, ErrSimDisconnected)
	}
	if block {
		<-ctx.Done()
		return scan.RawSpectrum{}, ctx.Err()
	}
	if s.cfg.ReadDelay > 0 {
		select {
		case <-ctx.Done():
			return scan.RawSpectrum{}, ctx.Err()
		case <-time.After(s.cfg.ReadDelay):
		}
	}
	s.clock.Sleep(integration)

	s.mu.Lock()
	defer s.mu.Unlock()
	saturate := s.saturateNext > 0
	if saturate {
		s.saturateNext--
	}
	out := s.render(integration, saturate)
	s.reads++
	return out, nil
}

// render must be called with mu held.
func (s *Sim) render(integration time.Duration, saturate bool) scan.RawSpectrum {
	cfg := s.cfg
	peak := cfg.CountsPerMS * float64(integration) / float64(time.Millisecond)
	if saturate {
		peak = 2 * cfg.FullScale
	}
	sigma := cfg.BandwidthNM / (2 * math.Sqrt(2*math.Ln2))

	norm := 1.0
	for _, r := range cfg.Reflectors {
		norm += r.Reflectivity
	}

	intens := make([]float64, len(s.wl))
	saturated := false
	for i, nm := range s.wl {
		d := (nm - cfg.CentreNM) / sigma
		env := peak * math.Exp(-d*d/2)
		k := 2 * math.Pi / (nm * 1e-9)
		fringe := 1.0
		for _, r := range cfg.Reflectors {
			fringe += r.Reflectivity * math.Cos(k*r.Depth)
		}
		v := env*fringe/norm + cfg.Noise*s.rng.NormFloat64()
		if v < 0 {
			v = 0
		}
		if v >= cfg.FullScale {
			v = cfg.FullScale
			saturated = true
		}
		intens[i] = v
	}
	return scan.RawSpectrum{
		Intensities:     intens,
		CapturedAt:      s.clock.Now(),
		IntegrationTime: integration,
		Saturated:       saturated,
	}
}
