package main

import (
	"context"
	"fmt"
	"os"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/config"
	"github.com/banshee-data/octscan/internal/motion"
	"github.com/banshee-data/octscan/internal/serialmux"
	"github.com/banshee-data/octscan/internal/spectrometer"
	"github.com/banshee-data/octscan/internal/timeutil"
	"github.com/banshee-data/octscan/internal/version"
)

// simLimits are the soft limits of the simulated stage, in mm.
var simLimits = motion.Limits{Min: -25, Max: 25}

// simSample is the layered sample seen by the simulated spectrometer.
var simSample = []spectrometer.Reflector{
	{Depth: 250e-6, Reflectivity: 0.04},
	{Depth: 410e-6, Reflectivity: 0.02},
}

// bench is the hardware behind one orchestrator.
type bench struct {
	orch   *acquisition.Orchestrator
	store  *archive.Store
	serial serialmux.SerialMuxInterface
}

// newBench wires the stage, spectrometer and archive store described by
// cfg. dev forces the simulated stage.
func newBench(ctx context.Context, cfg *config.InstrumentConfig, dev bool, observer acquisition.Observer, archiveDir string) (*bench, error) {
	if archiveDir == "" {
		archiveDir = cfg.GetArchiveDir()
	}
	store, err := archive.NewStore(archiveDir)
	if err != nil {
		return nil, err
	}

	b := &bench{store: store}
	clock := timeutil.RealClock{}
	host, _ := os.Hostname()
	instrument := archive.Instrument{Spectrometer: "simulated HR4000", Host: host, Software: version.String()}

	var axis motion.Axis
	if dev || cfg.Simulated() {
		sim := motion.NewSimAxis(simLimits)
		sim.SetSettlePolls(3)
		axis = sim
		instrument.Stage = "simulated"
	} else {
		mux, err := serialmux.Open(cfg.GetSerialPort(), cfg.GetSerial(), nil)
		if err != nil {
			return nil, fmt.Errorf("opening stage controller: %w", err)
		}
		mux.SetResponseTimeout(cfg.GetResponseTimeout())
		esp, err := motion.NewESP301(mux, cfg.ESP301Options())
		if err != nil {
			mux.Close()
			return nil, err
		}
		if err := esp.Enable(ctx); err != nil {
			mux.Close()
			return nil, fmt.Errorf("enabling stage: %w", err)
		}
		axis = esp
		b.serial = mux
		instrument.Stage = fmt.Sprintf("ESP301 axis %d on %s", cfg.GetAxis(), cfg.GetSerialPort())
	}

	var spec spectrometer.Spectrometer = spectrometer.NewSim(spectrometer.SimConfig{
		Noise:      2,
		Reflectors: simSample,
		Seed:       1,
	}, clock)
	if corr := cfg.GetCorrection(); corr.Enabled() {
		spec = spectrometer.NewCorrected(spec, corr)
	}

	opts := cfg.AcquisitionOptions()
	opts.Clock = clock
	opts.Observer = observer
	opts.Sink = store
	opts.Instrument = instrument
	b.orch = acquisition.New(axis, spec, opts)
	return b, nil
}

func (b *bench) Close() error {
	if b.serial != nil {
		return b.serial.Close()
	}
	return nil
}
