package acquisition

import (
	"context"
	"time"

	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/timeutil"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultSettleTimeout = 10 * time.Second
	DefaultReadTimeout   = 5 * time.Second
	DefaultPollInterval  = 20 * time.Millisecond
)

// Sink receives every finished record, whatever its status.
type Sink interface {
	Persist(ctx context.Context, rec *archive.Record) (string, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *archive.Record) (string, error)

func (f SinkFunc) Persist(ctx context.Context, rec *archive.Record) (string, error) {
	return f(ctx, rec)
}

// Options configures an Orchestrator.
type Options struct {
	// SettleTimeout bounds each wait for the axis to settle.
	SettleTimeout time.Duration
	// ReadTimeout is allowed on top of the integration time for each read.
	ReadTimeout time.Duration
	// PollInterval is the pause between settle polls.
	PollInterval time.Duration
	// MaxScanDuration and SettleAllowance feed the sequencer's duration
	// check; a zero MaxScanDuration disables it.
	MaxScanDuration time.Duration
	SettleAllowance time.Duration

	Clock      timeutil.Clock
	Observer   Observer
	Sink       Sink
	Instrument archive.Instrument
}

func (o Options) withDefaults() Options {
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = DefaultSettleTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Observer == nil {
		o.Observer = ObserverFuncs{}
	}
	return o
}
