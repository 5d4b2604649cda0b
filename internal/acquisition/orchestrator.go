// Package acquisition runs scans: it drives the stage through the planned
// targets, reads a spectrum at each one, transforms it and hands the
// finished record to a sink.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/motion"
	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/spectral"
	"github.com/banshee-data/octscan/internal/spectrometer"
)

// ErrNoScan is returned by Wait before any scan has been started.
var ErrNoScan = errors.New("no scan has been started")

// errAborted unwinds the step loop after an abort request.
var errAborted = errors.New("scan aborted")

// Result is the outcome of one scan. Err is the fault for faulted scans, or
// the error from finalizing or persisting the record.
type Result struct {
	Record   *archive.Record
	Location string
	Err      error
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State     State      `json:"state"`
	Step      int        `json:"step"`
	Steps     int        `json:"steps"`
	Label     string     `json:"label,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Fault     string     `json:"fault,omitempty"`
	Location  string     `json:"location,omitempty"`
}

// Orchestrator owns the stage and the spectrometer for the duration of a
// scan. One scan runs at a time.
type Orchestrator struct {
	axis motion.Axis
	spec spectrometer.Spectrometer
	opts Options
	logf func(format string, v ...interface{})

	// startMu serializes StartScan, Reset and CaptureBackground so that
	// validation I/O happens outside mu.
	startMu sync.Mutex

	mu         sync.Mutex
	state      State
	step       int
	cur        *run
	abortReq   bool
	cancelWait context.CancelFunc
	done       chan struct{}
	result     *Result
	fault      error
}

// run holds the per-scan data. It is only touched by the scan goroutine.
type run struct {
	cfg         scan.Config
	targets     []float64
	home        float64
	calibration []float64
	buf         *spectral.Buffer
	tr          *spectral.Transformer
	positions   []float64
	profiles    []scan.DepthProfile
	warnings    []scan.Warning
	started     time.Time
	timeouts    int
	waitCtx     context.Context
	cancelWait  context.CancelFunc
}

// New returns an idle orchestrator.
func New(axis motion.Axis, spec spectrometer.Spectrometer, opts Options) *Orchestrator {
	return &Orchestrator{
		axis:  axis,
		spec:  spec,
		opts:  opts.withDefaults(),
		logf:  monitoring.Tagged("acquisition"),
		state: StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the current state with scan progress.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{State: o.state, Step: o.step}
	if o.cur != nil {
		s.Steps = o.cur.cfg.Steps
		s.Label = o.cur.cfg.Label
		started := o.cur.started
		s.StartedAt = &started
	}
	if o.fault != nil {
		s.Fault = o.fault.Error()
	}
	if o.result != nil {
		s.Location = o.result.Location
	}
	return s
}

// StartScan validates cfg against the axis and, when it is acceptable,
// starts the scan in the background. A rejected config leaves the
// orchestrator untouched. The scan outlives ctx's cancellation; use Abort
// to stop it.
func (o *Orchestrator) StartScan(ctx context.Context, cfg scan.Config) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if st := o.State(); st != StateIdle {
		return fmt.Errorf("%w: orchestrator is %s", scan.ErrBusy, st)
	}

	limits, err := o.axis.SoftLimits(ctx)
	if err != nil {
		return fmt.Errorf("reading axis limits: %w", err)
	}
	seq := motion.Sequencer{
		Limits:          limits,
		MaxScanDuration: o.opts.MaxScanDuration,
		SettleAllowance: o.opts.SettleAllowance,
	}
	targets, err := seq.Plan(cfg)
	if err != nil {
		return err
	}
	calibration, err := o.spec.WavelengthCalibration()
	if err != nil {
		return fmt.Errorf("reading wavelength calibration: %w", err)
	}
	frozen := cfg.Clone()
	tr, err := spectral.NewTransformer(calibration, spectral.OptionsFromConfig(frozen))
	if err != nil {
		return err
	}
	buf, err := spectral.NewBuffer(frozen.Steps)
	if err != nil {
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	waitCtx, cancel := context.WithCancel(runCtx)
	r := &run{
		cfg:         frozen,
		targets:     targets,
		home:        seq.HomePosition(frozen),
		calibration: calibration,
		buf:         buf,
		tr:          tr,
		positions:   make([]float64, 0, frozen.Steps),
		profiles:    make([]scan.DepthProfile, 0, frozen.Steps),
		started:     o.opts.Clock.Now(),
		waitCtx:     waitCtx,
		cancelWait:  cancel,
	}

	done := make(chan struct{})
	o.mu.Lock()
	o.state = StateArming
	o.step = 0
	o.cur = r
	o.abortReq = false
	o.cancelWait = cancel
	o.done = done
	o.result = nil
	o.fault = nil
	o.mu.Unlock()

	o.logf("starting scan %q: %d steps from %g to %g, home %g", cfg.Label, cfg.Steps, cfg.Start, cfg.End, r.home)
	go o.run(runCtx, r, done)
	return nil
}

// Abort requests that the running scan stop after the current step. It
// returns immediately and is a no-op when no scan is running or an abort is
// already pending.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.abortReq || !o.state.Running() || o.state == StateFinalizing {
		return
	}
	o.abortReq = true
	if o.cancelWait != nil {
		o.cancelWait()
	}
	o.logf("abort requested at step %d", o.step)
}

// Reset clears a fault and returns to Idle. It is a no-op when idle.
func (o *Orchestrator) Reset() error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	switch o.state {
	case StateIdle:
		o.mu.Unlock()
		return nil
	case StateFaulted:
	default:
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot reset while %s", scan.ErrBusy, st)
	}
	o.state = StateIdle
	o.fault = nil
	step := o.step
	o.mu.Unlock()

	o.logf("fault cleared")
	o.opts.Observer.OnStatus(StatusEvent{State: StateIdle, Step: step, Time: o.opts.Clock.Now()})
	return nil
}

// Wait blocks until the most recent scan has finished and returns its
// result.
func (o *Orchestrator) Wait(ctx context.Context) (Result, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return Result{}, ErrNoScan
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.result, nil
}

// CaptureBackground reads one spectrum with the given integration time for
// use as a scan background. It is only allowed while idle.
func (o *Orchestrator) CaptureBackground(ctx context.Context, integration time.Duration) ([]float64, error) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if st := o.State(); st != StateIdle {
		return nil, fmt.Errorf("%w: orchestrator is %s", scan.ErrBusy, st)
	}
	if integration <= 0 {
		return nil, fmt.Errorf("%w: integration time %v must be positive", scan.ErrInvalidGeometry, integration)
	}
	if err := o.spec.SetIntegrationTime(integration); err != nil {
		return nil, hardwareFault("setting integration time", err)
	}
	rctx, cancel := context.WithTimeout(ctx, integration+o.opts.ReadTimeout)
	defer cancel()
	s, err := o.spec.TriggerRead(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: background read: %v", scan.ErrHardwareTimeout, err)
		}
		return nil, hardwareFault("background read", err)
	}
	if s.Saturated {
		o.logf("warning: background spectrum is saturated")
	}
	o.logf("captured background: %d samples at %v", len(s.Intensities), integration)
	return append([]float64(nil), s.Intensities...), nil
}

func (o *Orchestrator) setState(st State, step int) {
	o.mu.Lock()
	o.state = st
	o.step = step
	o.mu.Unlock()
	o.opts.Observer.OnStatus(StatusEvent{State: st, Step: step, Time: o.opts.Clock.Now()})
}

func (o *Orchestrator) abortRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortReq
}

func (o *Orchestrator) warn(r *run, sev scan.Severity, err error, step int) {
	w := scan.Warning{
		Severity: sev,
		Kind:     scan.KindOf(err),
		Message:  err.Error(),
		Step:     step,
		Time:     o.opts.Clock.Now(),
	}
	r.warnings = append(r.warnings, w)
	o.logf("%s at step %d: %v", sev, step, err)
	o.opts.Observer.OnWarning(w)
}

func (o *Orchestrator) run(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)
	o.opts.Observer.OnStatus(StatusEvent{State: StateArming, Step: 0, Time: o.opts.Clock.Now()})

	err := o.acquire(ctx, r)
	last := max(r.buf.Len()-1, 0)

	var status scan.Status
	switch {
	case errors.Is(err, errAborted):
		status = scan.StatusAborted
		err = nil
		o.setState(StateAborting, last)
		if serr := o.axis.Stop(ctx); serr != nil {
			o.warn(r, scan.SeverityWarning, fmt.Errorf("stopping axis: %w", serr), last)
		}
		o.returnHome(ctx, r, last)
		o.setState(StateFinalizing, last)
	case err != nil:
		status = scan.StatusFaulted
		o.mu.Lock()
		o.fault = err
		o.mu.Unlock()
		o.warn(r, scan.SeverityFault, err, last)
		// One recovery attempt; its outcome does not change the fault.
		if herr := o.axis.MoveTo(ctx, r.home); herr != nil {
			o.logf("return home after fault failed: %v", herr)
		}
		o.setState(StateFinalizing, last)
	default:
		status = scan.StatusCompleted
		o.returnHome(ctx, r, last)
		o.setState(StateFinalizing, last)
	}

	res := o.finalize(ctx, r, status)
	if err != nil {
		res.Err = err
	}

	// The result is published and this run's waits are released before the
	// state leaves Finalizing, so Reset and StartScan only ever see a
	// finished run.
	r.cancelWait()
	o.mu.Lock()
	o.result = &res
	o.mu.Unlock()

	if status == scan.StatusFaulted {
		o.setState(StateFaulted, last)
	} else {
		o.setState(StateIdle, last)
	}
	o.logf("scan %q %s: %d of %d steps", r.cfg.Label, status, r.buf.Len(), r.cfg.Steps)
}

// acquire runs the step loop. It returns errAborted after an abort request
// and a fault error when the scan cannot continue.
func (o *Orchestrator) acquire(ctx context.Context, r *run) error {
	for i, target := range r.targets {
		if err := o.moveAndSettle(ctx, r, i, target); err != nil {
			return err
		}
		pos, err := o.axis.Position(ctx)
		if err != nil {
			return hardwareFault("reading stage position", err)
		}
		if r.cfg.Dwell > 0 {
			o.opts.Clock.Sleep(r.cfg.Dwell)
		}
		if o.abortRequested() {
			return errAborted
		}

		o.setState(StateStepping, i)
		s, err := o.read(r, i)
		if err != nil {
			return err
		}
		o.setState(StateReading, i)

		if s.Saturated && !o.abortRequested() {
			if retry, rerr := o.read(r, i); rerr == nil {
				s = retry
			} else if !errors.Is(rerr, errAborted) {
				return rerr
			}
			msg := "spectrum saturated; retried once"
			if s.Saturated {
				msg = "spectrum saturated after retry; accepted"
			}
			o.warn(r, scan.SeverityWarning, errors.New(msg), i)
		}

		if len(s.Intensities) != len(r.calibration) {
			return fmt.Errorf("%w: %w: spectrometer returned %d samples, calibration has %d",
				scan.ErrHardwareFault, scan.ErrInvalidSpectrum, len(s.Intensities), len(r.calibration))
		}
		if err := r.buf.Put(i, s); err != nil {
			return fmt.Errorf("%w: %v", scan.ErrHardwareFault, err)
		}
		r.positions = append(r.positions, pos)
		if !r.cfg.Processing.Deferred {
			p, werr := transform(r.tr, i, s)
			if werr != nil {
				o.warn(r, scan.SeverityWarning, werr, i)
			}
			r.profiles = append(r.profiles, p)
		}

		if o.abortRequested() {
			return errAborted
		}
	}
	return nil
}

// transform never fails to produce a profile: on error the returned profile
// is marked degraded and the error becomes a warning.
func transform(tr *spectral.Transformer, step int, s scan.RawSpectrum) (scan.DepthProfile, error) {
	p, err := tr.Transform(step, s)
	if err == nil || errors.Is(err, scan.ErrNumericOverflow) {
		return p, err
	}
	return scan.DepthProfile{Step: step, Axis: tr.Axis(), Degraded: true}, err
}

// moveAndSettle commands a move and waits for it to settle. A timeout is
// retried once; two consecutive timeouts, counted across settles and reads,
// become a fault.
func (o *Orchestrator) moveAndSettle(ctx context.Context, r *run, step int, target float64) error {
	for {
		if err := o.axis.MoveTo(ctx, target); err != nil {
			return o.classify(r, step, "moving stage", err)
		}
		err := o.waitSettled(ctx, true)
		if err == nil {
			r.timeouts = 0
			return nil
		}
		if errors.Is(err, errAborted) {
			return err
		}
		if cerr := o.classify(r, step, "waiting for stage", err); cerr != nil {
			return cerr
		}
	}
}

// classify turns err into a fault, or records a retryable timeout and
// returns nil.
func (o *Orchestrator) classify(r *run, step int, what string, err error) error {
	if !errors.Is(err, scan.ErrHardwareTimeout) {
		return hardwareFault(what, err)
	}
	r.timeouts++
	o.warn(r, scan.SeverityWarning, err, step)
	if r.timeouts >= 2 {
		return fmt.Errorf("%w: %s: %d consecutive timeouts", scan.ErrHardwareFault, what, r.timeouts)
	}
	return nil
}

func (o *Orchestrator) waitSettled(ctx context.Context, abortable bool) error {
	clock := o.opts.Clock
	deadline := clock.Now().Add(o.opts.SettleTimeout)
	for {
		if abortable && o.abortRequested() {
			return errAborted
		}
		ok, err := o.axis.IsSettled(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return fmt.Errorf("%w: stage did not settle within %v", scan.ErrHardwareTimeout, o.opts.SettleTimeout)
		}
		clock.Sleep(o.opts.PollInterval)
	}
}

// read triggers one acquisition bounded by the integration time plus the
// read timeout, retrying a single timeout.
func (o *Orchestrator) read(r *run, step int) (scan.RawSpectrum, error) {
	for {
		if err := o.spec.SetIntegrationTime(r.cfg.IntegrationTime); err != nil {
			return scan.RawSpectrum{}, hardwareFault("setting integration time", err)
		}
		rctx, cancel := context.WithTimeout(r.waitCtx, r.cfg.IntegrationTime+o.opts.ReadTimeout)
		s, err := o.spec.TriggerRead(rctx)
		cancel()
		if err == nil {
			r.timeouts = 0
			return s, nil
		}
		if o.abortRequested() {
			return scan.RawSpectrum{}, errAborted
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no spectrum within %v", scan.ErrHardwareTimeout, r.cfg.IntegrationTime+o.opts.ReadTimeout)
		}
		if cerr := o.classify(r, step, "reading spectrum", err); cerr != nil {
			return scan.RawSpectrum{}, cerr
		}
	}
}

// returnHome sends the stage home once and waits for it, recording any
// failure as a warning.
func (o *Orchestrator) returnHome(ctx context.Context, r *run, step int) {
	if err := o.axis.MoveTo(ctx, r.home); err != nil {
		o.warn(r, scan.SeverityWarning, fmt.Errorf("returning home: %w", err), step)
		return
	}
	if err := o.waitSettled(ctx, false); err != nil {
		o.warn(r, scan.SeverityWarning, fmt.Errorf("returning home: %w", err), step)
	}
}

// finalize runs the deferred transforms if needed, builds the record and
// passes it to the sink.
func (o *Orchestrator) finalize(ctx context.Context, r *run, status scan.Status) Result {
	spectra := r.buf.Freeze()
	if r.cfg.Processing.Deferred {
		r.profiles = o.transformAll(r, spectra)
	}

	rec, err := archive.Finalize(archive.FinalizeInput{
		Config:      r.cfg,
		Targets:     r.targets,
		Spectra:     spectra,
		Profiles:    r.profiles,
		Positions:   r.positions,
		Status:      status,
		Warnings:    r.warnings,
		Calibration: r.calibration,
		Instrument:  o.opts.Instrument,
		StartedAt:   r.started,
		EndedAt:     o.opts.Clock.Now(),
	})
	if err != nil {
		o.logf("building record: %v", err)
		return Result{Err: err}
	}
	if o.opts.Sink == nil {
		return Result{Record: rec}
	}
	loc, err := o.opts.Sink.Persist(ctx, rec)
	if err != nil {
		o.logf("persisting record %s: %v", rec.ID, err)
		return Result{Record: rec, Err: err}
	}
	return Result{Record: rec, Location: loc}
}

// transformAll computes every profile in parallel. Warnings are recorded in
// step order afterwards.
func (o *Orchestrator) transformAll(r *run, spectra []scan.RawSpectrum) []scan.DepthProfile {
	profiles := make([]scan.DepthProfile, len(spectra))
	errs := make([]error, len(spectra))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range spectra {
		g.Go(func() error {
			profiles[i], errs[i] = transform(r.tr, i, spectra[i])
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			o.warn(r, scan.SeverityWarning, err, i)
		}
	}
	return profiles
}

func hardwareFault(what string, err error) error {
	if errors.Is(err, scan.ErrHardwareFault) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", scan.ErrHardwareFault, what, err)
}
