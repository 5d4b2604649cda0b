package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/serialmux"
)

// DefaultTolerance is the distance from the target, in mm, within which a
// stopped ESP301 axis counts as settled.
const DefaultTolerance = 0.0005

// LineConn is a command/response line transport such as serialmux.SerialMux.
type LineConn interface {
	SendCommand(command string) error
	Query(ctx context.Context, command string) (string, error)
}

// ESP301Options configures one axis of an ESP301 controller.
type ESP301Options struct {
	// Axis is the controller axis number, 1 to 3.
	Axis int
	// Tolerance in mm; zero uses DefaultTolerance.
	Tolerance float64
	// Velocity in mm/s set when the axis is enabled; zero keeps the
	// controller's setting.
	Velocity float64
}

// ESP301 drives one axis of a Newport ESP301 motion controller.
type ESP301 struct {
	conn LineConn
	opts ESP301Options
	logf func(string, ...interface{})

	mu     sync.Mutex
	target float64
	moving bool
}

// NewESP301 returns a driver for opts.Axis on conn.
func NewESP301(conn LineConn, opts ESP301Options) (*ESP301, error) {
	if opts.Axis < 1 || opts.Axis > 3 {
		return nil, fmt.Errorf("esp301: axis %d out of range 1..3", opts.Axis)
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &ESP301{conn: conn, opts: opts, logf: monitoring.Tagged("esp301")}, nil
}

func (e *ESP301) cmd(suffix string) string {
	return strconv.Itoa(e.opts.Axis) + suffix
}

// Enable powers the motor, applies the configured velocity and checks the
// controller error buffer.
func (e *ESP301) Enable(ctx context.Context) error {
	if err := e.send(e.cmd("MO")); err != nil {
		return err
	}
	if e.opts.Velocity > 0 {
		if err := e.send(e.cmd(fmt.Sprintf("VA%.3f", e.opts.Velocity))); err != nil {
			return err
		}
	}
	return e.CheckError(ctx)
}

// MoveTo commands an absolute move.
func (e *ESP301) MoveTo(ctx context.Context, pos float64) error {
	if !finite(pos) {
		return fmt.Errorf("%w: esp301: target %v is not finite", scan.ErrHardwareFault, pos)
	}
	if err := e.send(e.cmd(fmt.Sprintf("PA%.6f", pos))); err != nil {
		return err
	}
	e.mu.Lock()
	e.target = pos
	e.moving = true
	e.mu.Unlock()
	return nil
}

// IsSettled reports whether motion is done and the axis is within tolerance
// of the last target.
func (e *ESP301) IsSettled(ctx context.Context) (bool, error) {
	resp, err := e.query(ctx, e.cmd("MD?"))
	if err != nil {
		return false, err
	}
	done, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return false, fmt.Errorf("%w: esp301: unexpected motion-done reply %q", scan.ErrHardwareFault, resp)
	}
	if done == 0 {
		return false, nil
	}

	pos, err := e.Position(ctx)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	target, moving := e.target, e.moving
	e.mu.Unlock()
	if !moving {
		return true, nil
	}
	if math.Abs(pos-target) > e.opts.Tolerance {
		// Motion finished short of the target; the controller records why.
		if err := e.CheckError(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	e.mu.Lock()
	e.moving = false
	e.mu.Unlock()
	return true, nil
}

// Stop halts the axis with the configured deceleration.
func (e *ESP301) Stop(ctx context.Context) error {
	if err := e.send(e.cmd("ST")); err != nil {
		return err
	}
	e.mu.Lock()
	e.moving = false
	e.mu.Unlock()
	return nil
}

// Position returns the actual position reported by the encoder.
func (e *ESP301) Position(ctx context.Context) (float64, error) {
	return e.queryFloat(ctx, e.cmd("TP?"))
}

// SoftLimits returns the left and right software travel limits.
func (e *ESP301) SoftLimits(ctx context.Context) (Limits, error) {
	left, err := e.queryFloat(ctx, e.cmd("SL?"))
	if err != nil {
		return Limits{}, err
	}
	right, err := e.queryFloat(ctx, e.cmd("SR?"))
	if err != nil {
		return Limits{}, err
	}
	return Limits{Min: left, Max: right}, nil
}

// CheckError reads one entry of the controller error buffer ("TB?") and
// returns it as a hardware fault when the code is non-zero.
func (e *ESP301) CheckError(ctx context.Context) error {
	resp, err := e.query(ctx, "TB?")
	if err != nil {
		return err
	}
	parts := strings.SplitN(resp, ",", 3)
	code, perr := strconv.Atoi(strings.TrimSpace(parts[0]))
	if perr != nil {
		return fmt.Errorf("%w: esp301: unexpected error buffer reply %q", scan.ErrHardwareFault, resp)
	}
	if code == 0 {
		return nil
	}
	msg := resp
	if len(parts) == 3 {
		msg = strings.TrimSpace(parts[2])
	}
	e.logf("controller error %d: %s", code, msg)
	return fmt.Errorf("%w: esp301 error %d: %s", scan.ErrHardwareFault, code, msg)
}

func (e *ESP301) send(command string) error {
	if err := e.conn.SendCommand(command); err != nil {
		return fmt.Errorf("%w: esp301 %s: %v", scan.ErrHardwareFault, command, err)
	}
	return nil
}

func (e *ESP301) query(ctx context.Context, command string) (string, error) {
	resp, err := e.conn.Query(ctx, command)
	if err != nil {
		if errors.Is(err, serialmux.ErrNoResponse) {
			return "", fmt.Errorf("%w: esp301 %s: %v", scan.ErrHardwareTimeout, command, err)
		}
		return "", fmt.Errorf("%w: esp301 %s: %v", scan.ErrHardwareFault, command, err)
	}
	return resp, nil
}

func (e *ESP301) queryFloat(ctx context.Context, command string) (float64, error) {
	resp, err := e.query(ctx, command)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil || !finite(v) {
		return 0, fmt.Errorf("%w: esp301 %s: invalid reply %q", scan.ErrHardwareFault, command, resp)
	}
	return v, nil
}
