package motion

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/octscan/internal/scan"
)

// SimAxis is an in-memory Axis. Moves arrive instantly; settling takes
// SettlePolls calls to IsSettled. Faults and settle failures can be injected
// while a scan runs.
type SimAxis struct {
	mu sync.Mutex

	limits      Limits
	pos         float64
	settlePolls int
	pollsLeft   int
	neverSettle bool
	fault       error
	positionErr float64

	moves []float64
	stops int
}

// NewSimAxis returns a simulated axis at position 0 with the given limits.
func NewSimAxis(limits Limits) *SimAxis {
	return &SimAxis{limits: limits}
}

// SetSettlePolls sets how many IsSettled polls report false after each move.
func (a *SimAxis) SetSettlePolls(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settlePolls = n
}

// SetNeverSettle makes IsSettled report false forever.
func (a *SimAxis) SetNeverSettle(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.neverSettle = v
}

// SetFault makes MoveTo and IsSettled fail with err wrapped as a hardware
// fault. Nil clears it.
func (a *SimAxis) SetFault(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fault = err
}

// SetPositionError offsets every arrival from its target by d.
func (a *SimAxis) SetPositionError(d float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positionErr = d
}

func (a *SimAxis) faultErr() error {
	if a.fault == nil {
		return nil
	}
	return fmt.Errorf("%w: simulated axis: %v", scan.ErrHardwareFault, a.fault)
}

func (a *SimAxis) MoveTo(_ context.Context, pos float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moves = append(a.moves, pos)
	if err := a.faultErr(); err != nil {
		return err
	}
	if !a.limits.Contains(pos) {
		return fmt.Errorf("%w: simulated axis: target %g outside %v", scan.ErrHardwareFault, pos, a.limits)
	}
	a.pos = pos + a.positionErr
	a.pollsLeft = a.settlePolls
	return nil
}

func (a *SimAxis) IsSettled(_ context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.faultErr(); err != nil {
		return false, err
	}
	if a.neverSettle {
		return false, nil
	}
	if a.pollsLeft > 0 {
		a.pollsLeft--
		return false, nil
	}
	return true, nil
}

func (a *SimAxis) Stop(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	a.pollsLeft = 0
	return nil
}

func (a *SimAxis) Position(_ context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos, nil
}

func (a *SimAxis) SoftLimits(_ context.Context) (Limits, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limits, nil
}

// Moves returns every commanded target in order, including rejected ones.
func (a *SimAxis) Moves() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float64(nil), a.moves...)
}

// MovesTo counts the commands that targeted pos.
func (a *SimAxis) MovesTo(pos float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.moves {
		if m == pos {
			n++
		}
	}
	return n
}

// Stops returns how many times Stop was called.
func (a *SimAxis) Stops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}
