// Package motion plans scan trajectories and drives the translation stage.
//
// Axis is the capability the acquisition orchestrator consumes. ESP301
// implements it over a serial line to a Newport ESP301 controller and
// SimAxis implements it in memory for development and tests.
package motion

import (
	"context"
	"fmt"
)

// Limits are the soft travel limits of an axis, in axis units (mm).
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether pos lies within the limits, inclusive.
func (l Limits) Contains(pos float64) bool {
	return pos >= l.Min && pos <= l.Max
}

func (l Limits) String() string {
	return fmt.Sprintf("[%g, %g]", l.Min, l.Max)
}

// Axis is a single motorized axis. MoveTo only issues the command; callers
// poll IsSettled until the stage has arrived and stopped vibrating.
type Axis interface {
	MoveTo(ctx context.Context, pos float64) error
	IsSettled(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
	Position(ctx context.Context) (float64, error)
	SoftLimits(ctx context.Context) (Limits, error)
}
