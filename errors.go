package dqmc

import (
	"math"

	"github.com/pkg/errors"

	qmat "github.com/fumin/dqmc/mat"
)

var (
	// ErrInvalidArgument marks malformed parameters, indices or operand shapes.
	ErrInvalidArgument = qmat.ErrInvalidArgument
	// ErrNumericalInstability marks non-finite weights or observables.
	ErrNumericalInstability = errors.New("numerical instability")
	// ErrDriftDetected marks a tracked weight that disagrees with a fresh rebuild.
	ErrDriftDetected = errors.New("weight drift detected")
)

// Drift compares the incrementally tracked weight with the one recomputed from scratch.
type Drift struct {
	Tracked     float64
	Rebuilt     float64
	TrackedSign float64
	RebuiltSign float64
}

// Exceeds reports whether the log weights differ by more than tol relative to the rebuilt one,
// or whether the signs disagree.
func (d Drift) Exceeds(tol float64) bool {
	if d.TrackedSign != d.RebuiltSign {
		return true
	}
	return !(d.Abs() <= tol*max(1, math.Abs(d.Rebuilt)))
}

// Err returns an error wrapping ErrDriftDetected if d exceeds tol.
func (d Drift) Err(tol float64) error {
	if !d.Exceeds(tol) {
		return nil
	}
	return errors.Wrapf(ErrDriftDetected, "tracked %g (%+.0f) rebuilt %g (%+.0f)", d.Tracked, d.TrackedSign, d.Rebuilt, d.RebuiltSign)
}

// Abs returns the absolute difference of the log weights.
func (d Drift) Abs() float64 {
	return math.Abs(d.Tracked - d.Rebuilt)
}
