package dqmc

import (
	"math"

	"github.com/pkg/errors"
)

// Snapshot is the state needed to resume sampling: field, time shift, weight and random state.
type Snapshot struct {
	Field          [][]float64
	Shift          int
	LogProbability float64
	Sign           float64
	RNG            []byte
	Sweeps         int
}

// Snapshot flushes pending corrections and captures the sampler state.
func (s *Simulation) Snapshot() (Snapshot, error) {
	if err := s.flush(); err != nil {
		return Snapshot{}, errors.Wrap(err, "")
	}
	rng, err := s.rngSrc.MarshalBinary()
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "")
	}
	return Snapshot{
		Field:          s.slices.Field(),
		Shift:          s.slices.Shift(),
		LogProbability: s.plog,
		Sign:           s.psign,
		RNG:            rng,
		Sweeps:         s.sweeps,
	}, nil
}

// Restore replaces the sampler state with snap and rebuilds everything from its field.
// The returned Drift compares the stored weight with the rebuilt one.
func (s *Simulation) Restore(snap Snapshot) (Drift, error) {
	n, v := s.slices.Len(), s.slices.Volume()
	if len(snap.Field) != n {
		return Drift{}, errors.Wrapf(ErrInvalidArgument, "%d slices, expected %d", len(snap.Field), n)
	}
	a := s.p.FieldStrength()
	for t, row := range snap.Field {
		if len(row) != v {
			return Drift{}, errors.Wrapf(ErrInvalidArgument, "slice %d has %d sites, expected %d", t, len(row), v)
		}
		for x, sigma := range row {
			if math.Abs(math.Abs(sigma)-a) > 1e-12*max(1, a) {
				return Drift{}, errors.Wrapf(ErrInvalidArgument, "field (%d, %d) is %f, expected ±%f", t, x, sigma, a)
			}
		}
	}
	if len(snap.RNG) > 0 {
		if err := s.rngSrc.UnmarshalBinary(snap.RNG); err != nil {
			return Drift{}, errors.Wrap(ErrInvalidArgument, err.Error())
		}
	}

	for t, row := range snap.Field {
		copy(s.slices.field[t], row)
	}
	s.slices.SetShift(snap.Shift)
	s.batch.Reset()
	s.plog, s.psign = snap.LogProbability, snap.Sign
	s.sweeps = snap.Sweeps
	d, err := s.Rebuild()
	if err != nil {
		return d, errors.Wrap(err, "")
	}
	return d, nil
}
