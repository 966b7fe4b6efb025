// Package dqmc samples the attractive Hubbard model with determinant quantum Monte Carlo,
// keeping long imaginary time products stable as SVD factorizations.
package dqmc

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dqmc/lattice"
	qmat "github.com/fumin/dqmc/mat"
)

// State is the phase of the sampler.
type State int

const (
	Idle State = iota
	ProposalComputed
	Applied
	Rejected
	BatchFlushing
	FullRebuild
)

func (s State) String() string {
	return [...]string{"idle", "proposal computed", "applied", "rejected", "batch flushing", "full rebuild"}[s]
}

// SimulationOptions are options for a Simulation.
type SimulationOptions struct {
	log     *logrus.Entry
	monitor Monitor
	field   FieldGenerator
}

// NewSimulationOptions returns the default simulation options.
func NewSimulationOptions() SimulationOptions {
	opt := SimulationOptions{}
	opt.log = logrus.NewEntry(logrus.StandardLogger())
	opt.field = BernoulliField{P: 0.5}
	return opt
}

// Logger sets the logger.
func (opt SimulationOptions) Logger(l *logrus.Entry) SimulationOptions {
	opt.log = l
	return opt
}

// Monitor sets the observer of proposals and rebuilds.
func (opt SimulationOptions) Monitor(m Monitor) SimulationOptions {
	opt.monitor = m
	return opt
}

// Field sets the generator of the initial auxiliary field.
func (opt SimulationOptions) Field(f FieldGenerator) SimulationOptions {
	opt.field = f
	return opt
}

// Simulation samples auxiliary field configurations with weight
// det(I + e^shift_up·B)·det(I + e^shift_down·B), B the product of all time slices.
// A Simulation is not safe for concurrent use.
type Simulation struct {
	p       Params
	rngSrc  *rand.PCG
	rng     *rand.Rand
	log     *logrus.Entry
	monitor Monitor

	slices *SlicedPropagator
	engine GreenEngine
	base   qmat.USV
	green  [2]qmat.USV

	plog  float64
	psign float64
	batch *UpdateBatch
	state State

	sweeps     int
	proposed   int
	accepted   int
	drifts     int
	unreliable int
}

// NewSimulation returns a simulation of the Hubbard model described by p.
func NewSimulation(p Params, options ...SimulationOptions) (*Simulation, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	prop, err := lattice.NewPropagator(p.Lattice, p.Dt())
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return NewSimulationWith(p, prop, NewHubbard(p.U, p.Dt(), p.Potential()), options...)
}

// NewSimulationWith returns a simulation driven by an arbitrary propagator and vertex.
func NewSimulationWith(p Params, prop lattice.Propagator, vertex VertexApplier, options ...SimulationOptions) (*Simulation, error) {
	opt := NewSimulationOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if prop.Volume() != p.Volume() {
		return nil, errors.Wrapf(ErrInvalidArgument, "propagator volume %d lattice volume %d", prop.Volume(), p.Volume())
	}

	s := &Simulation{
		p:       p,
		rngSrc:  rand.NewPCG(p.Seed, p.Seed),
		log:     opt.log,
		monitor: opt.monitor,
		engine:  GreenEngine{Shifts: p.Shifts()},
		batch:   newUpdateBatch(p.BatchSize),
	}
	s.rng = rand.New(s.rngSrc)

	var err error
	a := p.FieldStrength()
	field := make([][]float64, p.Slices)
	for t := range field {
		field[t] = make([]float64, p.Volume())
		for x := range field[t] {
			field[t][x] = -a
			if opt.field.Initial(s.rng) {
				field[t][x] = a
			}
		}
	}
	s.slices, err = NewSlicedPropagator(prop, vertex, field, p.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := s.factorize(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	s.plog, s.psign = s.engine.Weight(s.green)
	if err := s.checkFinite(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

// Params returns the normalized parameters.
func (s *Simulation) Params() Params { return s.p }

// Slices returns the sliced propagator.
func (s *Simulation) Slices() *SlicedPropagator { return s.slices }

// State returns the phase of the sampler.
func (s *Simulation) State() State { return s.state }

// Factorization returns the factorization of the slice product as of the last flush.
func (s *Simulation) Factorization() qmat.USV { return s.base }

// Sweeps returns the number of completed sweeps.
func (s *Simulation) Sweeps() int { return s.sweeps }

// Acceptance returns the fraction of accepted proposals.
func (s *Simulation) Acceptance() float64 {
	if s.proposed == 0 {
		return 0
	}
	return float64(s.accepted) / float64(s.proposed)
}

// Drifts returns how many rebuilds found a tracked weight beyond tolerance.
func (s *Simulation) Drifts() int { return s.drifts }

// Unreliable returns how many proposals were rejected because a decomposition failed.
func (s *Simulation) Unreliable() int { return s.unreliable }

// LogProbability returns the log of the absolute weight and its sign, including pending corrections.
func (s *Simulation) LogProbability() (float64, float64) {
	return s.plog + s.batch.LogRatio, s.psign * s.batch.Sign
}

// Ratio returns the log absolute weight ratio and its sign for flipping sites of slice t,
// relative to the current configuration. Nothing is modified.
func (s *Simulation) Ratio(t int, sites ...int) (float64, float64, error) {
	c, err := s.slices.Correction(t, sites)
	if err != nil {
		return 0, 0, errors.Wrap(err, "")
	}
	p := s.evaluate(c)
	return p.logRatio, p.sign, nil
}

// MetropolisStep proposes to flip the field at a uniformly random slice and site.
func (s *Simulation) MetropolisStep() (bool, error) {
	t := s.rng.IntN(s.slices.Len())
	x := s.rng.IntN(s.slices.Volume())
	return s.propose(t, []int{x})
}

// MetropolisSlice proposes to flip several distinct sites of slice t at once.
func (s *Simulation) MetropolisSlice(t int, sites []int) (bool, error) {
	return s.propose(t, sites)
}

func (s *Simulation) propose(t int, sites []int) (bool, error) {
	if s.batch.full(len(sites)) {
		if err := s.flush(); err != nil {
			return false, errors.Wrap(err, "")
		}
	}

	accepted, err := s.tryFlip(t, sites)
	if err != nil {
		return false, errors.Wrap(err, "")
	}
	s.proposed++
	if accepted {
		s.accepted++
		s.state = Applied
	} else {
		s.state = Rejected
	}
	if s.monitor != nil {
		s.monitor.Proposed(accepted)
	}
	s.state = Idle
	return accepted, nil
}

// tryFlip evaluates and possibly applies a flip of sites of slice t.
// A proposal whose weight cannot be computed reliably counts as rejected.
func (s *Simulation) tryFlip(t int, sites []int) (bool, error) {
	unreliable := func(err error) (bool, error) {
		s.unreliable++
		s.log.WithFields(logrus.Fields{"slice": t, "sites": sites, "error": err}).Warn("proposal rejected")
		return false, nil
	}

	c, err := s.slices.Correction(t, sites)
	switch {
	case errors.Is(err, qmat.ErrDecomposition):
		return unreliable(err)
	case err != nil:
		return false, errors.Wrap(err, "")
	}
	s.state = ProposalComputed

	p := s.evaluate(c)
	if math.IsNaN(p.logRatio) {
		return unreliable(errors.New("proposal has no finite weight"))
	}
	if -s.rng.ExpFloat64() >= p.logRatio {
		return false, nil
	}
	switch err := s.accept(p); {
	case errors.Is(err, qmat.ErrDecomposition):
		return unreliable(err)
	case err != nil:
		return false, errors.Wrap(err, "")
	}
	return true, nil
}

// Sweep proposes V·N single site flips, then a multi-site flip per slice if ClusterSize > 0.
// Pending corrections are flushed afterwards, and every RebuildPeriod sweeps the time origin is
// shifted at random if TimeShift is set and everything is rebuilt from the field.
func (s *Simulation) Sweep() error {
	n, v := s.slices.Len(), s.slices.Volume()
	switch s.p.Policy {
	case PolicySequential:
		for t := range n {
			for x := range v {
				if _, err := s.propose(t, []int{x}); err != nil {
					return errors.Wrap(err, "")
				}
			}
		}
	default:
		for range n * v {
			if _, err := s.MetropolisStep(); err != nil {
				return errors.Wrap(err, "")
			}
		}
	}
	if k := s.p.ClusterSize; k > 0 {
		for t := range n {
			if _, err := s.propose(t, s.rng.Perm(v)[:k]); err != nil {
				return errors.Wrap(err, "")
			}
		}
	}
	if err := s.flush(); err != nil {
		return errors.Wrap(err, "")
	}

	s.sweeps++
	if s.sweeps%s.p.RebuildPeriod != 0 {
		return nil
	}
	if s.p.TimeShift {
		s.slices.SetShift(s.rng.IntN(n))
	}
	if _, err := s.Rebuild(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Rebuild recomputes the blocks, the factorization and the weight from the field alone.
// The fresh weight replaces the tracked one; the returned Drift compares the two.
func (s *Simulation) Rebuild() (Drift, error) {
	s.state = FullRebuild
	defer func() { s.state = Idle }()

	d := Drift{}
	d.Tracked, d.TrackedSign = s.LogProbability()
	s.batch.Reset()
	s.slices.MakeBlocks()
	if err := s.factorize(); err != nil {
		return d, errors.Wrap(err, "")
	}
	s.plog, s.psign = s.engine.Weight(s.green)
	d.Rebuilt, d.RebuiltSign = s.plog, s.psign
	if err := s.checkFinite(); err != nil {
		return d, errors.Wrap(err, "")
	}

	exceeded := d.Exceeds(s.p.DriftTolerance)
	if exceeded {
		s.drifts++
		s.log.WithFields(logrus.Fields{
			"sweep":        s.sweeps,
			"tracked":      d.Tracked,
			"rebuilt":      d.Rebuilt,
			"tracked_sign": d.TrackedSign,
			"rebuilt_sign": d.RebuiltSign,
		}).Warn("weight drift")
	}
	if s.monitor != nil {
		s.monitor.Rebuilt(d, exceeded)
	}
	return d, nil
}

// GreenFunction returns G = (I + e^shift·B)⁻¹ of species sp for the current configuration.
// Pending corrections are flushed first.
func (s *Simulation) GreenFunction(sp Species) (*mat.Dense, error) {
	if err := s.flush(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return s.engine.GreenFunction(s.green, sp), nil
}

// DensityMatrix returns I - G of species sp for the current configuration.
// Pending corrections are flushed first.
func (s *Simulation) DensityMatrix(sp Species) (*mat.Dense, error) {
	if err := s.flush(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	rho, err := s.engine.DensityMatrix(s.base, sp)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return rho, nil
}

// factorize rebuilds the factorization from the current blocks.
func (s *Simulation) factorize() error {
	base, err := s.build()
	if err != nil {
		return errors.Wrap(err, "")
	}
	green, err := s.engine.Factorize(base)
	if err != nil {
		return errors.Wrap(err, "")
	}
	s.base, s.green = base, green
	return nil
}

// build factorizes the product of the current blocks.
// A failed decomposition is retried once with re-orthogonalisation after every block.
func (s *Simulation) build() (qmat.USV, error) {
	base, err := qmat.Build(s.slices.Blocks(), s.p.SVDPeriod)
	if errors.Is(err, qmat.ErrDecomposition) && s.p.SVDPeriod > 1 {
		s.log.WithField("error", err).Warn("factorization failed, retrying with period 1")
		base, err = qmat.Build(s.slices.Blocks(), 1)
	}
	if err != nil {
		return qmat.USV{}, errors.Wrap(err, "")
	}
	return base, nil
}

func (s *Simulation) checkFinite() error {
	if math.IsNaN(s.plog) || math.IsInf(s.plog, 0) {
		return errors.Wrapf(ErrNumericalInstability, "log probability %f", s.plog)
	}
	return nil
}
