package dqmc

import (
	"math"

	"github.com/pkg/errors"

	"github.com/fumin/dqmc/lattice"
)

// Policy selects how a sweep visits auxiliary field entries.
type Policy string

const (
	// PolicyRandom proposes V·N flips at uniformly random (slice, site) pairs.
	PolicyRandom Policy = "random"
	// PolicySequential proposes a flip of every site of a slice before advancing to the next slice.
	PolicySequential Policy = "sequential"
)

// Params are the parameters of one simulation job.
// The interaction is attractive with strength U >= 0, and Mu is measured from half filling.
type Params struct {
	lattice.Lattice `yaml:",inline"`

	Beta   float64 `yaml:"beta" json:"beta"`
	Slices int     `yaml:"slices" json:"slices"`
	U      float64 `yaml:"u" json:"u"`
	Mu     float64 `yaml:"mu" json:"mu"`
	// B is the Zeeman field splitting the chemical potentials of the two species.
	B float64 `yaml:"b" json:"b"`

	// BlockSize is the number of slices multiplied together without stabilisation.
	BlockSize int `yaml:"block_size" json:"block_size"`
	// SVDPeriod is the number of blocks between re-orthogonalisations of the running product.
	SVDPeriod int `yaml:"svd_period" json:"svd_period"`
	// BatchSize is the maximum number of pending low-rank corrections before they are flushed.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// LowRankFlush updates the factorization with the pending corrections instead of rebuilding it.
	LowRankFlush bool `yaml:"low_rank_flush" json:"low_rank_flush"`

	Seed           uint64  `yaml:"seed" json:"seed"`
	Thermalization int     `yaml:"thermalization" json:"thermalization"`
	Sweeps         int     `yaml:"sweeps" json:"sweeps"`
	Policy         Policy  `yaml:"policy" json:"policy"`
	ClusterSize    int     `yaml:"cluster_size" json:"cluster_size"`
	InitialUp      float64 `yaml:"initial_up" json:"initial_up"`
	RebuildPeriod  int     `yaml:"rebuild_period" json:"rebuild_period"`
	TimeShift      bool    `yaml:"time_shift" json:"time_shift"`
	DriftTolerance float64 `yaml:"drift_tolerance" json:"drift_tolerance"`
}

// DefaultParams returns the parameters of a small half filled Hubbard square plaquette.
func DefaultParams() Params {
	return Params{
		Lattice: lattice.Lattice{Lx: 2, Ly: 2, Lz: 1, Tx: 1, Ty: 1, Tz: 1},

		Beta:   1,
		Slices: 10,
		U:      4,

		BlockSize: 4,
		SVDPeriod: 1,
		BatchSize: 8,

		Seed:           42,
		Thermalization: 1000,
		Sweeps:         1000,
		Policy:         PolicyRandom,
		InitialUp:      0.5,
		RebuildPeriod:  1,
		TimeShift:      true,
		DriftTolerance: 1e-6,
	}
}

// Normalize clamps parameters to their usable range.
func (p Params) Normalize() Params {
	p.Lattice = p.Lattice.Normalize()
	p.BlockSize = min(max(p.BlockSize, 1), max(p.Slices, 1))
	p.SVDPeriod = max(p.SVDPeriod, 1)
	p.BatchSize = max(p.BatchSize, 1)
	p.RebuildPeriod = max(p.RebuildPeriod, 1)
	p.ClusterSize = min(max(p.ClusterSize, 0), p.Volume())
	if p.Policy == "" {
		p.Policy = PolicyRandom
	}
	return p
}

// Validate reports parameters that cannot be simulated.
func (p Params) Validate() error {
	if err := p.Lattice.Validate(); err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	switch {
	case !(p.Beta > 0), p.Slices < 1:
		return errors.Wrapf(ErrInvalidArgument, "beta %f slices %d", p.Beta, p.Slices)
	case !(p.U >= 0), math.IsInf(p.U, 0):
		return errors.Wrapf(ErrInvalidArgument, "interaction %f", p.U)
	case p.InitialUp < 0 || p.InitialUp > 1:
		return errors.Wrapf(ErrInvalidArgument, "initial up probability %f", p.InitialUp)
	case p.Thermalization < 0 || p.Sweeps < 0:
		return errors.Wrapf(ErrInvalidArgument, "thermalization %d sweeps %d", p.Thermalization, p.Sweeps)
	case p.DriftTolerance < 0:
		return errors.Wrapf(ErrInvalidArgument, "drift tolerance %f", p.DriftTolerance)
	}
	switch p.Policy {
	case PolicyRandom, PolicySequential:
	default:
		return errors.Wrapf(ErrInvalidArgument, "policy %q", p.Policy)
	}
	return nil
}

// Dt is the imaginary time step.
func (p Params) Dt() float64 {
	return p.Beta / float64(p.Slices)
}

// FieldStrength is the magnitude A = sqrt(exp(U·dt) - 1) of the auxiliary field.
func (p Params) FieldStrength() float64 {
	return math.Sqrt(math.Expm1(p.U * p.Dt()))
}

// Shifts returns the log of the factor multiplying the slice product of each species.
func (p Params) Shifts() [2]float64 {
	mu := p.Mu - p.U/2
	return [2]float64{
		Up:   p.Beta * (mu + p.B/2),
		Down: p.Beta * (mu - p.B/2),
	}
}
