package dqmc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	qmat "github.com/fumin/dqmc/mat"
)

// Species labels the two fermion flavours sharing one slice product.
type Species int

const (
	Up Species = iota
	Down
)

func (s Species) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return "unknown"
}

// GreenEngine derives weights and equal-time Green's functions from the factorized slice product B.
// Species s sees I + exp(Shifts[s])·B.
type GreenEngine struct {
	Shifts [2]float64
}

// Factorize returns the factorizations of I + exp(shift)·B for both species.
func (e GreenEngine) Factorize(base qmat.USV) ([2]qmat.USV, error) {
	var f [2]qmat.USV
	for s, shift := range e.Shifts {
		var err error
		f[s], err = base.AddIdentity(math.Exp(shift))
		if err != nil {
			return f, errors.Wrap(err, Species(s).String())
		}
	}
	return f, nil
}

// Weight returns log|det| summed over species and the sign of the product of determinants.
func (e GreenEngine) Weight(f [2]qmat.USV) (plog, psign float64) {
	plog = f[Up].LogAbsDet() + f[Down].LogAbsDet()

	up, down, r := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	up.Mul(f[Up].U, f[Up].Vt)
	down.Mul(f[Down].U, f[Down].Vt)
	r.Mul(up, down)
	psign = 1
	if mat.Det(r) < 0 {
		psign = -1
	}
	return plog, psign
}

// GreenFunction returns G = (I + exp(shift)·B)⁻¹ from the factorization of I + exp(shift)·B.
func (e GreenEngine) GreenFunction(f [2]qmat.USV, s Species) *mat.Dense {
	return f[s].InverseMatrix()
}

// DensityMatrix returns I - G computed as (I + exp(-shift)·B⁻¹)⁻¹.
// A singular B falls back to subtracting G from the identity.
func (e GreenEngine) DensityMatrix(base qmat.USV, s Species) (*mat.Dense, error) {
	if base.S[len(base.S)-1] == 0 {
		f, err := base.AddIdentity(math.Exp(e.Shifts[s]))
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		rho := qmat.Eye(len(base.S))
		rho.Sub(rho, f.InverseMatrix())
		return rho, nil
	}

	f, err := base.Inverse().AddIdentity(math.Exp(-e.Shifts[s]))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return f.InverseMatrix(), nil
}
