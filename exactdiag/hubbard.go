// Package exactdiag solves the Hubbard model exactly on lattices small enough for dense Fock space matrices.
package exactdiag

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dqmc/lattice"
)

// MaxModes bounds the number of fermion modes, two per site.
const MaxModes = 10

var (
	identity = mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	parity   = mat.NewDense(2, 2, []float64{1, 0, 0, -1})
	// annihilate maps |1> to |0> in the occupation basis (|0>, |1>).
	annihilate = mat.NewDense(2, 2, []float64{0, 1, 0, 0})
)

// Model is the attractive Hubbard model with the same conventions as the Monte Carlo engine:
// H = K + Σ v_i n_i - U Σ n↑n↓ - (Mu - U/2) N - (B/2)(N↑ - N↓).
type Model struct {
	Lattice lattice.Lattice
	U       float64
	Mu      float64
	B       float64
}

// Thermal are grand canonical averages per site.
type Thermal struct {
	Density         float64
	Magnetization   float64
	DoubleOccupancy float64
	Kinetic         float64
	Energy          float64

	// StaggeredDensity and StaggeredMagnetization weigh each site by +1 or -1 with the parity of x+y+z.
	StaggeredDensity       float64
	StaggeredMagnetization float64
	// SpinCorrelation[k-1] is ⟨Sᶻ_i·Sᶻ_j⟩ averaged over sites i, j the site k steps along x from i.
	SpinCorrelation []float64
}

// Solve returns the thermal averages of m at inverse temperature beta.
func Solve(m Model, beta float64) (Thermal, error) {
	l := m.Lattice.Normalize()
	if err := l.Validate(); err != nil {
		return Thermal{}, errors.Wrap(err, "")
	}
	v := l.Volume()
	modes := 2 * v
	if modes > MaxModes {
		return Thermal{}, errors.Errorf("%d modes, at most %d", modes, MaxModes)
	}

	// c[s*v+i] annihilates species s at site i.
	c := make([]*mat.Dense, modes)
	for k := range c {
		c[k] = jordanWigner(modes, k)
	}
	n := make([]*mat.Dense, modes)
	for k := range n {
		n[k] = &mat.Dense{}
		n[k].Mul(c[k].T(), c[k])
	}

	dim := 1 << modes
	kinetic := mat.NewDense(dim, dim, nil)
	hop := l.Hopping()
	term := &mat.Dense{}
	for s := 0; s < 2; s++ {
		for i := 0; i < v; i++ {
			for j := 0; j < v; j++ {
				if kij := hop.At(i, j); kij != 0 {
					term.Mul(c[s*v+i].T(), c[s*v+j])
					term.Scale(kij, term)
					kinetic.Add(kinetic, term)
				}
			}
		}
	}

	docc := mat.NewDense(dim, dim, nil)
	potential := mat.NewDense(dim, dim, nil)
	number := [2]*mat.Dense{mat.NewDense(dim, dim, nil), mat.NewDense(dim, dim, nil)}
	pot := l.Potential()
	for i := 0; i < v; i++ {
		term.Mul(n[i], n[v+i])
		docc.Add(docc, term)
		for s := 0; s < 2; s++ {
			number[s].Add(number[s], n[s*v+i])
			term.Scale(pot[i], n[s*v+i])
			potential.Add(potential, term)
		}
	}

	staggered := [2]*mat.Dense{mat.NewDense(dim, dim, nil), mat.NewDense(dim, dim, nil)}
	sz := make([]*mat.Dense, v)
	for i := 0; i < v; i++ {
		x, y, z := l.Coordinates(i)
		sign := 1.0
		if (x+y+z)%2 != 0 {
			sign = -1
		}
		for s := 0; s < 2; s++ {
			term.Scale(sign, n[s*v+i])
			staggered[s].Add(staggered[s], term)
		}
		sz[i] = &mat.Dense{}
		sz[i].Sub(n[i], n[v+i])
	}
	var correlations []*mat.Dense
	for k := 1; k <= l.Lx/2; k++ {
		corr := mat.NewDense(dim, dim, nil)
		for i := 0; i < v; i++ {
			x, y, z := l.Coordinates(i)
			term.Mul(sz[i], sz[l.Index(x+k, y, z)])
			corr.Add(corr, term)
		}
		corr.Scale(0.25, corr)
		correlations = append(correlations, corr)
	}

	energy := &mat.Dense{}
	energy.Add(kinetic, potential)
	term.Scale(-m.U, docc)
	energy.Add(energy, term)

	h := mat.DenseCopyOf(energy)
	mu := m.Mu - m.U/2
	term.Scale(-(mu + m.B/2), number[0])
	h.Add(h, term)
	term.Scale(-(mu - m.B/2), number[1])
	h.Add(h, term)

	ops := append([]*mat.Dense{number[0], number[1], docc, kinetic, energy, staggered[0], staggered[1]}, correlations...)
	averages, err := thermalAverages(h, beta, ops)
	if err != nil {
		return Thermal{}, errors.Wrap(err, "")
	}
	fv := float64(v)
	th := Thermal{
		Density:                (averages[0] + averages[1]) / fv,
		Magnetization:          (averages[0] - averages[1]) / fv,
		DoubleOccupancy:        averages[2] / fv,
		Kinetic:                averages[3] / fv,
		Energy:                 averages[4] / fv,
		StaggeredDensity:       (averages[5] + averages[6]) / fv,
		StaggeredMagnetization: (averages[5] - averages[6]) / fv,
	}
	for _, a := range averages[7:] {
		th.SpinCorrelation = append(th.SpinCorrelation, a/fv)
	}
	return th, nil
}

// jordanWigner returns the annihilation operator of mode k among modes, Z⊗…⊗Z⊗a⊗I⊗…⊗I.
func jordanWigner(modes, k int) *mat.Dense {
	op := mat.NewDense(1, 1, []float64{1})
	for i := 0; i < modes; i++ {
		local := identity
		switch {
		case i < k:
			local = parity
		case i == k:
			local = annihilate
		}
		next := &mat.Dense{}
		next.Kronecker(op, local)
		op = next
	}
	return op
}

// thermalAverages returns Tr(e^{-βH} O)/Tr(e^{-βH}) for every O.
func thermalAverages(h *mat.Dense, beta float64, ops []*mat.Dense) ([]float64, error) {
	dim, _ := h.Dims()
	sym := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			sym.SetSym(i, j, (h.At(i, j)+h.At(j, i))/2)
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, errors.Errorf("eigendecomposition of %dx%d hamiltonian failed", dim, dim)
	}
	energies := es.Values(nil)
	vecs := &mat.Dense{}
	es.VectorsTo(vecs)

	// Energies are ascending, so weights are at most 1.
	weights := make([]float64, dim)
	var z float64
	for i, e := range energies {
		weights[i] = math.Exp(-beta * (e - energies[0]))
		z += weights[i]
	}

	averages := make([]float64, len(ops))
	ov, proj := &mat.Dense{}, &mat.Dense{}
	for k, op := range ops {
		ov.Mul(op, vecs)
		proj.Mul(vecs.T(), ov)
		for i, w := range weights {
			averages[k] += w * proj.At(i, i)
		}
		averages[k] /= z
	}
	return averages, nil
}
