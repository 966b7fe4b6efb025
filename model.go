package dqmc

import (
	"math"
	"math/rand/v2"
)

// VertexApplier turns a row of the auxiliary field into the diagonal factor of a time slice.
type VertexApplier interface {
	// Diagonal overwrites dst with the diagonal of the slice factor for the field row sigma.
	Diagonal(dst, sigma []float64)
	// Jump returns the change of diagonal entry x when sigma[x] changes sign.
	Jump(x int, sigma []float64) float64
}

// FieldGenerator draws the initial auxiliary field.
type FieldGenerator interface {
	// Initial reports whether an entry starts at +A.
	Initial(r *rand.Rand) bool
}

// Monitor observes the sampler.
type Monitor interface {
	Proposed(accepted bool)
	Rebuilt(d Drift, exceeded bool)
}

// Hubbard is the discrete decoupling exp(U·dt·n↑n↓) = ½Σ_σ (1+σn↑)(1+σn↓) with σ = ±A,
// combined with the on-site potential factors exp(-dt·v_i).
type Hubbard struct {
	A       float64
	factors []float64
}

// NewHubbard returns the decoupling for interaction u, time step dt and on-site potential.
func NewHubbard(u, dt float64, potential []float64) Hubbard {
	h := Hubbard{A: math.Sqrt(math.Expm1(u * dt)), factors: make([]float64, len(potential))}
	for i, v := range potential {
		h.factors[i] = math.Exp(-dt * v)
	}
	return h
}

func (h Hubbard) Diagonal(dst, sigma []float64) {
	for i, s := range sigma {
		dst[i] = (1 + s) * h.factors[i]
	}
}

func (h Hubbard) Jump(x int, sigma []float64) float64 {
	return -2 * sigma[x] * h.factors[x]
}

// BernoulliField starts each entry at +A with probability P.
type BernoulliField struct {
	P float64
}

func (f BernoulliField) Initial(r *rand.Rand) bool {
	return r.Float64() < f.P
}
