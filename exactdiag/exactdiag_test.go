package exactdiag

import (
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dqmc/lattice"
)

func TestFreeFermions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		l    lattice.Lattice
		mu   float64
		beta float64
	}{
		{l: lattice.Lattice{Lx: 2, Ly: 2, Lz: 1, Tx: 1, Ty: 1}, mu: 0.3, beta: 2},
		{l: lattice.Lattice{Lx: 4, Ly: 1, Lz: 1, Tx: 1}, mu: -0.5, beta: 1},
		{l: lattice.Lattice{Lx: 3, Ly: 1, Lz: 1, Tx: 0.7}, mu: 1, beta: 3},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%d_%g", test.l.Lx, test.l.Ly, test.mu), func(t *testing.T) {
			t.Parallel()
			th, err := Solve(Model{Lattice: test.l, Mu: test.mu}, test.beta)
			if err != nil {
				t.Fatalf("%+v", err)
			}

			l := test.l.Normalize()
			var density, kinetic float64
			for _, e := range l.Energies() {
				f := 1 / (1 + math.Exp(test.beta*(e-test.mu)))
				density += 2 * f
				kinetic += 2 * e * f
			}
			density /= float64(l.Volume())
			kinetic /= float64(l.Volume())
			if math.Abs(th.Density-density) > 1e-10 {
				t.Fatalf("%f, expected %f", th.Density, density)
			}
			if math.Abs(th.Kinetic-kinetic) > 1e-10 {
				t.Fatalf("%f, expected %f", th.Kinetic, kinetic)
			}
			if math.Abs(th.Energy-th.Kinetic) > 1e-10 {
				t.Fatalf("%f %f", th.Energy, th.Kinetic)
			}
		})
	}
}

// TestStaggeredFreeFermions compares with the one body density matrix ρ = f(K + V - μ).
// Without interaction ⟨Sᶻ_i·Sᶻ_j⟩ = -ρ_ij²/2 for i ≠ j.
func TestStaggeredFreeFermions(t *testing.T) {
	t.Parallel()
	l := lattice.Lattice{Lx: 4, Ly: 1, Lz: 1, Tx: 1, Staggered: 0.5}
	mu, beta := 0.2, 1.5
	th, err := Solve(Model{Lattice: l, Mu: mu}, beta)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	v := l.Volume()
	h := mat.NewSymDense(v, nil)
	hop, pot := l.Hopping(), l.Potential()
	for i := 0; i < v; i++ {
		for j := i; j < v; j++ {
			h.SetSym(i, j, hop.At(i, j))
		}
		h.SetSym(i, i, pot[i]-mu)
	}
	var es mat.EigenSym
	if ok := es.Factorize(h, true); !ok {
		t.Fatalf("eigendecomposition failed")
	}
	vecs := &mat.Dense{}
	es.VectorsTo(vecs)
	occ := mat.NewDiagDense(v, nil)
	for i, e := range es.Values(nil) {
		occ.SetDiag(i, 1/(1+math.Exp(beta*e)))
	}
	rho, tmp := &mat.Dense{}, &mat.Dense{}
	tmp.Mul(vecs, occ)
	rho.Mul(tmp, vecs.T())

	var staggered float64
	for i := 0; i < v; i++ {
		staggered += 2 * pot[i] / l.Staggered * rho.At(i, i)
	}
	staggered /= float64(v)
	if math.Abs(th.StaggeredDensity-staggered) > 1e-10 {
		t.Fatalf("%f, expected %f", th.StaggeredDensity, staggered)
	}
	if math.Abs(th.StaggeredMagnetization) > 1e-10 {
		t.Fatalf("%f", th.StaggeredMagnetization)
	}
	if len(th.SpinCorrelation) != 2 {
		t.Fatalf("%v", th.SpinCorrelation)
	}
	for k := 1; k <= 2; k++ {
		var expected float64
		for i := 0; i < v; i++ {
			j := l.Index(i+k, 0, 0)
			expected -= rho.At(i, j) * rho.At(j, i) / 2
		}
		expected /= float64(v)
		if got := th.SpinCorrelation[k-1]; math.Abs(got-expected) > 1e-10 {
			t.Fatalf("k %d: %f, expected %f", k, got, expected)
		}
	}
}

func TestAtomicLimit(t *testing.T) {
	t.Parallel()
	u, mu, b, beta := 3.0, 0.4, 0.6, 1.5
	th, err := Solve(Model{Lattice: lattice.Lattice{Lx: 1, Ly: 1, Lz: 1}, U: u, Mu: mu, B: b}, beta)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	m := mu - u/2
	up := math.Exp(beta * (m + b/2))
	down := math.Exp(beta * (m - b/2))
	both := math.Exp(beta * (2*m + u))
	z := 1 + up + down + both
	expected := Thermal{
		Density:         (up + down + 2*both) / z,
		Magnetization:   (up - down) / z,
		DoubleOccupancy: both / z,
		Energy:          -u * both / z,
	}
	if math.Abs(th.Density-expected.Density) > 1e-12 {
		t.Fatalf("%f, expected %f", th.Density, expected.Density)
	}
	if math.Abs(th.Magnetization-expected.Magnetization) > 1e-12 {
		t.Fatalf("%f, expected %f", th.Magnetization, expected.Magnetization)
	}
	if math.Abs(th.DoubleOccupancy-expected.DoubleOccupancy) > 1e-12 {
		t.Fatalf("%f, expected %f", th.DoubleOccupancy, expected.DoubleOccupancy)
	}
	if math.Abs(th.Energy-expected.Energy) > 1e-12 {
		t.Fatalf("%f, expected %f", th.Energy, expected.Energy)
	}
}

func TestHalfFilling(t *testing.T) {
	t.Parallel()
	th, err := Solve(Model{Lattice: lattice.Lattice{Lx: 2, Ly: 2, Lz: 1, Tx: 1, Ty: 1}, U: 4}, 1)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(th.Density-1) > 1e-10 {
		t.Fatalf("%f", th.Density)
	}
	if math.Abs(th.Magnetization) > 1e-10 {
		t.Fatalf("%f", th.Magnetization)
	}
	// Attraction enhances double occupancy above the uncorrelated 1/4.
	if th.DoubleOccupancy <= 0.25 || th.DoubleOccupancy > 0.5 {
		t.Fatalf("%f", th.DoubleOccupancy)
	}
}

func TestTooLarge(t *testing.T) {
	t.Parallel()
	if _, err := Solve(Model{Lattice: lattice.Lattice{Lx: 3, Ly: 2, Lz: 1, Tx: 1, Ty: 1}}, 1); err == nil {
		t.Fatalf("expected error")
	}
}
