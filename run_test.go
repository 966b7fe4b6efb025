package dqmc

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/fumin/dqmc/exactdiag"
	"github.com/fumin/dqmc/lattice"
)

// Without interaction the field drops out, so a single measurement is exact up to the Trotter error.
func TestMeasureFreeFermions(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.Lattice = lattice.Lattice{Lx: 4, Ly: 1, Lz: 1, Tx: 1, Staggered: 0.5}
	p.Beta, p.Slices, p.BlockSize = 1.5, 60, 6
	p.U, p.Mu, p.B = 0, 0.2, 0.3
	s := newSimulation(t, p)
	m := NewMeasurements(p)
	if err := m.Measure(s); err != nil {
		t.Fatalf("%+v", err)
	}
	summary := m.Summary()
	exact, err := exactdiag.Solve(exactdiag.Model{Lattice: p.Lattice, Mu: p.Mu, B: p.B}, p.Beta)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	type comparison struct {
		name     string
		estimate Estimate
		exact    float64
	}
	tests := []comparison{
		{name: "density", estimate: summary.Density, exact: exact.Density},
		{name: "magnetization", estimate: summary.Magnetization, exact: exact.Magnetization},
		{name: "kinetic", estimate: summary.Kinetic, exact: exact.Kinetic},
		{name: "staggered density", estimate: summary.StaggeredDensity, exact: exact.StaggeredDensity},
		{name: "staggered magnetization", estimate: summary.StaggeredMagnetization, exact: exact.StaggeredMagnetization},
		{name: "staggered susceptibility", estimate: summary.StaggeredSusceptibility, exact: -exact.StaggeredDensity / p.Staggered},
	}
	if len(summary.SpinCorrelation) != len(exact.SpinCorrelation) || len(summary.SpinCorrelation) != 2 {
		t.Fatalf("%v %v", summary.SpinCorrelation, exact.SpinCorrelation)
	}
	for k, e := range summary.SpinCorrelation {
		tests = append(tests, comparison{name: fmt.Sprintf("spin correlation %d", k+1), estimate: e, exact: exact.SpinCorrelation[k]})
	}
	for _, test := range tests {
		if d := math.Abs(test.estimate.Mean - test.exact); d > 2e-3 {
			t.Fatalf("%s %f, expected %f", test.name, test.estimate.Mean, test.exact)
		}
	}

	if len(summary.DensityUp) != 4 || len(summary.DensityDown) != 4 {
		t.Fatalf("%v %v", summary.DensityUp, summary.DensityDown)
	}
	var total float64
	for i := range summary.DensityUp {
		total += summary.DensityUp[i].Mean + summary.DensityDown[i].Mean
	}
	if d := math.Abs(total/4 - summary.Density.Mean); d > 1e-10 {
		t.Fatalf("site densities add up to %f, expected %f", total/4, summary.Density.Mean)
	}
	// Sites 0 and 2 see +h and are emptier than sites 1 and 3.
	if up := summary.DensityUp; up[0].Mean >= up[1].Mean || math.Abs(up[0].Mean-up[2].Mean) > 1e-10 {
		t.Fatalf("%v", summary.DensityUp)
	}
}

func TestStaggeredSusceptibilityWithoutField(t *testing.T) {
	t.Parallel()
	p := testParams()
	s := newSimulation(t, p)
	m := NewMeasurements(p)
	if err := m.Measure(s); err != nil {
		t.Fatalf("%+v", err)
	}
	summary := m.Summary()
	if !math.IsNaN(summary.StaggeredSusceptibility.Mean) {
		t.Fatalf("%#v", summary.StaggeredSusceptibility)
	}
	if math.IsNaN(summary.StaggeredDensity.Mean) || len(summary.SpinCorrelation) != 1 {
		t.Fatalf("%#v %v", summary.StaggeredDensity, summary.SpinCorrelation)
	}
}

func TestSmallLattice(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("long running")
	}
	p := DefaultParams()
	p.Beta, p.Slices, p.U, p.Mu = 1, 40, 2, 0.3
	p.BlockSize, p.BatchSize = 5, 4
	p.Thermalization, p.Sweeps = 300, 2000
	summary, err := RunJob(p, NewRunOptions().Simulation(quietOptions()).Progress(time.Hour))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	exact, err := exactdiag.Solve(exactdiag.Model{Lattice: p.Lattice, U: p.U, Mu: p.Mu}, p.Beta)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	tests := []struct {
		name     string
		estimate Estimate
		exact    float64
	}{
		{name: "density", estimate: summary.Density, exact: exact.Density},
		{name: "kinetic", estimate: summary.Kinetic, exact: exact.Kinetic},
		{name: "double occupancy", estimate: summary.DoubleOccupancy, exact: exact.DoubleOccupancy},
		{name: "spin correlation", estimate: summary.SpinCorrelation[0], exact: exact.SpinCorrelation[0]},
	}
	for _, test := range tests {
		if d := math.Abs(test.estimate.Mean - test.exact); d > 5*test.estimate.Error+0.03 {
			t.Fatalf("%s %#v, expected %f", test.name, test.estimate, test.exact)
		}
	}
	if summary.Drifts != 0 || summary.Sign.Mean != 1 {
		t.Fatalf("%d drifts, sign %#v", summary.Drifts, summary.Sign)
	}
}
