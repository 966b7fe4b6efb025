package lattice

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestIndex(t *testing.T) {
	t.Parallel()
	l := Lattice{Lx: 3, Ly: 4, Lz: 2}
	for i := 0; i < l.Volume(); i++ {
		x, y, z := l.Coordinates(i)
		if j := l.Index(x, y, z); j != i {
			t.Fatalf("%d, expected %d", j, i)
		}
	}
	if i := l.Index(-1, 4, 3); i != l.Index(2, 0, 1) {
		t.Fatalf("%d", i)
	}
}

func TestHopping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		l Lattice
	}{
		{l: Lattice{Lx: 2, Ly: 2, Lz: 1, Tx: 1, Ty: 1}},
		{l: Lattice{Lx: 4, Ly: 3, Lz: 1, Tx: 1, Ty: 0.5}},
		{l: Lattice{Lx: 3, Ly: 3, Lz: 3, Tx: 1, Ty: 1, Tz: 0.3}},
		{l: Lattice{Lx: 6, Ly: 1, Lz: 1, Tx: 1, Ty: 7}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%dx%d", test.l.Lx, test.l.Ly, test.l.Lz), func(t *testing.T) {
			t.Parallel()
			l := test.l.Normalize()
			k := l.Hopping()
			if !mat.Equal(k, k.T()) {
				t.Fatalf("hopping not symmetric")
			}

			sym := mat.NewSymDense(l.Volume(), mat.DenseCopyOf(k).RawMatrix().Data)
			var es mat.EigenSym
			if ok := es.Factorize(sym, false); !ok {
				t.Fatalf("eigen failed")
			}
			vals := es.Values(nil)
			e := l.Energies()
			slices.Sort(e)
			for i := range e {
				if math.Abs(e[i]-vals[i]) > 1e-10 {
					t.Fatalf("%v, expected %v", vals, e)
				}
			}
		})
	}
}

func TestPropagator(t *testing.T) {
	t.Parallel()
	tests := []struct {
		l  Lattice
		dt float64
	}{
		{l: Lattice{Lx: 2, Ly: 2, Lz: 1, Tx: 1, Ty: 1}, dt: 0.25},
		{l: Lattice{Lx: 4, Ly: 3, Lz: 1, Tx: 1, Ty: 0.5}, dt: 0.1},
		{l: Lattice{Lx: 3, Ly: 2, Lz: 4, Tx: 1, Ty: 1, Tz: 0.3}, dt: 0.2},
		{l: Lattice{Lx: 5, Ly: 1, Lz: 1, Tx: 1}, dt: 1},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%dx%d", test.l.Lx, test.l.Ly, test.l.Lz), func(t *testing.T) {
			t.Parallel()
			fft := NewFFT(test.l, test.dt)
			dense, err := NewDense(test.l.Normalize().Hopping(), test.dt)
			if err != nil {
				t.Fatalf("%+v", err)
			}

			n := fft.Volume()
			r := rand.New(rand.NewPCG(uint64(n), 0))
			m := mat.NewDense(n, 3, nil)
			for i := 0; i < n; i++ {
				for j := 0; j < 3; j++ {
					m.Set(i, j, r.NormFloat64())
				}
			}
			a, b := mat.DenseCopyOf(m), mat.DenseCopyOf(m)
			fft.ApplyMatrix(a)
			dense.ApplyMatrix(b)
			if !mat.EqualApprox(a, b, 1e-10) {
				t.Fatalf("%v\nexpected\n%v", mat.Formatted(a), mat.Formatted(b))
			}

			v := mat.Col(nil, 1, m)
			fft.ApplyVector(v)
			if !mat.EqualApprox(mat.NewVecDense(n, v), b.ColView(1), 1e-10) {
				t.Fatalf("%v", v)
			}
		})
	}
}

func TestOpenBoundary(t *testing.T) {
	t.Parallel()
	l := Lattice{Lx: 3, Ly: 1, Lz: 1, Tx: 1, OpenBoundary: true}
	k := l.Normalize().Hopping()
	expected := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		-1, 0, -1,
		0, -1, 0,
	})
	if !mat.Equal(k, expected) {
		t.Fatalf("%v", mat.Formatted(k))
	}

	p, err := NewPropagator(l, 0.5)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, ok := p.(*Dense); !ok {
		t.Fatalf("%T", p)
	}
	pm := p.(*Dense).Matrix()
	if !mat.EqualApprox(pm, pm.T(), 1e-12) {
		t.Fatalf("%v", mat.Formatted(pm))
	}
	if d := mat.Det(pm); math.Abs(d-1) > 1e-10 {
		t.Fatalf("det %f, expected 1 for a traceless hopping", d)
	}
}

func TestPotential(t *testing.T) {
	t.Parallel()
	l := Lattice{Lx: 2, Ly: 2, Lz: 1, Staggered: 0.5}
	v := l.Potential()
	expected := []float64{0.5, -0.5, -0.5, 0.5}
	if !slices.Equal(v, expected) {
		t.Fatalf("%v, expected %v", v, expected)
	}
}
