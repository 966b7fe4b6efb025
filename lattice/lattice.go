// Package lattice describes hypercubic lattices and the free fermion propagators on them.
package lattice

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Lattice is an Lx×Ly×Lz hypercubic lattice with nearest neighbour hopping.
// Site (x, y, z) has index (x*Ly+y)*Lz+z.
type Lattice struct {
	Lx int `yaml:"lx" json:"lx"`
	Ly int `yaml:"ly" json:"ly"`
	Lz int `yaml:"lz" json:"lz"`

	Tx float64 `yaml:"tx" json:"tx"`
	Ty float64 `yaml:"ty" json:"ty"`
	Tz float64 `yaml:"tz" json:"tz"`

	// OpenBoundary removes the bonds that wrap around the lattice.
	OpenBoundary bool `yaml:"open_boundary" json:"open_boundary"`
	// Staggered is the amplitude of the ±h on-site potential alternating with the parity of x+y+z.
	Staggered float64 `yaml:"h" json:"h"`
}

// Normalize collapses dimensions shorter than 2 to a single site without hopping.
func (l Lattice) Normalize() Lattice {
	if l.Lx < 2 {
		l.Lx, l.Tx = 1, 0
	}
	if l.Ly < 2 {
		l.Ly, l.Ty = 1, 0
	}
	if l.Lz < 2 {
		l.Lz, l.Tz = 1, 0
	}
	return l
}

// Validate reports lattices that cannot be simulated.
func (l Lattice) Validate() error {
	if l.Lx < 1 || l.Ly < 1 || l.Lz < 1 {
		return errors.Errorf("%#v", l)
	}
	return nil
}

// Volume returns the number of sites.
func (l Lattice) Volume() int {
	return l.Lx * l.Ly * l.Lz
}

// Index returns the site index of (x, y, z), wrapping periodically.
func (l Lattice) Index(x, y, z int) int {
	x = mod(x, l.Lx)
	y = mod(y, l.Ly)
	z = mod(z, l.Lz)
	return (x*l.Ly+y)*l.Lz + z
}

// Coordinates is the inverse of Index.
func (l Lattice) Coordinates(i int) (x, y, z int) {
	z = i % l.Lz
	i /= l.Lz
	y = i % l.Ly
	x = i / l.Ly
	return x, y, z
}

// Energies returns the dispersion -2(tx cos kx + ty cos ky + tz cos kz), indexed like sites.
func (l Lattice) Energies() []float64 {
	e := make([]float64, l.Volume())
	for i := range e {
		x, y, z := l.Coordinates(i)
		e[i] = -2 * (l.Tx*math.Cos(2*math.Pi*float64(x)/float64(l.Lx)) +
			l.Ty*math.Cos(2*math.Pi*float64(y)/float64(l.Ly)) +
			l.Tz*math.Cos(2*math.Pi*float64(z)/float64(l.Lz)))
	}
	return e
}

// Potential returns the on-site potential of every site.
func (l Lattice) Potential() []float64 {
	v := make([]float64, l.Volume())
	for i := range v {
		x, y, z := l.Coordinates(i)
		if (x+y+z)%2 == 0 {
			v[i] = l.Staggered
		} else {
			v[i] = -l.Staggered
		}
	}
	return v
}

// Hopping returns the real space kinetic matrix K with K[i][j] = -t for every bond.
// Along a dimension of length 2 the two periodic bonds coincide and add up.
func (l Lattice) Hopping() *mat.Dense {
	n := l.Volume()
	k := mat.NewDense(n, n, nil)
	type axis struct {
		length int
		t      float64
		step   func(x, y, z, d int) (int, int, int)
	}
	axes := []axis{
		{length: l.Lx, t: l.Tx, step: func(x, y, z, d int) (int, int, int) { return x + d, y, z }},
		{length: l.Ly, t: l.Ty, step: func(x, y, z, d int) (int, int, int) { return x, y + d, z }},
		{length: l.Lz, t: l.Tz, step: func(x, y, z, d int) (int, int, int) { return x, y, z + d }},
	}
	coord := func(x, y, z int, a int) int { return [3]int{x, y, z}[a] }
	for i := 0; i < n; i++ {
		x, y, z := l.Coordinates(i)
		for a, ax := range axes {
			if ax.length < 2 || ax.t == 0 {
				continue
			}
			for _, d := range []int{-1, 1} {
				nx, ny, nz := ax.step(x, y, z, d)
				if l.OpenBoundary {
					if c := coord(nx, ny, nz, a); c < 0 || c >= ax.length {
						continue
					}
				}
				j := l.Index(nx, ny, nz)
				k.Set(i, j, k.At(i, j)-ax.t)
			}
		}
	}
	return k
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
