package lattice

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// Propagator is a linear, deterministic and symmetric operator on site space.
// Implementations keep internal buffers and must not be shared between goroutines.
type Propagator interface {
	Volume() int
	// ApplyVector overwrites v with P·v.
	ApplyVector(v []float64)
	// ApplyMatrix overwrites m with P·m.
	ApplyMatrix(m *mat.Dense)
}

// NewPropagator returns exp(-dt·K) for the hopping K of l.
// Periodic lattices are diagonalised by fast Fourier transforms, open ones by a dense eigendecomposition.
func NewPropagator(l Lattice, dt float64) (Propagator, error) {
	l = l.Normalize()
	if err := l.Validate(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if l.OpenBoundary {
		p, err := NewDense(l.Hopping(), dt)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return p, nil
	}
	return NewFFT(l, dt), nil
}

// FFT applies exp(-dt·K) of a periodic lattice in momentum space.
type FFT struct {
	dims    [3]int
	ffts    [3]*fourier.CmplxFFT
	factors []float64

	buf  []complex128
	line [2][]complex128
}

// NewFFT returns the momentum space propagator of a periodic lattice.
func NewFFT(l Lattice, dt float64) *FFT {
	l = l.Normalize()
	p := &FFT{dims: [3]int{l.Lx, l.Ly, l.Lz}}
	maxL := 0
	for a, n := range p.dims {
		if n > 1 {
			p.ffts[a] = fourier.NewCmplxFFT(n)
		}
		maxL = max(maxL, n)
	}
	e := l.Energies()
	p.factors = make([]float64, len(e))
	for i, ek := range e {
		p.factors[i] = math.Exp(-dt*ek) / float64(len(e))
	}
	p.buf = make([]complex128, len(e))
	p.line = [2][]complex128{make([]complex128, maxL), make([]complex128, maxL)}
	return p
}

func (p *FFT) Volume() int { return len(p.factors) }

func (p *FFT) ApplyVector(v []float64) {
	for i, x := range v {
		p.buf[i] = complex(x, 0)
	}
	p.transform(false)
	for i, f := range p.factors {
		p.buf[i] *= complex(f, 0)
	}
	p.transform(true)
	for i := range v {
		v[i] = real(p.buf[i])
	}
}

func (p *FFT) ApplyMatrix(m *mat.Dense) {
	r, c := m.Dims()
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		p.ApplyVector(col)
		m.SetCol(j, col)
	}
}

// transform runs a one dimensional transform along every axis of buf.
// The inverse direction is unnormalised; the 1/V factor lives in factors.
func (p *FFT) transform(inverse bool) {
	strides := [3]int{p.dims[1] * p.dims[2], p.dims[2], 1}
	for a, n := range p.dims {
		if n < 2 {
			continue
		}
		seq, out := p.line[0][:n], p.line[1][:n]
		for start := range p.buf {
			// Visit each line once, from its first element.
			if (start/strides[a])%n != 0 {
				continue
			}
			for k := 0; k < n; k++ {
				seq[k] = p.buf[start+k*strides[a]]
			}
			if inverse {
				p.ffts[a].Sequence(out, seq)
			} else {
				p.ffts[a].Coefficients(out, seq)
			}
			for k := 0; k < n; k++ {
				p.buf[start+k*strides[a]] = out[k]
			}
		}
	}
}

// Dense applies a precomputed exp(-dt·K).
type Dense struct {
	m   *mat.Dense
	vec *mat.VecDense
	tmp *mat.VecDense
}

// NewDense exponentiates the symmetric hopping matrix k.
func NewDense(k *mat.Dense, dt float64) (*Dense, error) {
	n, c := k.Dims()
	if n != c {
		return nil, errors.Errorf("%dx%d", n, c)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (k.At(i, j)+k.At(j, i))/2)
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, errors.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	vecs := &mat.Dense{}
	es.VectorsTo(vecs)

	scaled := mat.DenseCopyOf(vecs)
	for j, e := range vals {
		f := math.Exp(-dt * e)
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*f)
		}
	}
	p := &Dense{m: &mat.Dense{}, vec: mat.NewVecDense(n, nil), tmp: mat.NewVecDense(n, nil)}
	p.m.Mul(scaled, vecs.T())
	return p, nil
}

func (p *Dense) Volume() int {
	n, _ := p.m.Dims()
	return n
}

// Matrix returns the propagator as a dense matrix.
func (p *Dense) Matrix() *mat.Dense { return p.m }

func (p *Dense) ApplyVector(v []float64) {
	copy(p.vec.RawVector().Data, v)
	p.tmp.MulVec(p.m, p.vec)
	copy(v, p.tmp.RawVector().Data)
}

func (p *Dense) ApplyMatrix(m *mat.Dense) {
	out := &mat.Dense{}
	out.Mul(p.m, m)
	m.Copy(out)
}
