package dqmc

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/dqmc/lattice"
	qmat "github.com/fumin/dqmc/mat"
)

// SlicedPropagator holds the auxiliary field and the products of consecutive time slices.
// Slice t is P·diag((1+σ_t)∘p) and block b is the time ordered product of the slices
// [b·BlockSize, (b+1)·BlockSize), later slices on the left.
// Slice indices are relative to a cyclic time shift of the stored field.
type SlicedPropagator struct {
	prop      lattice.Propagator
	vertex    VertexApplier
	field     [][]float64
	shift     int
	blockSize int
	blocks    []*mat.Dense

	diag []float64
	vec  []float64
}

// NewSlicedPropagator returns a propagator over field, which is owned by the returned value.
func NewSlicedPropagator(prop lattice.Propagator, vertex VertexApplier, field [][]float64, blockSize int) (*SlicedPropagator, error) {
	v := prop.Volume()
	if len(field) == 0 || blockSize < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "%d slices block size %d", len(field), blockSize)
	}
	for t, row := range field {
		if len(row) != v {
			return nil, errors.Wrapf(ErrInvalidArgument, "slice %d has %d sites, expected %d", t, len(row), v)
		}
	}
	sp := &SlicedPropagator{
		prop:      prop,
		vertex:    vertex,
		field:     field,
		blockSize: blockSize,
		diag:      make([]float64, v),
		vec:       make([]float64, v),
	}
	sp.MakeBlocks()
	return sp, nil
}

// Len returns the number of time slices.
func (sp *SlicedPropagator) Len() int { return len(sp.field) }

// Volume returns the number of sites.
func (sp *SlicedPropagator) Volume() int { return len(sp.diag) }

// NumBlocks returns the number of blocks.
func (sp *SlicedPropagator) NumBlocks() int { return (sp.Len() + sp.blockSize - 1) / sp.blockSize }

// Shift returns the cyclic time shift.
func (sp *SlicedPropagator) Shift() int { return sp.shift }

// SetShift changes the cyclic time shift. Blocks are stale until MakeBlocks.
func (sp *SlicedPropagator) SetShift(k int) {
	n := sp.Len()
	sp.shift = ((k % n) + n) % n
}

// Row returns the field of slice t.
func (sp *SlicedPropagator) Row(t int) []float64 {
	return sp.field[(t+sp.shift)%sp.Len()]
}

// At returns the field value of site x at slice t.
func (sp *SlicedPropagator) At(t, x int) float64 { return sp.Row(t)[x] }

// Flip changes the sign of a field entry without touching the blocks.
func (sp *SlicedPropagator) Flip(t, x int) {
	row := sp.Row(t)
	row[x] = -row[x]
}

// Field returns a copy of the field in unshifted order.
func (sp *SlicedPropagator) Field() [][]float64 {
	f := make([][]float64, len(sp.field))
	for t, row := range sp.field {
		f[t] = slices.Clone(row)
	}
	return f
}

// Blocks returns the cached block matrices.
func (sp *SlicedPropagator) Blocks() []*mat.Dense { return sp.blocks }

// Accumulate returns the product of the slices in [start, end).
func (sp *SlicedPropagator) Accumulate(start, end int) *mat.Dense {
	m := qmat.Eye(sp.Volume())
	for t := start; t < end; t++ {
		sp.vertex.Diagonal(sp.diag, sp.Row(t))
		for i, d := range sp.diag {
			floats.Scale(d, m.RawRowView(i))
		}
		sp.prop.ApplyMatrix(m)
	}
	return m
}

// MakeBlocks recomputes every block from the field.
func (sp *SlicedPropagator) MakeBlocks() {
	sp.blocks = make([]*mat.Dense, sp.NumBlocks())
	for b := range sp.blocks {
		start, end := sp.blockRange(b)
		sp.blocks[b] = sp.Accumulate(start, end)
	}
}

// Product returns the plain product of all blocks.
func (sp *SlicedPropagator) Product() *mat.Dense {
	p := qmat.Eye(sp.Volume())
	for _, b := range sp.blocks {
		next := &mat.Dense{}
		next.Mul(b, p)
		p = next
	}
	return p
}

func (sp *SlicedPropagator) blockRange(b int) (int, int) {
	start := b * sp.blockSize
	return start, min(start+sp.blockSize, sp.Len())
}

// Correction is the low-rank change of the slice product caused by flipping Sites in slice Time.
type Correction struct {
	Time  int
	Sites []int
	// Full is the change of the whole product, Full.U·diag(Full.S)·Full.Vt.
	Full qmat.USV

	block int
	// us·vsᵀ is the change of the owning block.
	us *mat.Dense
	vs *mat.Dense
}

// Correction computes the change of the product for flipping distinct sites of slice t.
// The product itself is not modified.
func (sp *SlicedPropagator) Correction(t int, sites []int) (Correction, error) {
	if t < 0 || t >= sp.Len() || len(sites) == 0 {
		return Correction{}, errors.Wrapf(ErrInvalidArgument, "slice %d sites %v", t, sites)
	}
	v := sp.Volume()
	seen := make(map[int]bool, len(sites))
	for _, x := range sites {
		if x < 0 || x >= v || seen[x] {
			return Correction{}, errors.Wrapf(ErrInvalidArgument, "slice %d sites %v", t, sites)
		}
		seen[x] = true
	}

	c := Correction{Time: t, Sites: slices.Clone(sites), block: t / sp.blockSize}
	start, end := sp.blockRange(c.block)
	c.us = mat.NewDense(v, len(sites), nil)
	c.vs = mat.NewDense(v, len(sites), nil)
	w := sp.vec
	for j, x := range sites {
		clear(w)
		w[x] = 1
		for i := t + 1; i < end; i++ {
			sp.prop.ApplyVector(w)
			sp.vertex.Diagonal(sp.diag, sp.Row(i))
			floats.Mul(w, sp.diag)
		}
		sp.prop.ApplyVector(w)
		floats.Scale(sp.vertex.Jump(x, sp.Row(t)), w)
		c.us.SetCol(j, w)

		clear(w)
		w[x] = 1
		for i := t - 1; i >= start; i-- {
			sp.prop.ApplyVector(w)
			sp.vertex.Diagonal(sp.diag, sp.Row(i))
			floats.Mul(w, sp.diag)
		}
		c.vs.SetCol(j, w)
	}

	ones := make([]float64, len(sites))
	for i := range ones {
		ones[i] = 1
	}
	c.Full = qmat.USV{U: mat.DenseCopyOf(c.us), S: ones, Vt: mat.DenseCopyOf(c.vs.T())}
	if err := c.Full.AbsorbU(); err != nil {
		return Correction{}, errors.Wrap(err, "")
	}
	for b := c.block + 1; b < len(sp.blocks); b++ {
		if err := c.Full.MulLeft(sp.blocks[b]); err != nil {
			return Correction{}, errors.Wrap(err, "")
		}
		if err := c.Full.AbsorbU(); err != nil {
			return Correction{}, errors.Wrap(err, "")
		}
	}
	for b := c.block - 1; b >= 0; b-- {
		if err := c.Full.MulRight(sp.blocks[b]); err != nil {
			return Correction{}, errors.Wrap(err, "")
		}
		if err := c.Full.AbsorbVt(); err != nil {
			return Correction{}, errors.Wrap(err, "")
		}
	}
	return c, nil
}

// Fold adds the correction to its block and flips the field entries.
func (sp *SlicedPropagator) Fold(c Correction) {
	d := &mat.Dense{}
	d.Mul(c.us, c.vs.T())
	sp.blocks[c.block].Add(sp.blocks[c.block], d)
	for _, x := range c.Sites {
		sp.Flip(c.Time, x)
	}
}
