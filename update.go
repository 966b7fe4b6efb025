package dqmc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	qmat "github.com/fumin/dqmc/mat"
)

// UpdateBatch holds accepted low-rank corrections not yet absorbed into the factorization of B.
// The current product is B + Σ_i cols[i]·rows[i]ᵀ where B is the factorized product.
// The factorizations of I + e^shift·B are kept current on every accept, so the batch only
// delays the refactorization of B itself.
type UpdateBatch struct {
	capacity int
	cols     [][]float64
	rows     [][]float64

	// LogRatio and Sign relate the weight of the current product to that of B.
	LogRatio float64
	Sign     float64
}

func newUpdateBatch(capacity int) *UpdateBatch {
	return &UpdateBatch{capacity: capacity, Sign: 1}
}

// Len returns the number of pending rank-1 terms.
func (b *UpdateBatch) Len() int { return len(b.cols) }

// Reset drops all pending corrections.
func (b *UpdateBatch) Reset() {
	b.cols, b.rows = b.cols[:0], b.rows[:0]
	b.LogRatio, b.Sign = 0, 1
}

// full reports whether k more terms overflow the batch.
func (b *UpdateBatch) full(k int) bool {
	return b.Len() > 0 && b.Len()+k > b.capacity
}

// matrices returns the pending terms as n×k and k×n matrices.
func (b *UpdateBatch) matrices() (*mat.Dense, *mat.Dense) {
	return termMatrices(b.cols, b.rows)
}

func termMatrices(cols, rows [][]float64) (*mat.Dense, *mat.Dense) {
	n, k := len(cols[0]), len(cols)
	us := mat.NewDense(n, k, nil)
	vts := mat.NewDense(k, n, nil)
	for i := range cols {
		us.SetCol(i, cols[i])
		vts.SetRow(i, rows[i])
	}
	return us, vts
}

// proposal is a correction evaluated against the current factorizations.
type proposal struct {
	c    Correction
	cols [][]float64
	rows [][]float64

	// logRatio and sign relate the proposed weight to the current one.
	logRatio float64
	sign     float64
}

// evaluate computes the weight ratio between the current product plus c and the current product.
// For species s with I + e^shift·B' = U·S·Vt it is det(I_k + e^shift·(Vt·R)ᵀ·S⁻¹·Uᵀ·C),
// C and R the k columns and rows of c.
func (s *Simulation) evaluate(c Correction) proposal {
	p := proposal{c: c, sign: 1}
	us := mat.DenseCopyOf(c.Full.U)
	r, k := us.Dims()
	for i := 0; i < r; i++ {
		floats.Mul(us.RawRowView(i), c.Full.S)
	}
	for j := 0; j < k; j++ {
		p.cols = append(p.cols, mat.Col(nil, j, us))
		p.rows = append(p.rows, mat.Row(nil, j, c.Full.Vt))
	}

	for sp, g := range s.green {
		left := &mat.Dense{}
		left.Mul(g.U.T(), us)
		for i, si := range g.S {
			floats.Scale(1/si, left.RawRowView(i))
		}
		right := &mat.Dense{}
		right.Mul(c.Full.Vt, g.Vt.T())

		m := &mat.Dense{}
		m.Mul(right, left)
		m.Scale(math.Exp(s.engine.Shifts[sp]), m)
		for i := 0; i < k; i++ {
			m.Set(i, i, m.At(i, i)+1)
		}
		l, sign := mat.LogDet(m)
		p.logRatio += l
		p.sign *= sign
	}
	return p
}

// accept updates the factorizations of both species, then folds the proposal into the
// blocks and the batch. Nothing is modified if an update fails.
func (s *Simulation) accept(p proposal) error {
	us, vts := termMatrices(p.cols, p.rows)
	var green [2]qmat.USV
	for sp, g := range s.green {
		var err error
		green[sp], err = g.Update(us, vts, math.Exp(s.engine.Shifts[sp]))
		if err != nil {
			return errors.Wrap(err, Species(sp).String())
		}
	}

	s.slices.Fold(p.c)
	s.green = green
	b := s.batch
	b.cols = append(b.cols, p.cols...)
	b.rows = append(b.rows, p.rows...)
	b.LogRatio += p.logRatio
	b.Sign *= p.sign
	return nil
}

// flush absorbs the pending corrections into the weight and the factorization.
// The tracked weight and the batch are left alone if no new factorization can be built.
func (s *Simulation) flush() error {
	if s.batch.Len() == 0 {
		return nil
	}
	prev := s.state
	s.state = BatchFlushing
	defer func() { s.state = prev }()

	base, err := s.flushedBase()
	if err != nil {
		return errors.Wrap(err, "")
	}
	green, err := s.engine.Factorize(base)
	if err != nil {
		return errors.Wrap(err, "")
	}

	s.plog += s.batch.LogRatio
	s.psign *= s.batch.Sign
	s.batch.Reset()
	s.base, s.green = base, green
	return nil
}

// flushedBase returns the factorization of the current product.
func (s *Simulation) flushedBase() (qmat.USV, error) {
	if s.p.LowRankFlush {
		us, vts := s.batch.matrices()
		base, err := s.base.Update(us, vts, 1)
		if err == nil {
			return base, nil
		}
		s.log.WithField("error", err).Warn("low rank flush failed, rebuilding")
	}
	return s.build()
}
