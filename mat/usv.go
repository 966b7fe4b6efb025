// Package mat implements the numerically stable U·diag(S)·Vt representation of long
// matrix products used by the determinant Monte Carlo engine.
package mat

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDecomposition is returned when a singular value decomposition does not converge.
	ErrDecomposition = errors.New("singular value decomposition failed")
	// ErrInvalidArgument is returned when operands have incompatible shapes.
	ErrInvalidArgument = errors.New("invalid argument")
)

// USV is the factorization U·diag(S)·Vt of a real matrix.
// After Build, AbsorbU and AbsorbVt the columns of U and the rows of Vt are orthonormal,
// and S is non-negative and descending.
type USV struct {
	U  *mat.Dense
	S  []float64
	Vt *mat.Dense
}

// Identity returns the factorization of the n×n identity.
func Identity(n int) USV {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return USV{U: Eye(n), S: s, Vt: Eye(n)}
}

// Clone returns a deep copy of f.
func (f USV) Clone() USV {
	return USV{U: mat.DenseCopyOf(f.U), S: append([]float64(nil), f.S...), Vt: mat.DenseCopyOf(f.Vt)}
}

// Dims returns the dimensions of the represented matrix.
func (f USV) Dims() (r, c int) {
	r, _ = f.U.Dims()
	_, c = f.Vt.Dims()
	return r, c
}

// Matrix returns U·diag(S)·Vt.
func (f USV) Matrix() *mat.Dense {
	us := mat.DenseCopyOf(f.U)
	scaleColumns(us, f.S)
	m := &mat.Dense{}
	m.Mul(us, f.Vt)
	return m
}

// InverseMatrix returns Vtᵀ·diag(1/S)·Uᵀ.
func (f USV) InverseMatrix() *mat.Dense {
	return f.Inverse().Matrix()
}

// Inverse returns the factorization of the inverse of a square f.
// No decomposition is performed: S is inverted and reversed so that it stays descending,
// and the orthogonal factors are transposed and reordered accordingly.
func (f USV) Inverse() USV {
	n := len(f.S)
	s := make([]float64, n)
	for i := range s {
		s[i] = 1 / f.S[n-1-i]
	}
	u := mat.NewDense(n, n, nil)
	vt := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			u.Set(i, j, f.Vt.At(n-1-j, i))
			vt.Set(i, j, f.U.At(j, n-1-i))
		}
	}
	return USV{U: u, S: s, Vt: vt}
}

// LogAbsDet returns log|det| of a square factorization with orthogonal U and Vt.
func (f USV) LogAbsDet() float64 {
	var l float64
	for _, s := range f.S {
		l += math.Log(s)
	}
	return l
}

// Sign returns the sign of the determinant of a square factorization.
func (f USV) Sign() float64 {
	if mat.Det(f.U)*mat.Det(f.Vt) < 0 {
		return -1
	}
	return 1
}

// AbsorbU folds S into U and re-orthogonalises, pushing the new right factor into Vt.
func (f *USV) AbsorbU() error {
	us := mat.DenseCopyOf(f.U)
	scaleColumns(us, f.S)
	u, s, vt, err := svd(us)
	if err != nil {
		return errors.Wrap(err, "")
	}
	nvt := &mat.Dense{}
	nvt.Mul(vt, f.Vt)
	f.U, f.S, f.Vt = u, s, nvt
	return nil
}

// AbsorbVt folds S into Vt and re-orthogonalises, pushing the new left factor into U.
func (f *USV) AbsorbVt() error {
	sv := mat.DenseCopyOf(f.Vt)
	scaleRows(sv, f.S)
	u, s, vt, err := svd(sv)
	if err != nil {
		return errors.Wrap(err, "")
	}
	nu := &mat.Dense{}
	nu.Mul(f.U, u)
	f.U, f.S, f.Vt = nu, s, vt
	return nil
}

// MulLeft replaces the factorization of X with that of a·X without re-orthogonalising.
func (f *USV) MulLeft(a mat.Matrix) error {
	_, ac := a.Dims()
	if r, _ := f.U.Dims(); ac != r {
		return errors.Wrapf(ErrInvalidArgument, "%d %d", ac, r)
	}
	u := &mat.Dense{}
	u.Mul(a, f.U)
	f.U = u
	return nil
}

// MulRight replaces the factorization of X with that of X·a without re-orthogonalising.
func (f *USV) MulRight(a mat.Matrix) error {
	ar, _ := a.Dims()
	if _, c := f.Vt.Dims(); ar != c {
		return errors.Wrapf(ErrInvalidArgument, "%d %d", ar, c)
	}
	vt := &mat.Dense{}
	vt.Mul(f.Vt, a)
	f.Vt = vt
	return nil
}

// Build factorizes the product blocks[len-1]···blocks[1]·blocks[0].
// The accumulated left factor is re-orthogonalised every period blocks and after the last one.
func Build(blocks []*mat.Dense, period int) (USV, error) {
	if len(blocks) == 0 || period < 1 {
		return USV{}, errors.Wrapf(ErrInvalidArgument, "%d blocks period %d", len(blocks), period)
	}
	n, _ := blocks[0].Dims()
	f := Identity(n)
	for i, b := range blocks {
		if r, c := b.Dims(); r != n || c != n {
			return USV{}, errors.Wrapf(ErrInvalidArgument, "block %d is %dx%d, expected %d", i, r, c, n)
		}
		if err := f.MulLeft(b); err != nil {
			return USV{}, errors.Wrap(err, "")
		}
		if i%period == 0 || i == len(blocks)-1 {
			if err := f.AbsorbU(); err != nil {
				return USV{}, errors.Wrap(err, fmt.Sprintf("block %d", i))
			}
		}
	}
	return f, nil
}

// AddIdentity returns the factorization of I + λ·f.
// Only a matrix of the size of f is decomposed, independent of how many blocks f absorbed.
func (f USV) AddIdentity(lambda float64) (USV, error) {
	n := len(f.S)
	if r, c := f.Dims(); r != n || c != n {
		return USV{}, errors.Wrapf(ErrInvalidArgument, "%dx%d rank %d", r, c, n)
	}
	core := &mat.Dense{}
	core.Mul(f.U.T(), f.Vt.T())
	for i, s := range f.S {
		core.Set(i, i, core.At(i, i)+lambda*s)
	}
	return f.rotate(core)
}

// Rank1Update returns the factorization of f + λ·u·vᵀ.
func (f USV) Rank1Update(u, v []float64, lambda float64) (USV, error) {
	return f.Update(mat.NewDense(len(u), 1, u), mat.NewDense(1, len(v), v), lambda)
}

// Update returns the factorization of f + λ·us·vts, with us n×k and vts k×n.
func (f USV) Update(us, vts mat.Matrix, lambda float64) (USV, error) {
	n := len(f.S)
	ur, uc := us.Dims()
	vr, vc := vts.Dims()
	if r, c := f.Dims(); r != n || c != n || ur != n || vc != n || uc != vr {
		return USV{}, errors.Wrapf(ErrInvalidArgument, "%dx%d rank %d, u %dx%d, vt %dx%d", r, c, n, ur, uc, vr, vc)
	}
	left := &mat.Dense{}
	left.Mul(f.U.T(), us)
	right := &mat.Dense{}
	right.Mul(vts, f.Vt.T())
	core := &mat.Dense{}
	core.Mul(left, right)
	core.Scale(lambda, core)
	for i, s := range f.S {
		core.Set(i, i, core.At(i, i)+s)
	}
	return f.rotate(core)
}

// rotate returns U·core·Vt with core decomposed in between.
func (f USV) rotate(core *mat.Dense) (USV, error) {
	u, s, vt, err := svd(core)
	if err != nil {
		return USV{}, errors.Wrap(err, "")
	}
	nu := &mat.Dense{}
	nu.Mul(f.U, u)
	nvt := &mat.Dense{}
	nvt.Mul(vt, f.Vt)
	return USV{U: nu, S: s, Vt: nvt}, nil
}

func svd(a *mat.Dense) (*mat.Dense, []float64, *mat.Dense, error) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for _, x := range a.RawRowView(i) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, nil, nil, errors.Wrapf(ErrDecomposition, "non-finite entry in %dx%d input", r, c)
			}
		}
	}

	var dec mat.SVD
	if ok := dec.Factorize(a, mat.SVDThin); !ok {
		return nil, nil, nil, errors.Wrapf(ErrDecomposition, "%dx%d", r, c)
	}
	u, v := &mat.Dense{}, &mat.Dense{}
	dec.UTo(u)
	dec.VTo(v)
	return u, dec.Values(nil), mat.DenseCopyOf(v.T()), nil
}

func scaleColumns(m *mat.Dense, s []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] *= s[j]
		}
	}
}

func scaleRows(m *mat.Dense, s []float64) {
	for i, si := range s {
		row := m.RawRowView(i)
		for j := range row {
			row[j] *= si
		}
	}
}

// Eye returns the n×n identity matrix.
func Eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
