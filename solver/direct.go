package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/linsys/utils"
)

// Direct factors the whole system once with a dense LU and reuses the factors
// for every right hand side. It is meant for small systems and reference solves.
type Direct struct {
	A     Matrix
	csr   utils.CSR
	lu    *mat.LU
	setUp bool
}

func NewDirect() *Direct { return &Direct{} }

func (s *Direct) Name() string { return "DirectLU" }

func (s *Direct) Setup(A Matrix) (err error) {
	if !A.IsSquare() {
		err = fmt.Errorf("%w: direct solver needs all rows, have [%d,%d) of %d",
			ErrUnsupported, A.ILower, A.IUpper, A.NumCols)
		return
	}
	s.A, s.lu, s.setUp = A, nil, false
	if A.NumRows() == 0 {
		s.setUp = true
		return
	}
	s.csr = A.CSR()
	lu := &mat.LU{}
	lu.Factorize(s.csr.ToDense())
	if cond := lu.Cond(); math.IsInf(cond, 1) || math.IsNaN(cond) || cond > 1.e16 {
		err = fmt.Errorf("%w: condition number %g", ErrSingular, cond)
		return
	}
	s.lu, s.setUp = lu, true
	return
}

func (s *Direct) Solve(b, x []float64) (res Result, err error) {
	var (
		n = s.A.NumRows()
	)
	if !s.setUp {
		err = ErrNotSetUp
		return
	}
	if len(b) != n || len(x) != n {
		err = fmt.Errorf("direct solve: rhs %d and solution %d for %d rows", len(b), len(x), n)
		return
	}
	if n == 0 {
		return
	}
	X := mat.NewVecDense(n, x)
	if err = s.lu.SolveVecTo(X, false, mat.NewVecDense(n, b)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return
		}
		err = fmt.Errorf("%w: %v", ErrSingular, err)
		return
	}
	r := s.csr.MulVec(x)
	floats.Sub(r, b)
	res = Result{Iterations: 1, ResidualNorm: floats.Norm(r, 2)}
	return
}
