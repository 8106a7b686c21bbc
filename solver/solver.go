/*
Package solver is the boundary to the linear equation solver. An assembled
system registers its owned block of rows with Setup and then solves one right
hand side at a time.
*/
package solver

import (
	"fmt"
	"strings"

	lserr "github.com/notargets/linsys/errors"
	"github.com/notargets/linsys/utils"
)

var (
	ErrNotSetUp     = lserr.ErrNotSetUp
	ErrNotConverged = lserr.ErrNotConverged
	ErrSingular     = lserr.ErrSingular
	ErrUnsupported  = lserr.ErrUnsupported
)

// Matrix is the owned row block [ILower, IUpper) of a square system of
// NumCols unknowns, in compressed sparse row form with global column numbering
type Matrix struct {
	ILower, IUpper int
	NumCols        int
	DiagonalFirst  bool
	RowOffsets     []int
	ColIndices     []int
	Values         []float64
}

func (A Matrix) NumRows() int { return A.IUpper - A.ILower }

// IsSquare reports whether the block holds every row of the system
func (A Matrix) IsSquare() bool { return A.ILower == 0 && A.IUpper == A.NumCols }

// CSR copies the block into a james-bowman CSR matrix of NumRows x NumCols
func (A Matrix) CSR() utils.CSR {
	return utils.NewCSRFromArrays(A.NumRows(), A.NumCols, A.RowOffsets, A.ColIndices, A.Values, 0)
}

// MulVec computes y = A*x over the owned rows, x spans all columns
func (A Matrix) MulVec(x, y []float64) {
	for i := 0; i < A.NumRows(); i++ {
		var sum float64
		for ii := A.RowOffsets[i]; ii < A.RowOffsets[i+1]; ii++ {
			sum += A.Values[ii] * x[A.ColIndices[ii]]
		}
		y[i] = sum
	}
}

// Diagonal returns the diagonal of the owned rows, zero where a row has none
func (A Matrix) Diagonal() (D []float64) {
	D = make([]float64, A.NumRows())
	for i := 0; i < A.NumRows(); i++ {
		var (
			lo, hi = A.RowOffsets[i], A.RowOffsets[i+1]
			diag   = A.ILower + i
		)
		if A.DiagonalFirst {
			if lo < hi && A.ColIndices[lo] == diag {
				D[i] = A.Values[lo]
			}
			continue
		}
		for ii := lo; ii < hi; ii++ {
			if A.ColIndices[ii] == diag {
				D[i] = A.Values[ii]
				break
			}
		}
	}
	return
}

type Result struct {
	Iterations   int
	ResidualNorm float64 // 2-norm of b - A*x
}

type Solver interface {
	Name() string
	Setup(A Matrix) error
	Solve(b, x []float64) (Result, error)
}

type SolverType uint8

const (
	DirectLU SolverType = iota
	BiCGStab
)

var SolverNameMap = map[string]SolverType{
	"direct":   DirectLU,
	"lu":       DirectLU,
	"bicgstab": BiCGStab,
}

func (st SolverType) String() string {
	if st == BiCGStab {
		return "BiCGStab"
	}
	return "DirectLU"
}

func NewSolverType(label string) (st SolverType) {
	var (
		ok bool
	)
	if st, ok = SolverNameMap[strings.ToLower(strings.TrimSpace(label))]; !ok {
		panic(fmt.Errorf("unknown solver type \"%s\"", label))
	}
	return
}

// NewSolver returns a solver of the given type, tol and maxIter only apply to iterative solvers
func NewSolver(st SolverType, tol float64, maxIter int) (s Solver) {
	switch st {
	case DirectLU:
		s = NewDirect()
	case BiCGStab:
		s = NewBiCGStab(tol, maxIter)
	}
	return
}
