package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// MaxRestarts bounds the restarts after a breakdown of the shadow residual
	MaxRestarts  = 16
	breakdownTol = 1.e-12
)

// BiCGStabSolver is a right preconditioned BiCGStab iteration with a Jacobi
// preconditioner, working directly on the CSR arrays. A vanishing rHat.r or
// rHat.v restarts the iteration from the current residual, each restart uses
// one iteration.
type BiCGStabSolver struct {
	Tolerance     float64 // Relative to the norm of the rhs
	MaxIterations int
	A             Matrix
	invDiag       []float64
}

func NewBiCGStab(tol float64, maxIter int) *BiCGStabSolver {
	if tol <= 0 {
		tol = 1.e-10
	}
	if maxIter <= 0 {
		maxIter = 1000
	}
	return &BiCGStabSolver{Tolerance: tol, MaxIterations: maxIter}
}

func (s *BiCGStabSolver) Name() string { return "BiCGStab" }

func (s *BiCGStabSolver) Setup(A Matrix) (err error) {
	if !A.IsSquare() {
		err = fmt.Errorf("%w: bicgstab needs all rows, have [%d,%d) of %d",
			ErrUnsupported, A.ILower, A.IUpper, A.NumCols)
		return
	}
	s.A, s.invDiag = A, A.Diagonal()
	for i, d := range s.invDiag {
		if d == 0 {
			s.invDiag = nil
			err = fmt.Errorf("%w: zero diagonal in row %d", ErrSingular, A.ILower+i)
			return
		}
		s.invDiag[i] = 1 / d
	}
	return
}

func (s *BiCGStabSolver) Solve(b, x []float64) (res Result, err error) {
	var (
		n = s.A.NumRows()
	)
	if s.invDiag == nil {
		err = ErrNotSetUp
		return
	}
	if len(b) != n || len(x) != n {
		err = fmt.Errorf("bicgstab solve: rhs %d and solution %d for %d rows", len(b), len(x), n)
		return
	}
	var (
		r, rHat    = make([]float64, n), make([]float64, n)
		p, v       = make([]float64, n), make([]float64, n)
		pHat, sHat = make([]float64, n), make([]float64, n)
		sv, t      = make([]float64, n), make([]float64, n)
		bNorm      = floats.Norm(b, 2)
		rho, alpha = 1., 1.
		omega      = 1.
	)
	if bNorm == 0 {
		clear(x)
		return
	}
	tol := s.Tolerance * bNorm
	s.A.MulVec(x, r)
	floats.SubTo(r, b, r)
	copy(rHat, r)
	if res.ResidualNorm = floats.Norm(r, 2); res.ResidualNorm <= tol {
		return
	}
	var (
		restarts int
		// restart takes the current residual as the new shadow residual
		restart = func(what string) error {
			if restarts == MaxRestarts {
				return fmt.Errorf("%w: %s breakdown at iteration %d after %d restarts, residual %g",
					ErrNotConverged, what, res.Iterations, restarts, res.ResidualNorm)
			}
			restarts++
			copy(rHat, r)
			rho, alpha, omega = 1, 1, 1
			clear(p)
			clear(v)
			return nil
		}
	)
	for res.Iterations = 1; res.Iterations <= s.MaxIterations; res.Iterations++ {
		rhoNew := floats.Dot(rHat, r)
		if math.Abs(rhoNew) <= breakdownTol*floats.Norm(rHat, 2)*res.ResidualNorm {
			if err = restart("rho"); err != nil {
				return
			}
			continue
		}
		beta := (rhoNew / rho) * (alpha / omega)
		// p = r + beta*(p - omega*v)
		floats.AddScaled(p, -omega, v)
		floats.AddScaledTo(p, r, beta, p)
		floats.MulTo(pHat, s.invDiag, p)
		s.A.MulVec(pHat, v)
		rv := floats.Dot(rHat, v)
		if math.Abs(rv) <= breakdownTol*floats.Norm(rHat, 2)*floats.Norm(v, 2) {
			if err = restart("alpha"); err != nil {
				return
			}
			continue
		}
		alpha = rhoNew / rv
		floats.AddScaledTo(sv, r, -alpha, v)
		floats.AddScaled(x, alpha, pHat)
		if res.ResidualNorm = floats.Norm(sv, 2); res.ResidualNorm <= tol {
			return
		}
		floats.MulTo(sHat, s.invDiag, sv)
		s.A.MulVec(sHat, t)
		omega = floats.Dot(t, sv) / floats.Dot(t, t)
		floats.AddScaled(x, omega, sHat)
		floats.AddScaledTo(r, sv, -omega, t)
		if res.ResidualNorm = floats.Norm(r, 2); res.ResidualNorm <= tol {
			return
		}
		rho = rhoNew
	}
	res.Iterations = s.MaxIterations
	err = fmt.Errorf("%w: %d iterations, residual %g", ErrNotConverged, s.MaxIterations, res.ResidualNorm)
	return
}
