package utils

import (
	"fmt"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// DOK is the accumulating form, used as the reference for assembled systems
type DOK struct {
	M *sparse.DOK
}

func NewDOK(nr, nc int) (R DOK) {
	R = DOK{sparse.NewDOK(nr, nc)}
	return
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (m DOK) Dims() (r, c int)    { return m.M.Dims() }
func (m DOK) At(i, j int) float64 { return m.M.At(i, j) }
func (m DOK) T() mat.Matrix       { return m.M.T() }
func (m DOK) NNZ() int            { return m.M.NNZ() }

// SumInto accumulates val at (i,j), the way assembled contributions combine
func (m DOK) SumInto(i, j int, val float64) {
	m.M.Set(i, j, m.M.At(i, j)+val)
}

func (m DOK) ToCSR() CSR {
	return CSR{M: m.M.ToCSR()}
}

type CSR struct {
	M *sparse.CSR
}

/*
NewCSRFromArrays converts raw compressed row arrays into a CSR matrix of nr x nc.
Column indices are shifted by colOffset so that a row-partitioned block using
global column numbering can be addressed locally. Entries within a row may be
in any order (diagonal first is accepted), duplicates are summed.
*/
func NewCSRFromArrays(nr, nc int, rowOffsets, colIndices []int, values []float64, colOffset int) (R CSR) {
	var (
		dok = NewDOK(nr, nc)
	)
	if len(rowOffsets) != nr+1 {
		panic(fmt.Errorf("row offsets length %d does not match %d rows", len(rowOffsets), nr))
	}
	for i := 0; i < nr; i++ {
		for ii := rowOffsets[i]; ii < rowOffsets[i+1]; ii++ {
			j := colIndices[ii] - colOffset
			if j < 0 || j >= nc {
				panic(fmt.Errorf("column %d of row %d out of range [%d,%d)",
					colIndices[ii], i, colOffset, colOffset+nc))
			}
			dok.SumInto(i, j, values[ii])
		}
	}
	R = dok.ToCSR()
	return
}

// Dims, At and T minimally satisfy the mat.Matrix interface.
func (m CSR) Dims() (r, c int)    { return m.M.Dims() }
func (m CSR) At(i, j int) float64 { return m.M.At(i, j) }
func (m CSR) T() mat.Matrix       { return m.M.T() }
func (m CSR) NNZ() int            { return m.M.NNZ() }

// ToDense is used by direct factorizations of small systems
func (m CSR) ToDense() (D *mat.Dense) {
	D = mat.DenseCopyOf(m.M)
	return
}

// MulVec returns A*x for a dense x of length nc
func (m CSR) MulVec(x []float64) (y []float64) {
	var (
		nr, nc = m.Dims()
	)
	if len(x) != nc {
		panic(fmt.Errorf("dimension mismatch: have %d, need %d", len(x), nc))
	}
	y = make([]float64, nr)
	m.M.DoNonZero(func(i, j int, v float64) {
		y[i] += v * x[j]
	})
	return
}
