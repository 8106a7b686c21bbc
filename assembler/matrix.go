package assembler

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	lserr "github.com/notargets/linsys/errors"
	"github.com/notargets/linsys/types"
	"github.com/notargets/linsys/utils"
)

// CSRLayout is the ordering of the entries within each row of an assembled matrix
type CSRLayout uint8

const (
	LayoutLDU CSRLayout = iota // Column sorted: [L|D|U]
	LayoutDLU                  // Diagonal first, remaining entries column sorted: [D|L|U]
)

func (l CSRLayout) String() string {
	if l == LayoutDLU {
		return "[D|L|U]"
	}
	return "[L|D|U]"
}

type Stats struct {
	NumAssembles int
	NumItems     int // Items consumed by the last assembly
	AssembleTime time.Duration
	HostCopyTime time.Duration
}

func (s Stats) MeanAssembleTime() time.Duration {
	if s.NumAssembles == 0 {
		return 0
	}
	return s.AssembleTime / time.Duration(s.NumAssembles)
}

/*
MatrixAssembler converts a coordinate list of (row, col, value) triplets into a
compressed sparse row matrix for the row block [r0, r0+numRows). Columns use
the global numbering [0, numCols), the diagonal of local row r is column c0+r.

The assembly is a bucket merge: rows are the buckets, the entries per row are
counted, the counts are scanned into row offsets, entries are scattered into
their row, and each row is sorted by column and compacted by summing the
duplicates. Every stage runs in parallel and completes before the next starts.
*/
type MatrixAssembler struct {
	name               string
	r0, c0             int
	numRows, numCols   int
	nDataPtsToAssemble int
	ParallelDegree     int
	mem                *MemoryController

	// Merged entries, still at the pre-merge row offsets
	stageCols []int
	stageVals []float64

	// Assembled matrix
	numNonzeros         int
	rowOffsets          []int
	colIndices          []int
	values              []float64
	colIndexForDiagonal []int // Position of the diagonal within its row in [L|D|U] order, -1 if absent
	layout              CSRLayout
	assembled           bool

	// Host mirror, filled by CopyAssembledCSRMatrixToHost
	hRowOffsets []int
	hColIndices []int
	hValues     []float64

	memoryUsed int64
	stats      Stats
}

func NewMatrixAssembler(name string, r0, c0, numRows, numCols, nDataPtsToAssemble int,
	mem *MemoryController, ProcLimit int) (ma *MatrixAssembler, err error) {
	if numRows < 0 || numCols < 0 || nDataPtsToAssemble < 0 || r0 < 0 || c0 < 0 {
		err = fmt.Errorf("%w: matrix %s has negative dimensions", lserr.ErrBadLayout, name)
		return
	}
	if mem == nil {
		err = fmt.Errorf("%w: matrix %s has no memory controller", lserr.ErrCapacityExceeded, name)
		return
	}
	if numRows > mem.Capacity() || nDataPtsToAssemble > mem.Capacity() {
		err = fmt.Errorf("%w: matrix %s needs %d rows and %d points, memory controller %s holds %d",
			lserr.ErrCapacityExceeded, name, numRows, nDataPtsToAssemble, mem.Name(), mem.Capacity())
		return
	}
	ma = &MatrixAssembler{
		name:                name,
		r0:                  r0,
		c0:                  c0,
		numRows:             numRows,
		numCols:             numCols,
		nDataPtsToAssemble:  nDataPtsToAssemble,
		ParallelDegree:      ProcLimit,
		mem:                 mem,
		stageCols:           make([]int, nDataPtsToAssemble),
		stageVals:           make([]float64, nDataPtsToAssemble),
		rowOffsets:          make([]int, numRows+1),
		colIndices:          make([]int, 0, nDataPtsToAssemble),
		values:              make([]float64, 0, nDataPtsToAssemble),
		colIndexForDiagonal: make([]int, numRows),
	}
	var (
		intSize   = int64(unsafe.Sizeof(int(0)))
		floatSize = int64(unsafe.Sizeof(float64(0)))
	)
	ma.memoryUsed = 2*(intSize+floatSize)*int64(nDataPtsToAssemble) + intSize*int64(2*numRows+1)
	return
}

func (ma *MatrixAssembler) Name() string          { return ma.name }
func (ma *MatrixAssembler) NumRows() int          { return ma.numRows }
func (ma *MatrixAssembler) NumCols() int          { return ma.numCols }
func (ma *MatrixAssembler) NumNonzeros() int      { return ma.numNonzeros }
func (ma *MatrixAssembler) Layout() CSRLayout     { return ma.layout }
func (ma *MatrixAssembler) Stats() Stats          { return ma.stats }
func (ma *MatrixAssembler) MemoryInGBs() float64  { return utils.BytesToGBs(ma.memoryUsed) }
func (ma *MatrixAssembler) RowOffsets() []int     { return ma.rowOffsets }
func (ma *MatrixAssembler) ColIndices() []int     { return ma.colIndices }
func (ma *MatrixAssembler) Values() []float64     { return ma.values }
func (ma *MatrixAssembler) HostRowOffsets() []int { return ma.hRowOffsets }
func (ma *MatrixAssembler) HostColIndices() []int { return ma.hColIndices }
func (ma *MatrixAssembler) HostValues() []float64 { return ma.hValues }

// Assemble builds the CSR matrix from the coordinate lists, which are only read
func (ma *MatrixAssembler) Assemble(rows, cols []int, vals []float64) (err error) {
	var (
		n       = len(rows)
		start   = time.Now()
		NP      = utils.LimitParallelDegree(ma.ParallelDegree, max(n, ma.numRows))
		binPtrs = ma.mem.BinPtrs()[:ma.numRows+1]
		loc     = ma.mem.Locations()
		perm    = ma.mem.Temp()
	)
	if len(cols) != n || len(vals) != n {
		err = fmt.Errorf("%w: matrix %s has %d rows, %d cols, %d values",
			lserr.ErrLengthMismatch, ma.name, n, len(cols), len(vals))
		return
	}
	if n > ma.nDataPtsToAssemble || n > ma.mem.Capacity() {
		err = fmt.Errorf("%w: matrix %s received %d points, capacity is %d",
			lserr.ErrCapacityExceeded, ma.name, n, min(ma.nDataPtsToAssemble, ma.mem.Capacity()))
		return
	}
	ma.assembled = false

	// Bin count, each item remembers its slot within the row
	clear(binPtrs)
	if err = ma.binCount(NP, rows, cols, binPtrs, loc[:n]); err != nil {
		return
	}

	// Row offsets of the unmerged entries
	exclusiveScan(NP, binPtrs, ma.mem.BinBlockCount())

	// Scatter the item permutation into row order
	utils.ParallelFor(NP, n, func(np, kMin, kMax int) {
		for i := kMin; i < kMax; i++ {
			perm[int(binPtrs[rows[i]-ma.r0])+loc[i]] = i
		}
	})

	// Sort each row by column and sum the duplicates, merged counts land in rowOffsets
	utils.ParallelFor(NP, ma.numRows, func(np, rMin, rMax int) {
		for r := rMin; r < rMax; r++ {
			ma.rowOffsets[r] = ma.mergeRow(perm, binPtrs, r, cols, vals)
		}
	})

	// Final row offsets
	ma.numNonzeros = exclusiveScan(NP, ma.rowOffsets, ma.mem.BinBlockCount())
	ma.colIndices = ma.colIndices[:ma.numNonzeros]
	ma.values = ma.values[:ma.numNonzeros]

	// Compact the merged rows and locate the diagonals
	utils.ParallelFor(NP, ma.numRows, func(np, rMin, rMax int) {
		for r := rMin; r < rMax; r++ {
			var (
				src, dst = int(binPtrs[r]), ma.rowOffsets[r]
				m        = ma.rowOffsets[r+1] - dst
				diag     = ma.c0 + r
			)
			copy(ma.colIndices[dst:dst+m], ma.stageCols[src:src+m])
			copy(ma.values[dst:dst+m], ma.stageVals[src:src+m])
			ma.colIndexForDiagonal[r] = -1
			if p, found := slices.BinarySearch(ma.colIndices[dst:dst+m], diag); found {
				ma.colIndexForDiagonal[r] = p
			}
		}
	})
	ma.layout = LayoutLDU
	ma.assembled = true

	ma.stats.NumAssembles++
	ma.stats.NumItems = n
	ma.stats.AssembleTime += time.Since(start)
	return
}

func (ma *MatrixAssembler) binCount(NP int, rows, cols []int, counts []int64, loc []int) (err error) {
	var (
		n  = len(rows)
		g  = new(errgroup.Group)
		pm = utils.NewPartitionMap(NP, n)
	)
	if n == 0 {
		return
	}
	for np := 0; np < pm.ParallelDegree; np++ {
		g.Go(func() error {
			kMin, kMax := pm.GetBucketRange(np)
			for i := kMin; i < kMax; i++ {
				r := rows[i] - ma.r0
				if r < 0 || r >= ma.numRows {
					return fmt.Errorf("%w: matrix %s item %d has row %d, owned rows are [%d,%d)",
						lserr.ErrRowOutOfRange, ma.name, i, rows[i], ma.r0, ma.r0+ma.numRows)
				}
				if cols[i] < 0 || cols[i] >= ma.numCols {
					return fmt.Errorf("%w: matrix %s item %d has column %d, columns are [0,%d)",
						lserr.ErrColumnOutOfRange, ma.name, i, cols[i], ma.numCols)
				}
				loc[i] = int(atomic.AddInt64(&counts[r], 1) - 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return
}

// mergeRow sorts the items of row r by (column, item) and writes the summed
// entries to the staging arrays at the row's unmerged offset
func (ma *MatrixAssembler) mergeRow(perm []int, binPtrs []int64, r int, cols []int, vals []float64) (m int) {
	var (
		lo, hi = int(binPtrs[r]), int(binPtrs[r+1])
		span   = perm[lo:hi]
	)
	if len(span) == 0 {
		return
	}
	slices.SortFunc(span, func(a, b int) int {
		if c := cmp.Compare(cols[a], cols[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	var (
		sc = ma.stageCols[lo:hi]
		sv = ma.stageVals[lo:hi]
	)
	sc[0], sv[0] = cols[span[0]], vals[span[0]]
	for _, i := range span[1:] {
		if cols[i] == sc[m] {
			sv[m] += vals[i]
			continue
		}
		m++
		sc[m], sv[m] = cols[i], vals[i]
	}
	m++
	return
}

// ReorderDLU moves the diagonal of every row to the first position of the row, the
// entries before it shift right by one so the rest stays column sorted
func (ma *MatrixAssembler) ReorderDLU() {
	ma.checkAssembled()
	if ma.layout == LayoutDLU {
		return
	}
	utils.ParallelFor(ma.ParallelDegree, ma.numRows, func(np, rMin, rMax int) {
		for r := rMin; r < rMax; r++ {
			if p := ma.colIndexForDiagonal[r]; p > 0 {
				s := ma.rowOffsets[r]
				rotateRight(ma.colIndices[s:s+p+1], ma.values[s:s+p+1])
			}
		}
	})
	ma.layout = LayoutDLU
}

// ReorderLDU is the inverse of ReorderDLU, restoring column sorted rows
func (ma *MatrixAssembler) ReorderLDU() {
	ma.checkAssembled()
	if ma.layout == LayoutLDU {
		return
	}
	utils.ParallelFor(ma.ParallelDegree, ma.numRows, func(np, rMin, rMax int) {
		for r := rMin; r < rMax; r++ {
			if p := ma.colIndexForDiagonal[r]; p > 0 {
				s := ma.rowOffsets[r]
				rotateLeft(ma.colIndices[s:s+p+1], ma.values[s:s+p+1])
			}
		}
	})
	ma.layout = LayoutLDU
}

func rotateRight(c []int, v []float64) {
	var (
		l      = len(c) - 1
		cl, vl = c[l], v[l]
	)
	copy(c[1:], c[:l])
	copy(v[1:], v[:l])
	c[0], v[0] = cl, vl
}

func rotateLeft(c []int, v []float64) {
	var (
		l      = len(c) - 1
		c0, v0 = c[0], v[0]
	)
	copy(c, c[1:])
	copy(v, v[1:])
	c[l], v[l] = c0, v0
}

// DiagonalPosition returns the index of the diagonal of local row r within its
// row span for the current layout, -1 when the row has no diagonal entry
func (ma *MatrixAssembler) DiagonalPosition(r int) (p int) {
	p = ma.colIndexForDiagonal[r]
	if p > 0 && ma.layout == LayoutDLU {
		p = 0
	}
	return
}

// CopyAssembledCSRMatrixToHost stages the assembled matrix into the host
// mirror, reusing the mirror storage between epochs
func (ma *MatrixAssembler) CopyAssembledCSRMatrixToHost() {
	var (
		start = time.Now()
	)
	ma.checkAssembled()
	ma.hRowOffsets = types.GrowSlice(ma.hRowOffsets, ma.numRows+1)
	ma.hColIndices = types.GrowSlice(ma.hColIndices, ma.numNonzeros)
	ma.hValues = types.GrowSlice(ma.hValues, ma.numNonzeros)
	copy(ma.hRowOffsets, ma.rowOffsets)
	copy(ma.hColIndices, ma.colIndices)
	copy(ma.hValues, ma.values)
	ma.stats.HostCopyTime += time.Since(start)
}

func (ma *MatrixAssembler) checkAssembled() {
	if !ma.assembled {
		panic(fmt.Errorf("%w: matrix %s has not been assembled", lserr.ErrInvalidState, ma.name))
	}
}
