package assembler

import (
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

/*
RhsAssembler converts a list of (row, value) pairs into a dense vector over the
row block [r0, r0+numRows), using the same bucket merge as the matrix. The
scanned counts are only used to place entries, the result is indexed by row.
*/
type RhsAssembler struct {
	name               string
	r0, numRows        int
	nDataPtsToAssemble int
	ParallelDegree     int
	mem                *MemoryController

	rhs       []float64
	hRhs      []float64
	assembled bool

	memoryUsed int64
	stats      Stats
}

func NewRhsAssembler(name string, r0, numRows, nDataPtsToAssemble int,
	mem *MemoryController, ProcLimit int) (ra *RhsAssembler, err error) {
	if numRows < 0 || nDataPtsToAssemble < 0 || r0 < 0 {
		err = fmt.Errorf("%w: rhs %s has negative dimensions", lserr.ErrBadLayout, name)
		return
	}
	if mem == nil {
		err = fmt.Errorf("%w: rhs %s has no memory controller", lserr.ErrCapacityExceeded, name)
		return
	}
	if numRows > mem.Capacity() || nDataPtsToAssemble > mem.Capacity() {
		err = fmt.Errorf("%w: rhs %s needs %d rows and %d points, memory controller %s holds %d",
			lserr.ErrCapacityExceeded, name, numRows, nDataPtsToAssemble, mem.Name(), mem.Capacity())
		return
	}
	ra = &RhsAssembler{
		name:               name,
		r0:                 r0,
		numRows:            numRows,
		nDataPtsToAssemble: nDataPtsToAssemble,
		ParallelDegree:     ProcLimit,
		mem:                mem,
		rhs:                make([]float64, numRows),
	}
	ra.memoryUsed = int64(unsafe.Sizeof(float64(0))) * int64(numRows)
	return
}

func (ra *RhsAssembler) Name() string         { return ra.name }
func (ra *RhsAssembler) NumRows() int         { return ra.numRows }
func (ra *RhsAssembler) Stats() Stats         { return ra.stats }
func (ra *RhsAssembler) MemoryInGBs() float64 { return utils.BytesToGBs(ra.memoryUsed) }
func (ra *RhsAssembler) Rhs() []float64       { return ra.rhs }
func (ra *RhsAssembler) HostRhs() []float64   { return ra.hRhs }

// Assemble sums the pairs into the dense vector, rows without entries are zero
func (ra *RhsAssembler) Assemble(rows []int, vals []float64) (err error) {
	var (
		n       = len(rows)
		start   = time.Now()
		NP      = utils.LimitParallelDegree(ra.ParallelDegree, max(n, ra.numRows))
		binPtrs = ra.mem.BinPtrs()[:ra.numRows+1]
		loc     = ra.mem.Locations()
		perm    = ra.mem.Temp()
	)
	if len(vals) != n {
		err = fmt.Errorf("%w: rhs %s has %d rows and %d values",
			lserr.ErrLengthMismatch, ra.name, n, len(vals))
		return
	}
	if n > ra.nDataPtsToAssemble || n > ra.mem.Capacity() {
		err = fmt.Errorf("%w: rhs %s received %d points, capacity is %d",
			lserr.ErrCapacityExceeded, ra.name, n, min(ra.nDataPtsToAssemble, ra.mem.Capacity()))
		return
	}
	ra.assembled = false

	clear(binPtrs)
	if err = ra.binCount(NP, rows, binPtrs, loc[:n]); err != nil {
		return
	}

	exclusiveScan(NP, binPtrs, ra.mem.BinBlockCount())

	utils.ParallelFor(NP, n, func(np, kMin, kMax int) {
		for i := kMin; i < kMax; i++ {
			perm[int(binPtrs[rows[i]-ra.r0])+loc[i]] = i
		}
	})

	// Items are summed in input order so that a given input always gives the same bits
	utils.ParallelFor(NP, ra.numRows, func(np, rMin, rMax int) {
		for r := rMin; r < rMax; r++ {
			var (
				span = perm[binPtrs[r]:binPtrs[r+1]]
				sum  float64
			)
			slices.Sort(span)
			for _, i := range span {
				sum += vals[i]
			}
			ra.rhs[r] = sum
		}
	})
	ra.assembled = true

	ra.stats.NumAssembles++
	ra.stats.NumItems = n
	ra.stats.AssembleTime += time.Since(start)
	return
}

func (ra *RhsAssembler) binCount(NP int, rows []int, counts []int64, loc []int) (err error) {
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
				r := rows[i] - ra.r0
				if r < 0 || r >= ra.numRows {
					return fmt.Errorf("%w: rhs %s item %d has row %d, owned rows are [%d,%d)",
						lserr.ErrRowOutOfRange, ra.name, i, rows[i], ra.r0, ra.r0+ra.numRows)
				}
				loc[i] = int(atomic.AddInt64(&counts[r], 1) - 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return
}

// CopyAssembledRhsVectorToHost stages the assembled vector into the host mirror
func (ra *RhsAssembler) CopyAssembledRhsVectorToHost() {
	var (
		start = time.Now()
	)
	if !ra.assembled {
		panic(fmt.Errorf("%w: rhs %s has not been assembled", lserr.ErrInvalidState, ra.name))
	}
	ra.hRhs = types.GrowSlice(ra.hRhs, ra.numRows)
	copy(ra.hRhs, ra.rhs)
	ra.stats.HostCopyTime += time.Since(start)
}
