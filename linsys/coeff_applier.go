package linsys

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	lserr "github.com/notargets/linsys/errors"
	"github.com/notargets/linsys/types"
)

// cursor is the write position of one partition, padded to its own cache line
type cursor struct {
	mat, rhs atomic.Int64
	_        [48]byte
}

/*
CoeffApplier is the write side of the system. Contributions are appended to
one shared set of coordinate lists, split into fixed regions, one region per
partition plus one reserved for boundary rows. A partition claims space in its
region with an atomic add on its own cursor, so concurrent writers to
different partitions never touch the same memory and writers to the same
partition never block.

Matrix rows are numbered row*dofM + d, where dofM is NumDof for a coupled
system and 1 for a segregated system, the rhs of a segregated system has one
value per degree of freedom for every row entry.
*/
type CoeffApplier struct {
	numDof, dofM, numChannels int
	rowLower, rowUpper        int
	maxRowID                  int
	entityToRow               []int

	matStarts, rhsStarts []int // Region start offsets, one per partition plus the boundary region
	cursors              []cursor

	rows, cols []int
	vals       []float64
	rhsRows    []int
	rhsVals    [][]float64 // One list per channel, parallel to rhsRows

	rowTypes         []types.RowType // Per owned row
	rowFilled        []uint32        // Per owned matrix row
	checkSkippedRows atomic.Bool

	mu     sync.Mutex
	poison error // First configuration error of the epoch
}

func newCoeffApplier(cfg *Config, layout *Layout, entityToRow []int) (ca *CoeffApplier) {
	var (
		numRows = cfg.RowUpper - cfg.RowLower
	)
	ca = &CoeffApplier{
		numDof:      cfg.NumDof,
		dofM:        cfg.matrixDof(),
		numChannels: cfg.NumChannels(),
		rowLower:    cfg.RowLower,
		rowUpper:    cfg.RowUpper,
		maxRowID:    cfg.MaxRowID,
		entityToRow: entityToRow,
		cursors:     make([]cursor, layout.NumPartitions()+1),
		rowTypes:    make([]types.RowType, numRows),
		rowFilled:   make([]uint32, numRows*cfg.matrixDof()),
		rhsVals:     make([][]float64, cfg.NumChannels()),
	}
	matCap, rhsCap := layout.capacities(ca.dofM)
	ca.allocate(append(matCap, 0), append(rhsCap, 0))
	return
}

// allocate sizes the regions, existing storage is kept when it is big enough
func (ca *CoeffApplier) allocate(matCap, rhsCap []int) {
	ca.matStarts = prefixStarts(matCap)
	ca.rhsStarts = prefixStarts(rhsCap)
	var (
		nm = ca.matStarts[len(matCap)]
		nr = ca.rhsStarts[len(rhsCap)]
	)
	if cap(ca.rows) < nm {
		ca.rows, ca.cols, ca.vals = make([]int, nm), make([]int, nm), make([]float64, nm)
	}
	ca.rows, ca.cols, ca.vals = ca.rows[:nm], ca.cols[:nm], ca.vals[:nm]
	if cap(ca.rhsRows) < nr {
		ca.rhsRows = make([]int, nr)
		for ch := range ca.rhsVals {
			ca.rhsVals[ch] = make([]float64, nr)
		}
	}
	ca.rhsRows = ca.rhsRows[:nr]
	for ch := range ca.rhsVals {
		ca.rhsVals[ch] = ca.rhsVals[ch][:nr]
	}
}

// resizeBoundary changes the capacity of the reserved boundary region
func (ca *CoeffApplier) resizeBoundary(matCap, rhsCap int) {
	var (
		np = ca.NumPartitions()
		mc = make([]int, np+1)
		rc = make([]int, np+1)
	)
	for p := 0; p < np; p++ {
		mc[p] = ca.matStarts[p+1] - ca.matStarts[p]
		rc[p] = ca.rhsStarts[p+1] - ca.rhsStarts[p]
	}
	mc[np], rc[np] = matCap, rhsCap
	ca.allocate(mc, rc)
}

// NumPartitions is the number of user partitions, the boundary region is not counted
func (ca *CoeffApplier) NumPartitions() int { return len(ca.cursors) - 1 }

// NumDataPtsToAssemble is the matrix entry capacity summed over all regions
func (ca *CoeffApplier) NumDataPtsToAssemble() int { return ca.matStarts[len(ca.matStarts)-1] }

// NumRhsPtsToAssemble is the rhs entry capacity summed over all regions
func (ca *CoeffApplier) NumRhsPtsToAssemble() int { return ca.rhsStarts[len(ca.rhsStarts)-1] }

// Used returns the matrix and rhs entries written into partition p this epoch
func (ca *CoeffApplier) Used(p int) (nMat, nRhs int) {
	nMat, nRhs = int(ca.cursors[p].mat.Load()), int(ca.cursors[p].rhs.Load())
	return
}

// Capacity returns the matrix and rhs entry capacity of partition p
func (ca *CoeffApplier) Capacity(p int) (nMat, nRhs int) {
	nMat = ca.matStarts[p+1] - ca.matStarts[p]
	nRhs = ca.rhsStarts[p+1] - ca.rhsStarts[p]
	return
}

func (ca *CoeffApplier) boundary() int { return ca.NumPartitions() }

func (ca *CoeffApplier) matRow(r, d int) int { return r*ca.dofM + d }

func (ca *CoeffApplier) localMatRow(r, d int) int { return (r-ca.rowLower)*ca.dofM + d }

// ResetInternalData truncates all regions and clears the fill flags and the
// epoch error, no storage is released
func (ca *CoeffApplier) ResetInternalData() {
	ca.resetCursors()
	clear(ca.rowFilled)
	ca.mu.Lock()
	ca.poison = nil
	ca.mu.Unlock()
}

func (ca *CoeffApplier) resetCursors() {
	for p := range ca.cursors {
		ca.cursors[p].mat.Store(0)
		ca.cursors[p].rhs.Store(0)
	}
}

func (ca *CoeffApplier) abort(err error) error {
	ca.mu.Lock()
	if ca.poison == nil {
		ca.poison = err
	}
	ca.mu.Unlock()
	return err
}

// Err returns the first configuration error of the epoch
func (ca *CoeffApplier) Err() (err error) {
	ca.mu.Lock()
	err = ca.poison
	ca.mu.Unlock()
	return
}

// claim reserves nm matrix and nr rhs entries in partition p and returns the
// absolute list offsets of the reserved spans
func (ca *CoeffApplier) claim(p, nm, nr int) (mi, ri int, err error) {
	var (
		c              = &ca.cursors[p]
		mEnd           = int(c.mat.Add(int64(nm)))
		rEnd           = int(c.rhs.Add(int64(nr)))
		matCap, rhsCap = ca.Capacity(p)
	)
	if mEnd > matCap || rEnd > rhsCap {
		err = fmt.Errorf("%w: partition %d needs %d matrix and %d rhs entries, capacity is %d and %d",
			lserr.ErrPartitionOverflow, p, mEnd, rEnd, matCap, rhsCap)
		return
	}
	mi, ri = ca.matStarts[p]+mEnd-nm, ca.rhsStarts[p]+rEnd-nr
	return
}

// lookup resolves an entity to its global row, which may be NotOwned
func (ca *CoeffApplier) lookup(e int) (r int, err error) {
	if e < 0 || e >= len(ca.entityToRow) {
		err = fmt.Errorf("%w: entity %d has no row, lookup holds %d entities",
			lserr.ErrRowOutOfRange, e, len(ca.entityToRow))
		return
	}
	r = ca.entityToRow[e]
	if r == NotOwned {
		return
	}
	if r < 0 || r >= ca.maxRowID {
		err = fmt.Errorf("%w: entity %d maps to row %d, rows are [0,%d)",
			lserr.ErrColumnOutOfRange, e, r, ca.maxRowID)
	}
	return
}

// keepRow reports whether SumInto writes the rows of global row r. Rows owned
// by another domain are assembled there, their entities only add columns.
func (ca *CoeffApplier) keepRow(r int, skipping bool) bool {
	if r < ca.rowLower || r >= ca.rowUpper {
		return false
	}
	return !skipping || !ca.rowTypes[r-ca.rowLower].Skipped()
}

func (ca *CoeffApplier) markFilled(lr int) {
	atomic.StoreUint32(&ca.rowFilled[lr], uint32(types.RowFilled))
}

/*
SumInto appends one dense local block into partition p. The block couples the
n entities, lhs is row major (n*NumDof) x (n*NumDof) and rhs holds n*NumDof
values ordered entity major. Rows in the skip set are dropped when the skip
check is enabled, rows owned by another domain are always dropped while their
columns are kept. A segregated system takes its matrix from the d == 0 block.

The entries kept are counted before any space is claimed, a call writes either
all of its kept entries or, on error, nothing.
*/
func (ca *CoeffApplier) SumInto(entities []int, rhs, lhs []float64, p int) (err error) {
	var (
		n        = len(entities)
		nd       = n * ca.numDof
		skipping = ca.checkSkippedRows.Load()
		kr, kc   int
	)
	if p < 0 || p >= ca.NumPartitions() {
		return ca.abort(fmt.Errorf("%w: partition %d, have %d", lserr.ErrBadPartition, p, ca.NumPartitions()))
	}
	if len(rhs) != nd || len(lhs) != nd*nd {
		return ca.abort(fmt.Errorf("%w: %d entities with %d dof need %d rhs and %d lhs values, have %d and %d",
			lserr.ErrLengthMismatch, n, ca.numDof, nd, nd*nd, len(rhs), len(lhs)))
	}
	// Count the rows and columns that survive
	for _, e := range entities {
		var r int
		if r, err = ca.lookup(e); err != nil {
			return ca.abort(err)
		}
		if r == NotOwned {
			continue
		}
		kc++
		if !ca.keepRow(r, skipping) {
			continue
		}
		kr++
	}
	var (
		nr     = kr * ca.dofM
		nm     = nr * kc * ca.dofM
		mi, ri int
	)
	if nr == 0 {
		return
	}
	if mi, ri, err = ca.claim(p, nm, nr); err != nil {
		return ca.abort(err)
	}
	for i, e := range entities {
		r := ca.entityToRow[e]
		if r == NotOwned || !ca.keepRow(r, skipping) {
			continue
		}
		for d := 0; d < ca.dofM; d++ {
			var (
				mrow = ca.matRow(r, d)
				lrow = (i*ca.numDof + d) * nd
			)
			ca.markFilled(ca.localMatRow(r, d))
			for j, ec := range entities {
				c := ca.entityToRow[ec]
				if c == NotOwned {
					continue
				}
				for dd := 0; dd < ca.dofM; dd++ {
					ca.rows[mi], ca.cols[mi] = mrow, ca.matRow(c, dd)
					ca.vals[mi] = lhs[lrow+j*ca.numDof+dd]
					mi++
				}
			}
			ca.rhsRows[ri] = mrow
			if ca.numChannels == 1 {
				ca.rhsVals[0][ri] = rhs[i*ca.numDof+d]
			} else {
				for ch := 0; ch < ca.numChannels; ch++ {
					ca.rhsVals[ch][ri] = rhs[i*ca.numDof+ch]
				}
			}
			ri++
		}
	}
	return
}

// span returns the written entries of every region packed at the front of
// the lists, the regions are compacted in place
func (ca *CoeffApplier) span() (rows, cols []int, vals []float64, rhsRows []int, rhsVals [][]float64) {
	var (
		nm, nr int
	)
	for p := range ca.cursors {
		um, ur := ca.Used(p)
		if nm != ca.matStarts[p] {
			copy(ca.rows[nm:], ca.rows[ca.matStarts[p]:ca.matStarts[p]+um])
			copy(ca.cols[nm:], ca.cols[ca.matStarts[p]:ca.matStarts[p]+um])
			copy(ca.vals[nm:], ca.vals[ca.matStarts[p]:ca.matStarts[p]+um])
		}
		if nr != ca.rhsStarts[p] {
			copy(ca.rhsRows[nr:], ca.rhsRows[ca.rhsStarts[p]:ca.rhsStarts[p]+ur])
			for ch := range ca.rhsVals {
				copy(ca.rhsVals[ch][nr:], ca.rhsVals[ch][ca.rhsStarts[p]:ca.rhsStarts[p]+ur])
			}
		}
		nm += um
		nr += ur
	}
	rows, cols, vals = ca.rows[:nm], ca.cols[:nm], ca.vals[:nm]
	rhsRows = ca.rhsRows[:nr]
	rhsVals = make([][]float64, len(ca.rhsVals))
	for ch := range ca.rhsVals {
		rhsVals[ch] = ca.rhsVals[ch][:nr]
	}
	return
}

// applyDirichlet writes identity rows for the tagged entities, the rhs is
// bc - solution, or bc when no solution is given
func (ca *CoeffApplier) applyDirichlet(entities []int, solution, bcValues []float64) (err error) {
	var (
		p  = ca.boundary()
		nr = len(entities) * ca.dofM
	)
	if len(bcValues) < len(ca.entityToRow)*ca.numDof ||
		(solution != nil && len(solution) != len(bcValues)) {
		return ca.abort(fmt.Errorf("%w: dirichlet values need %d entries, have bc %d and solution %d",
			lserr.ErrLengthMismatch, len(ca.entityToRow)*ca.numDof, len(bcValues), len(solution)))
	}
	mi, ri, err := ca.claim(p, nr, nr)
	if err != nil {
		return ca.abort(err)
	}
	for _, e := range entities {
		r := ca.entityToRow[e]
		for d := 0; d < ca.dofM; d++ {
			mrow := ca.matRow(r, d)
			ca.rows[mi], ca.cols[mi], ca.vals[mi] = mrow, mrow, 1
			mi++
			ca.rhsRows[ri] = mrow
			for ch := 0; ch < ca.numChannels; ch++ {
				k := e*ca.numDof + d + ch
				v := bcValues[k]
				if solution != nil {
					v -= solution[k]
				}
				ca.rhsVals[ch][ri] = v
			}
			ri++
			ca.markFilled(ca.localMatRow(r, d))
		}
	}
	return
}

// applyOverset writes the constraint x_fringe - sum(w_k x_donor_k) = rhs for
// every dof of one fringe entity
func (ca *CoeffApplier) applyOverset(fringe int, donors []int, weights, rhs []float64) (err error) {
	var (
		p      = ca.boundary()
		r, c   int
		nDonor int
	)
	if len(donors) != len(weights) || (rhs != nil && len(rhs) != ca.numDof) {
		return ca.abort(fmt.Errorf("%w: %d donors, %d weights, %d rhs values for %d dof",
			lserr.ErrLengthMismatch, len(donors), len(weights), len(rhs), ca.numDof))
	}
	if r, err = ca.lookup(fringe); err != nil {
		return ca.abort(err)
	}
	if r == NotOwned || r < ca.rowLower || r >= ca.rowUpper || ca.rowTypes[r-ca.rowLower] != types.RowOverset {
		return ca.abort(fmt.Errorf("%w: entity %d is not an owned overset row", lserr.ErrBadLayout, fringe))
	}
	for _, e := range donors {
		if c, err = ca.lookup(e); err != nil {
			return ca.abort(err)
		}
		if c != NotOwned {
			nDonor++
		}
	}
	mi, ri, err := ca.claim(p, ca.dofM*(1+nDonor), ca.dofM)
	if err != nil {
		return ca.abort(err)
	}
	for d := 0; d < ca.dofM; d++ {
		mrow := ca.matRow(r, d)
		ca.rows[mi], ca.cols[mi], ca.vals[mi] = mrow, mrow, 1
		mi++
		for k, e := range donors {
			if c = ca.entityToRow[e]; c == NotOwned {
				continue
			}
			ca.rows[mi], ca.cols[mi], ca.vals[mi] = mrow, ca.matRow(c, d), -weights[k]
			mi++
		}
		ca.rhsRows[ri] = mrow
		for ch := 0; ch < ca.numChannels; ch++ {
			ca.rhsVals[ch][ri] = 0
			if rhs != nil {
				ca.rhsVals[ch][ri] = rhs[d+ch]
			}
		}
		ri++
		ca.markFilled(ca.localMatRow(r, d))
	}
	return
}

// fillUnfilledRows writes an identity row with a zero rhs into every owned
// matrix row that received nothing this epoch
func (ca *CoeffApplier) fillUnfilledRows() (nFilled int, err error) {
	for _, f := range ca.rowFilled {
		if types.RowFillStatus(f) == types.RowUnfilled {
			nFilled++
		}
	}
	if nFilled == 0 {
		return
	}
	mi, ri, err := ca.claim(ca.boundary(), nFilled, nFilled)
	if err != nil {
		err = ca.abort(err)
		return
	}
	for lr, f := range ca.rowFilled {
		if types.RowFillStatus(f) == types.RowFilled {
			continue
		}
		mrow := ca.rowLower*ca.dofM + lr
		ca.rows[mi], ca.cols[mi], ca.vals[mi] = mrow, mrow, 1
		ca.rhsRows[ri] = mrow
		for ch := range ca.rhsVals {
			ca.rhsVals[ch][ri] = 0
		}
		mi++
		ri++
		ca.rowFilled[lr] = uint32(types.RowFilled)
	}
	return
}

// DumpData writes the raw lists of every region, one "row col value" line per
// matrix entry followed by one "row value..." line per rhs entry
func (ca *CoeffApplier) DumpData(w io.Writer) (err error) {
	var (
		buf []byte
	)
	for p := range ca.cursors {
		um, ur := ca.Used(p)
		um, ur = min(um, ca.matStarts[p+1]-ca.matStarts[p]), min(ur, ca.rhsStarts[p+1]-ca.rhsStarts[p])
		buf = fmt.Appendf(buf[:0], "# partition %d matrix %d rhs %d\n", p, um, ur)
		for i := ca.matStarts[p]; i < ca.matStarts[p]+um; i++ {
			buf = appendEntry(buf, ca.rows[i], ca.cols[i], ca.vals[i])
		}
		for i := ca.rhsStarts[p]; i < ca.rhsStarts[p]+ur; i++ {
			buf = strconv.AppendInt(buf, int64(ca.rhsRows[i]), 10)
			for ch := range ca.rhsVals {
				buf = append(buf, ' ')
				buf = strconv.AppendFloat(buf, ca.rhsVals[ch][i], 'g', -1, 64)
			}
			buf = append(buf, '\n')
		}
		if _, err = w.Write(buf); err != nil {
			return
		}
	}
	return
}

func appendEntry(buf []byte, r, c int, v float64) []byte {
	buf = strconv.AppendInt(buf, int64(r), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(c), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	return append(buf, '\n')
}
