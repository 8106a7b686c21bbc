package linsys

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/notargets/linsys/assembler"
	lserr "github.com/notargets/linsys/errors"
	"github.com/notargets/linsys/solver"
	"github.com/notargets/linsys/types"
	"github.com/notargets/linsys/utils"
)

type State int32

const (
	Uninitialized State = iota
	Constructed
	Accumulating
	Assembled
	Solved
)

func (st State) String() string {
	switch st {
	case Constructed:
		return "Constructed"
	case Accumulating:
		return "Accumulating"
	case Assembled:
		return "Assembled"
	case Solved:
		return "Solved"
	}
	return "Uninitialized"
}

type Stats struct {
	Matrix           assembler.Stats
	Rhs              []assembler.Stats
	NumEntries       int // Matrix entries consumed by the last assembly
	NumRhsEntries    int
	NumNonzeros      int
	NumLoadCompletes int
	NumSolves        int
	LoadCompleteTime time.Duration
	SolveTime        time.Duration
	MemoryInGBs      float64
}

/*
System owns one assembly epoch after another for the owned row block of a
linear system. The cycle is

	ZeroSystem -> SumInto... (concurrent) -> LoadComplete -> Solve

Operations called out of sequence panic, configuration errors found while
accumulating abort the epoch and are returned again by LoadComplete.
*/
type System struct {
	cfg    Config
	layout *Layout
	state  atomic.Int32

	ca     *CoeffApplier
	mem    *assembler.MemoryController
	matrix *assembler.MatrixAssembler
	rhs    []*assembler.RhsAssembler
	solver solver.Solver

	dirichletEntities []int
	oversetEntities   []int
	boundaryDirty     bool

	solution [][]float64 // One per channel, owned matrix rows
	stats    Stats
}

func New(cfg Config, layout *Layout, entityToRow []int, slv solver.Solver) (s *System, err error) {
	if err = cfg.validate(); err != nil {
		return
	}
	if layout == nil {
		err = fmt.Errorf("%w: system %s has no partition layout", lserr.ErrBadLayout, cfg.Name)
		return
	}
	if err = layout.validate(); err != nil {
		return
	}
	s = &System{
		cfg:           cfg,
		layout:        layout,
		ca:            newCoeffApplier(&cfg, layout, entityToRow),
		solver:        slv,
		boundaryDirty: true,
	}
	s.solution = make([][]float64, cfg.NumChannels())
	for ch := range s.solution {
		s.solution[ch] = make([]float64, s.numMatRows())
	}
	if err = s.resize(); err != nil {
		s = nil
		return
	}
	s.state.Store(int32(Constructed))
	return
}

func (s *System) Name() string               { return s.cfg.Name }
func (s *System) Config() Config             { return s.cfg }
func (s *System) State() State               { return State(s.state.Load()) }
func (s *System) Accumulator() *CoeffApplier { return s.ca }

func (s *System) numMatRows() int { return (s.cfg.RowUpper - s.cfg.RowLower) * s.cfg.matrixDof() }

func (s *System) checkState(op string, allowed ...State) {
	st := s.State()
	for _, a := range allowed {
		if st == a {
			return
		}
	}
	panic(fmt.Errorf("%w: %s called on system %s in state %s", lserr.ErrInvalidState, op, s.cfg.Name, st))
}

// resize sizes the boundary region for the tagged rows and rebuilds the
// assemblers when the total capacity changed
func (s *System) resize() (err error) {
	var (
		dofM       = s.cfg.matrixDof()
		nDir, nOvr = len(s.dirichletEntities), len(s.oversetEntities)
		matCap     = nDir*dofM + nOvr*dofM*(1+s.cfg.MaxOversetDonors)
		rhsCap     = (nDir + nOvr) * dofM
		nRows      = s.numMatRows()
		mr0        = s.cfg.RowLower * dofM
		PD         = s.cfg.ParallelDegree
	)
	if s.cfg.FillUnfilledRows {
		matCap += nRows
		rhsCap += nRows
	}
	s.ca.resizeBoundary(matCap, rhsCap)
	var (
		nm = s.ca.NumDataPtsToAssemble()
		nr = s.ca.NumRhsPtsToAssemble()
		N  = max(nm, nr, nRows)
	)
	if s.mem == nil || s.mem.Capacity() < N {
		s.mem = assembler.NewMemoryController(s.cfg.Name, N)
	}
	if s.matrix, err = assembler.NewMatrixAssembler(s.cfg.Name, mr0, mr0, nRows,
		s.cfg.MaxRowID*dofM, nm, s.mem, PD); err != nil {
		return
	}
	s.rhs = make([]*assembler.RhsAssembler, s.cfg.NumChannels())
	for ch := range s.rhs {
		name := fmt.Sprintf("%s-rhs-%d", s.cfg.Name, ch)
		if s.rhs[ch], err = assembler.NewRhsAssembler(name, mr0, nRows, nr, s.mem, PD); err != nil {
			return
		}
	}
	s.boundaryDirty = false
	if s.cfg.Verbose {
		fmt.Printf("System %s: %d matrix and %d rhs points to assemble, workspace %8.5f GB\n",
			s.cfg.Name, nm, nr, s.mem.MemoryInGBs())
	}
	return
}

// tagRows validates the whole batch before tagging, a failed call changes nothing
func (s *System) tagRows(rt types.RowType, entities []int, tagged *[]int) (err error) {
	var (
		rows = make([]int, 0, len(entities))
		r    int
	)
	for _, e := range entities {
		if r, err = s.ca.lookup(e); err != nil {
			return
		}
		// Rows owned elsewhere are tagged by their owner
		if r == NotOwned || r < s.cfg.RowLower || r >= s.cfg.RowUpper {
			rows = append(rows, NotOwned)
			continue
		}
		if cur := s.ca.rowTypes[r-s.cfg.RowLower]; cur != rt && cur != types.RowNormal {
			err = fmt.Errorf("%w: entity %d row %d is already tagged %s, cannot tag %s",
				lserr.ErrBadLayout, e, r, cur, rt)
			return
		}
		rows = append(rows, r)
	}
	for i, e := range entities {
		if rows[i] == NotOwned || s.ca.rowTypes[rows[i]-s.cfg.RowLower] == rt {
			continue
		}
		s.ca.rowTypes[rows[i]-s.cfg.RowLower] = rt
		*tagged = append(*tagged, e)
	}
	s.boundaryDirty = true
	return
}

// BuildDirichletNodeGraph tags the owned rows of the entities as Dirichlet rows
func (s *System) BuildDirichletNodeGraph(entities []int) (err error) {
	s.checkState("BuildDirichletNodeGraph", Constructed, Solved)
	err = s.tagRows(types.RowDirichlet, entities, &s.dirichletEntities)
	return
}

// BuildOversetNodeGraph tags the owned rows of the entities as overset fringe rows
func (s *System) BuildOversetNodeGraph(entities []int) (err error) {
	s.checkState("BuildOversetNodeGraph", Constructed, Solved)
	err = s.tagRows(types.RowOverset, entities, &s.oversetEntities)
	return
}

// RowType returns the tag of an owned entity row
func (s *System) RowType(row int) types.RowType { return s.ca.rowTypes[row-s.cfg.RowLower] }

// ZeroSystem starts a new epoch, discarding everything accumulated so far
func (s *System) ZeroSystem() (err error) {
	s.checkState("ZeroSystem", Constructed, Accumulating, Assembled, Solved)
	if s.boundaryDirty {
		if err = s.resize(); err != nil {
			return
		}
	}
	s.ca.ResetInternalData()
	s.ca.checkSkippedRows.Store(len(s.dirichletEntities)+len(s.oversetEntities) > 0)
	s.state.Store(int32(Accumulating))
	return
}

// ResetRows turns off the skip check for the rest of the epoch, so that
// the following SumInto calls may write into tagged rows
func (s *System) ResetRows() {
	s.checkState("ResetRows", Accumulating)
	s.ca.checkSkippedRows.Store(false)
}

func (s *System) SumInto(entities []int, rhs, lhs []float64, partition int) error {
	s.checkState("SumInto", Accumulating)
	return s.ca.SumInto(entities, rhs, lhs, partition)
}

// ApplyDirichletBCs writes the tagged Dirichlet rows, values are indexed by
// entity*NumDof + d, solution may be nil
func (s *System) ApplyDirichletBCs(solution, bcValues []float64) error {
	s.checkState("ApplyDirichletBCs", Accumulating)
	return s.ca.applyDirichlet(s.dirichletEntities, solution, bcValues)
}

// ApplyOversetConstraint writes the rows of one fringe entity, rhs holds NumDof values and may be nil
func (s *System) ApplyOversetConstraint(fringe int, donors []int, weights, rhs []float64) error {
	s.checkState("ApplyOversetConstraint", Accumulating)
	return s.ca.applyOverset(fringe, donors, weights, rhs)
}

// CoeffApplier returns a writer bound to one partition
func (s *System) CoeffApplier(partition int) *PartitionWriter {
	if partition < 0 || partition >= s.layout.NumPartitions() {
		panic(fmt.Errorf("%w: partition %d, have %d", lserr.ErrBadPartition, partition, s.layout.NumPartitions()))
	}
	return &PartitionWriter{s: s, partition: partition}
}

type PartitionWriter struct {
	s         *System
	partition int
}

func (pw *PartitionWriter) Partition() int { return pw.partition }

func (pw *PartitionWriter) SumInto(entities []int, rhs, lhs []float64) error {
	return pw.s.SumInto(entities, rhs, lhs, pw.partition)
}

func (s *System) abort(err error) error {
	epochAborts.WithLabelValues(s.cfg.Name, abortReason(err)).Inc()
	if s.cfg.Verbose {
		fmt.Printf("System %s: epoch aborted: %v\n", s.cfg.Name, err)
	}
	return err
}

/*
LoadComplete ends the epoch: the unfilled rows are optionally completed, the
lists are assembled into the matrix and the rhs vectors, copied to the host
side and registered with the solver. The lists are empty afterwards.
*/
func (s *System) LoadComplete() (err error) {
	var (
		start = time.Now()
	)
	s.checkState("LoadComplete", Accumulating)
	if err = s.ca.Err(); err != nil {
		return s.abort(err)
	}
	if s.cfg.FillUnfilledRows {
		var nFilled int
		if nFilled, err = s.ca.fillUnfilledRows(); err != nil {
			return s.abort(err)
		}
		if s.cfg.Verbose && nFilled != 0 {
			fmt.Printf("System %s: filled %d rows without contributions\n", s.cfg.Name, nFilled)
		}
	}
	rows, cols, vals, rhsRows, rhsVals := s.ca.span()

	t0 := time.Now()
	if err = s.matrix.Assemble(rows, cols, vals); err != nil {
		return s.abort(err)
	}
	if s.cfg.DiagonalFirst {
		s.matrix.ReorderDLU()
	}
	assembleDuration.WithLabelValues(s.cfg.Name, "matrix").Observe(time.Since(t0).Seconds())

	t0 = time.Now()
	for ch, ra := range s.rhs {
		if err = ra.Assemble(rhsRows, rhsVals[ch]); err != nil {
			return s.abort(err)
		}
	}
	assembleDuration.WithLabelValues(s.cfg.Name, "rhs").Observe(time.Since(t0).Seconds())

	t0 = time.Now()
	s.matrix.CopyAssembledCSRMatrixToHost()
	for _, ra := range s.rhs {
		ra.CopyAssembledRhsVectorToHost()
	}
	assembleDuration.WithLabelValues(s.cfg.Name, "host_copy").Observe(time.Since(t0).Seconds())

	s.ca.resetCursors()
	entriesAssembled.WithLabelValues(s.cfg.Name, "matrix").Add(float64(len(rows)))
	entriesAssembled.WithLabelValues(s.cfg.Name, "rhs").Add(float64(len(rhsRows)))
	matrixNonzeros.WithLabelValues(s.cfg.Name).Set(float64(s.matrix.NumNonzeros()))

	s.stats.NumEntries, s.stats.NumRhsEntries = len(rows), len(rhsRows)
	s.stats.NumNonzeros = s.matrix.NumNonzeros()
	s.stats.NumLoadCompletes++
	s.stats.LoadCompleteTime += time.Since(start)
	s.state.Store(int32(Assembled))
	if s.cfg.Verbose {
		fmt.Printf("System %s: assembled %d entries into %d nonzeros over %d rows in %v\n",
			s.cfg.Name, len(rows), s.matrix.NumNonzeros(), s.numMatRows(), time.Since(start))
	}
	if s.solver != nil {
		err = s.solver.Setup(s.Matrix())
	}
	return
}

// Matrix returns the host copy of the assembled matrix block
func (s *System) Matrix() solver.Matrix {
	s.checkState("Matrix", Assembled, Solved)
	var (
		dofM = s.cfg.matrixDof()
	)
	return solver.Matrix{
		ILower:        s.cfg.RowLower * dofM,
		IUpper:        s.cfg.RowUpper * dofM,
		NumCols:       s.cfg.MaxRowID * dofM,
		DiagonalFirst: s.matrix.Layout() == assembler.LayoutDLU,
		RowOffsets:    s.matrix.HostRowOffsets(),
		ColIndices:    s.matrix.HostColIndices(),
		Values:        s.matrix.HostValues(),
	}
}

// RHS returns the host copy of one assembled rhs vector
func (s *System) RHS(channel int) []float64 {
	s.checkState("RHS", Assembled, Solved)
	return s.rhs[channel].HostRhs()
}

// Solution returns the last solution of one channel over the owned matrix rows
func (s *System) Solution(channel int) []float64 { return s.solution[channel] }

/*
Solve solves for every rhs channel and copies the solution of the owned rows
into field[entity*NumDof + d]. A nil field skips the copy. The result holds the
largest iteration count and the sum of the residual norms over the channels.
*/
func (s *System) Solve(field []float64) (res solver.Result, err error) {
	var (
		start = time.Now()
	)
	s.checkState("Solve", Assembled, Solved)
	if s.solver == nil {
		err = fmt.Errorf("%w: system %s", solver.ErrNotSetUp, s.cfg.Name)
		return
	}
	if field != nil && len(field) != len(s.ca.entityToRow)*s.cfg.NumDof {
		err = fmt.Errorf("%w: field has %d values, need %d",
			lserr.ErrLengthMismatch, len(field), len(s.ca.entityToRow)*s.cfg.NumDof)
		return
	}
	for ch, ra := range s.rhs {
		var r solver.Result
		clear(s.solution[ch])
		if r, err = s.solver.Solve(ra.HostRhs(), s.solution[ch]); err != nil {
			return
		}
		if utils.IsNan(s.solution[ch]) {
			err = fmt.Errorf("%w: NaN in the solution of channel %d", solver.ErrNotConverged, ch)
			return
		}
		res.Iterations = max(res.Iterations, r.Iterations)
		res.ResidualNorm += r.ResidualNorm
	}
	if field != nil {
		s.copySolutionToField(field)
	}
	s.stats.NumSolves++
	s.stats.SolveTime += time.Since(start)
	s.state.Store(int32(Solved))
	if s.cfg.Verbose {
		fmt.Printf("System %s: %s solve, %d iterations, residual %8.5e\n",
			s.cfg.Name, s.solver.Name(), res.Iterations, res.ResidualNorm)
	}
	return
}

func (s *System) copySolutionToField(field []float64) {
	var (
		nd = s.cfg.NumDof
	)
	utils.ParallelFor(s.cfg.ParallelDegree, len(s.ca.entityToRow), func(np, eMin, eMax int) {
		for e := eMin; e < eMax; e++ {
			r := s.ca.entityToRow[e]
			if r == NotOwned || r < s.cfg.RowLower || r >= s.cfg.RowUpper {
				continue
			}
			lr := r - s.cfg.RowLower
			for d := 0; d < nd; d++ {
				if s.cfg.MultiVectorRHS {
					field[e*nd+d] = s.solution[d][lr]
				} else {
					field[e*nd+d] = s.solution[0][lr*nd+d]
				}
			}
		}
	})
}

func (s *System) Stats() (st Stats) {
	st = s.stats
	st.Matrix = s.matrix.Stats()
	st.Rhs = make([]assembler.Stats, len(s.rhs))
	for ch, ra := range s.rhs {
		st.Rhs[ch] = ra.Stats()
		st.MemoryInGBs += ra.MemoryInGBs()
	}
	st.MemoryInGBs += s.matrix.MemoryInGBs() + s.mem.MemoryInGBs()
	return
}

// Report prints the mean timings of the assemblers
func (s *System) Report() {
	st := s.Stats()
	fmt.Printf("System %s: %d assemblies, %d solves, memory %8.5f GB\n",
		s.cfg.Name, st.NumLoadCompletes, st.NumSolves, st.MemoryInGBs)
	fmt.Printf("  matrix: mean assemble %v, host copy %v, %d nonzeros\n",
		st.Matrix.MeanAssembleTime(), meanDuration(st.Matrix.HostCopyTime, st.Matrix.NumAssembles), st.NumNonzeros)
	for ch, rs := range st.Rhs {
		fmt.Printf("  rhs %d: mean assemble %v, host copy %v\n",
			ch, rs.MeanAssembleTime(), meanDuration(rs.HostCopyTime, rs.NumAssembles))
	}
	if st.NumSolves != 0 {
		fmt.Printf("  solve: mean %v\n", st.SolveTime/time.Duration(st.NumSolves))
	}
	fmt.Printf("  %s\n", utils.GetMemUsage())
}

func meanDuration(d time.Duration, n int) time.Duration {
	if n == 0 {
		return 0
	}
	return d / time.Duration(n)
}
