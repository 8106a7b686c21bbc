package linsys

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lserr "github.com/notargets/linsys/errors"
	"github.com/notargets/linsys/solver"
	"github.com/notargets/linsys/types"
)

func identityRows(n int) (entityToRow []int) {
	entityToRow = make([]int, n)
	for i := range entityToRow {
		entityToRow[i] = i
	}
	return
}

func newExampleSystem(t *testing.T, name string) (s *System) {
	var (
		err error
	)
	cfg := Config{Name: name, NumDof: 1, MaxRowID: 8, RowLower: 0, RowUpper: 8, DiagonalFirst: true, ParallelDegree: 2}
	layout := NewLayout(
		PartitionSpec{Name: "P0", NumCalls: 4, EntitiesPerCall: 2},
		PartitionSpec{Name: "P1", NumCalls: 4, EntitiesPerCall: 2},
	)
	s, err = New(cfg, layout, identityRows(8), nil)
	require.NoError(t, err)
	require.NoError(t, s.ZeroSystem())
	require.NoError(t, s.SumInto([]int{3, 5}, []float64{1.0, 2.0}, []float64{2.0, 1.0, 0, 0}, 0))
	require.NoError(t, s.CoeffApplier(1).SumInto([]int{3}, []float64{0.5}, []float64{0.5}))
	return
}

// rowOf returns the (col, value) pairs of one global row in stored order
func rowOf(A solver.Matrix, row int) (cols []int, vals []float64) {
	i := row - A.ILower
	for ii := A.RowOffsets[i]; ii < A.RowOffsets[i+1]; ii++ {
		cols = append(cols, A.ColIndices[ii])
		vals = append(vals, A.Values[ii])
	}
	return
}

func TestSystemExample(t *testing.T) {
	s := newExampleSystem(t, "example")
	{ // Raw lists, partition by partition
		var buf bytes.Buffer
		require.NoError(t, s.DumpData(&buf))
		g := goldie.New(t,
			goldie.WithFixtureDir("testdata/golden"),
			goldie.WithNameSuffix(".golden"),
		)
		g.Assert(t, "example_lists", buf.Bytes())
		nm, nr := s.Accumulator().Used(0)
		assert.Equal(t, 4, nm)
		assert.Equal(t, 2, nr)
	}
	require.NoError(t, s.LoadComplete())
	assert.Equal(t, Assembled, s.State())
	{ // Duplicates across partitions sum, the diagonal is first
		A := s.Matrix()
		cols, vals := rowOf(A, 3)
		assert.Equal(t, []int{3, 5}, cols)
		assert.Equal(t, []float64{2.5, 1.0}, vals)
		cols, _ = rowOf(A, 5)
		assert.Equal(t, []int{5, 3}, cols)
		assert.True(t, A.DiagonalFirst)
		assert.Equal(t, 1.5, s.RHS(0)[3])
		assert.Equal(t, 2.0, s.RHS(0)[5])
		assert.Equal(t, 4.0, testutil.ToFloat64(matrixNonzeros.WithLabelValues("example")))
		assert.Equal(t, 5.0, testutil.ToFloat64(entriesAssembled.WithLabelValues("example", "matrix")))
	}
	{ // Assembled system
		var buf bytes.Buffer
		require.NoError(t, s.DumpMatrix(&buf))
		require.NoError(t, s.DumpRHS(&buf, 0))
		g := goldie.New(t,
			goldie.WithFixtureDir("testdata/golden"),
			goldie.WithNameSuffix(".golden"),
		)
		g.Assert(t, "example_system", buf.Bytes())
	}
	{ // Sequence errors are programmer bugs
		assert.Panics(t, func() { _ = s.LoadComplete() })
		assert.Panics(t, func() { _ = s.SumInto([]int{3}, []float64{0}, []float64{0}, 0) })
		_, err := s.Solve(nil)
		assert.True(t, errors.Is(err, solver.ErrNotSetUp))
		assert.Panics(t, func() { s.CoeffApplier(2) })
	}
	{ // The lists are consumed by assembly
		nm, nr := s.Accumulator().Used(0)
		assert.Equal(t, 0, nm+nr)
	}
}

func TestSystemStates(t *testing.T) {
	s, err := New(Config{Name: "states", NumDof: 1, MaxRowID: 4, RowUpper: 4},
		NewLayout(PartitionSpec{NumCalls: 1, EntitiesPerCall: 1}), identityRows(4), nil)
	require.NoError(t, err)
	assert.Equal(t, Constructed, s.State())
	assert.Panics(t, func() { _ = s.SumInto([]int{0}, []float64{0}, []float64{0}, 0) })
	assert.Panics(t, func() { _ = s.LoadComplete() })
	assert.Panics(t, func() { s.Matrix() })
	require.NoError(t, s.ZeroSystem())
	assert.Equal(t, Accumulating, s.State())
	assert.Panics(t, func() { _ = s.BuildDirichletNodeGraph([]int{0}) })
	require.NoError(t, s.LoadComplete())
	// Nothing accumulated is a valid empty system
	assert.Equal(t, 0, len(s.Matrix().Values))
	assert.Equal(t, []float64{0, 0, 0, 0}, s.RHS(0))
	require.NoError(t, s.ZeroSystem())
	assert.Equal(t, 1, s.Stats().NumLoadCompletes)

	{ // Bad configurations
		_, err = New(Config{Name: "bad", NumDof: 0, MaxRowID: 4, RowUpper: 4}, NewLayout(PartitionSpec{}), identityRows(4), nil)
		assert.True(t, errors.Is(err, lserr.ErrBadLayout))
		_, err = New(Config{Name: "bad", NumDof: 1, MaxRowID: 4, RowLower: 2, RowUpper: 5}, NewLayout(PartitionSpec{}), identityRows(4), nil)
		assert.True(t, errors.Is(err, lserr.ErrBadLayout))
		_, err = New(Config{Name: "bad", NumDof: 1, MaxRowID: 4, RowUpper: 4}, NewLayout(), identityRows(4), nil)
		assert.True(t, errors.Is(err, lserr.ErrBadLayout))
	}
}

func TestSystemErrors(t *testing.T) {
	var (
		layout = NewLayout(PartitionSpec{Name: "one", NumCalls: 1, EntitiesPerCall: 2})
		mk     = func(name string) *System {
			// Entities 0..3 own rows 2..3, entity 4 maps past the end of the system
			s, err := New(Config{Name: name, NumDof: 1, MaxRowID: 8, RowLower: 2, RowUpper: 4},
				layout, []int{2, 3, 5, NotOwned, 9}, nil)
			require.NoError(t, err)
			require.NoError(t, s.ZeroSystem())
			return s
		}
		ones = func(n int) []float64 {
			v := make([]float64, n)
			for i := range v {
				v[i] = 1
			}
			return v
		}
	)
	{ // Partition overflow poisons the epoch
		s := mk("overflow")
		require.NoError(t, s.SumInto([]int{0, 1}, ones(2), ones(4), 0))
		err := s.SumInto([]int{0}, ones(1), ones(1), 0)
		assert.True(t, errors.Is(err, lserr.ErrPartitionOverflow))
		err = s.LoadComplete()
		assert.True(t, errors.Is(err, lserr.ErrPartitionOverflow))
		assert.Equal(t, Accumulating, s.State())
		assert.Equal(t, 1.0, testutil.ToFloat64(epochAborts.WithLabelValues("overflow", "partition_overflow")))
		// A reset clears the poison
		require.NoError(t, s.ZeroSystem())
		require.NoError(t, s.SumInto([]int{0, 1}, ones(2), ones(4), 0))
		require.NoError(t, s.LoadComplete())
	}
	{ // Rows owned by another domain are dropped, their columns couple to the owned rows
		s := mk("rowrange")
		require.NoError(t, s.SumInto([]int{0, 2}, []float64{5, 6}, []float64{1, 2, 3, 4}, 0))
		nm, nr := s.Accumulator().Used(0)
		assert.Equal(t, 2, nm)
		assert.Equal(t, 1, nr)
		require.NoError(t, s.LoadComplete())
		cols, vals := rowOf(s.Matrix(), 2)
		assert.Equal(t, []int{2, 5}, cols)
		assert.Equal(t, []float64{1, 2}, vals)
		assert.Equal(t, []float64{5, 0}, s.RHS(0))
	}
	{ // Rows outside the system
		s := mk("colrange")
		err := s.SumInto([]int{0, 4}, ones(2), ones(4), 0)
		assert.True(t, errors.Is(err, lserr.ErrColumnOutOfRange))
	}
	{ // Unknown entity, partition and sizes
		s := mk("misc")
		assert.True(t, errors.Is(s.SumInto([]int{7}, ones(1), ones(1), 0), lserr.ErrRowOutOfRange))
		assert.True(t, errors.Is(s.SumInto([]int{0}, ones(1), ones(1), 1), lserr.ErrBadPartition))
		assert.True(t, errors.Is(s.SumInto([]int{0}, ones(1), ones(2), 0), lserr.ErrLengthMismatch))
		// The first error is the one reported
		assert.True(t, errors.Is(s.LoadComplete(), lserr.ErrRowOutOfRange))
	}
	{ // Not owned entities are dropped as rows and as columns
		s := mk("notowned")
		require.NoError(t, s.SumInto([]int{3, 0}, ones(2), []float64{9, 9, 9, 4}, 0))
		require.NoError(t, s.LoadComplete())
		cols, vals := rowOf(s.Matrix(), 2)
		assert.Equal(t, []int{2}, cols)
		assert.Equal(t, []float64{4}, vals)
		cols, _ = rowOf(s.Matrix(), 3)
		assert.Nil(t, cols)
	}
}

func TestSystemBoundaryRows(t *testing.T) {
	var (
		n      = 5
		block  = make([]float64, n*n)
		bc     = []float64{3, 0, 0, 0, 0}
		sol    = []float64{1, 0, 0, 0, 0}
		layout = NewLayout(PartitionSpec{Name: "interior", NumCalls: 2, EntitiesPerCall: n})
	)
	for i := range block {
		block[i] = 1
	}
	s, err := New(Config{Name: "boundary", NumDof: 1, MaxRowID: n, RowUpper: n}, layout, identityRows(n), nil)
	require.NoError(t, err)
	require.NoError(t, s.BuildDirichletNodeGraph([]int{0, 0}))
	require.NoError(t, s.BuildOversetNodeGraph([]int{4}))
	assert.Equal(t, types.RowDirichlet, s.RowType(0))
	assert.Equal(t, types.RowOverset, s.RowType(4))
	assert.True(t, errors.Is(s.BuildOversetNodeGraph([]int{0}), lserr.ErrBadLayout))
	{ // A batch with a conflicting tag leaves every row as it was
		err = s.BuildDirichletNodeGraph([]int{1, 2, 4})
		assert.True(t, errors.Is(err, lserr.ErrBadLayout))
		assert.Equal(t, types.RowNormal, s.RowType(1))
		assert.Equal(t, types.RowNormal, s.RowType(2))
		assert.Equal(t, []int{0}, s.dirichletEntities)
		assert.True(t, errors.Is(s.BuildDirichletNodeGraph([]int{1, 9}), lserr.ErrRowOutOfRange))
		assert.Equal(t, types.RowNormal, s.RowType(1))
	}

	entities := identityRows(n)
	require.NoError(t, s.ZeroSystem())
	require.NoError(t, s.SumInto(entities, []float64{1, 1, 1, 1, 1}, block, 0))
	require.NoError(t, s.ApplyDirichletBCs(sol, bc))
	require.NoError(t, s.ApplyOversetConstraint(4, []int{0, 1}, []float64{0.25, 0.75}, []float64{0.5}))
	require.NoError(t, s.LoadComplete())
	{ // Skipped rows only hold their boundary values, columns of tagged rows remain
		A := s.Matrix()
		cols, vals := rowOf(A, 0)
		assert.Equal(t, []int{0}, cols)
		assert.Equal(t, []float64{1}, vals)
		cols, vals = rowOf(A, 4)
		assert.Equal(t, []int{0, 1, 4}, cols)
		assert.Equal(t, []float64{-0.25, -0.75, 1}, vals)
		cols, _ = rowOf(A, 2)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, cols)
		assert.Equal(t, []float64{2, 1, 1, 1, 0.5}, s.RHS(0))
	}
	{ // With the skip check off the tagged rows accumulate
		require.NoError(t, s.ZeroSystem())
		s.ResetRows()
		require.NoError(t, s.SumInto(entities, []float64{1, 1, 1, 1, 1}, block, 0))
		require.NoError(t, s.LoadComplete())
		cols, _ := rowOf(s.Matrix(), 0)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, cols)
	}
	{ // Overset writes need an overset row and enough boundary space
		require.NoError(t, s.ZeroSystem())
		err = s.ApplyOversetConstraint(1, []int{0}, []float64{1}, nil)
		assert.True(t, errors.Is(err, lserr.ErrBadLayout))
		require.NoError(t, s.ZeroSystem())
		many := identityRows(n)
		err = s.ApplyOversetConstraint(4, append(many, many...), make([]float64, 2*n), nil)
		assert.True(t, errors.Is(err, lserr.ErrPartitionOverflow))
	}
}

func TestSystemFillUnfilledRows(t *testing.T) {
	s, err := New(Config{Name: "fill", NumDof: 1, MaxRowID: 4, RowUpper: 4, FillUnfilledRows: true},
		NewLayout(PartitionSpec{NumCalls: 1, EntitiesPerCall: 2}), identityRows(4), nil)
	require.NoError(t, err)
	require.NoError(t, s.ZeroSystem())
	require.NoError(t, s.SumInto([]int{0, 1}, []float64{1, 2}, []float64{2, -1, -1, 2}, 0))
	require.NoError(t, s.LoadComplete())
	A := s.Matrix()
	// Every row has at least its diagonal
	for r := 0; r < 4; r++ {
		assert.True(t, A.RowOffsets[r+1] > A.RowOffsets[r])
	}
	cols, vals := rowOf(A, 3)
	assert.Equal(t, []int{3}, cols)
	assert.Equal(t, []float64{1}, vals)
	assert.Equal(t, []float64{1, 2, 0, 0}, s.RHS(0))
	// A second epoch fills the same rows again
	require.NoError(t, s.ZeroSystem())
	require.NoError(t, s.LoadComplete())
	assert.Equal(t, []float64{1, 1, 1, 1}, s.Matrix().Values)
}

func TestSystemResetIsIdempotent(t *testing.T) {
	var (
		s, err = New(Config{Name: "reset", NumDof: 1, MaxRowID: 6, RowUpper: 6},
			NewLayout(PartitionSpec{NumCalls: 5, EntitiesPerCall: 2}), identityRows(6), nil)
		epoch = func() (vals, rhs []float64) {
			require.NoError(t, s.ZeroSystem())
			for e := 0; e < 5; e++ {
				require.NoError(t, s.SumInto([]int{e, e + 1}, []float64{0.1, 0.2},
					[]float64{1.5, -1, -1, 1.5}, 0))
			}
			require.NoError(t, s.LoadComplete())
			vals = append(vals, s.Matrix().Values...)
			rhs = append(rhs, s.RHS(0)...)
			return
		}
	)
	require.NoError(t, err)
	v1, r1 := epoch()
	v2, r2 := epoch()
	assert.Equal(t, v1, v2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 16, len(v1))
	assert.InDelta(t, 3.0, v1[3], 1.e-14) // Row 1 diagonal, two elements
}

func TestSystemSolve(t *testing.T) {
	var (
		n = 6
	)
	for _, slv := range []solver.Solver{solver.NewDirect(), solver.NewBiCGStab(1.e-12, 100)} {
		for _, diagFirst := range []bool{false, true} {
			s, err := New(Config{Name: "laplace1d", NumDof: 1, MaxRowID: n, RowUpper: n, DiagonalFirst: diagFirst},
				NewLayout(PartitionSpec{Name: "elements", NumCalls: n - 1, EntitiesPerCall: 2}), identityRows(n), slv)
			require.NoError(t, err)
			require.NoError(t, s.BuildDirichletNodeGraph([]int{0, n - 1}))
			require.NoError(t, s.ZeroSystem())
			for e := 0; e < n-1; e++ {
				require.NoError(t, s.SumInto([]int{e, e + 1}, []float64{0, 0}, []float64{1, -1, -1, 1}, 0))
			}
			bc := make([]float64, n)
			bc[n-1] = 1
			require.NoError(t, s.ApplyDirichletBCs(nil, bc))
			require.NoError(t, s.LoadComplete())
			field := make([]float64, n)
			res, err := s.Solve(field)
			require.NoError(t, err)
			assert.Equal(t, Solved, s.State())
			for i := 0; i < n; i++ {
				assert.InDelta(t, float64(i)/float64(n-1), field[i], 1.e-9)
			}
			assert.True(t, res.ResidualNorm < 1.e-9)
			assert.Equal(t, 1, s.Stats().NumSolves)
			s.Report()
			_, err = s.Solve([]float64{0})
			assert.True(t, errors.Is(err, lserr.ErrLengthMismatch))
		}
	}
}
