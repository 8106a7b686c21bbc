package linsys

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/linsys/utils"
)

type block struct {
	entities []int
	rhs, lhs []float64
	p        int
}

func randomBlocks(rng *rand.Rand, nBlocks, nEntities, perCall, numDof, np int) (blocks []block) {
	blocks = make([]block, nBlocks)
	for b := range blocks {
		var (
			n  = 1 + rng.Intn(perCall)
			nd = n * numDof
			bl = block{
				entities: make([]int, n),
				rhs:      make([]float64, nd),
				lhs:      make([]float64, nd*nd),
				p:        b % np,
			}
		)
		for i := range bl.entities {
			bl.entities[i] = rng.Intn(nEntities)
		}
		for i := range bl.rhs {
			bl.rhs[i] = rng.Float64()
		}
		for i := range bl.lhs {
			bl.lhs[i] = rng.Float64() - 0.5
		}
		blocks[b] = bl
	}
	return
}

func TestCoeffApplierConcurrent(t *testing.T) {
	var (
		nEntities = 400
		perCall   = 4
		np        = 4
		nBlocks   = 2000
		rng       = rand.New(rand.NewSource(3))
	)
	for _, numDof := range []int{1, 2} {
		var (
			blocks = randomBlocks(rng, nBlocks, nEntities, perCall, numDof, np)
			parts  = make([]PartitionSpec, np)
			nr     = nEntities * numDof
			refA   = utils.NewDOK(nr, nr)
			refB   = make([]float64, nr)
		)
		for p := range parts {
			parts[p] = PartitionSpec{NumCalls: nBlocks / np, EntitiesPerCall: perCall}
		}
		// Entity e owns row nEntities-1-e
		entityToRow := make([]int, nEntities)
		for e := range entityToRow {
			entityToRow[e] = nEntities - 1 - e
		}
		for _, bl := range blocks {
			nd := len(bl.entities) * numDof
			for i, ei := range bl.entities {
				for d := 0; d < numDof; d++ {
					row := entityToRow[ei]*numDof + d
					refB[row] += bl.rhs[i*numDof+d]
					for j, ej := range bl.entities {
						for dd := 0; dd < numDof; dd++ {
							refA.SumInto(row, entityToRow[ej]*numDof+dd, bl.lhs[(i*numDof+d)*nd+j*numDof+dd])
						}
					}
				}
			}
		}
		s, err := New(Config{Name: "concurrent", NumDof: numDof, MaxRowID: nEntities, RowUpper: nEntities, ParallelDegree: 4},
			NewLayout(parts...), entityToRow, nil)
		require.NoError(t, err)
		for epoch := 0; epoch < 2; epoch++ {
			require.NoError(t, s.ZeroSystem())
			g := new(errgroup.Group)
			for w := 0; w < 8; w++ {
				g.Go(func() error {
					for b := w; b < nBlocks; b += 8 {
						bl := blocks[b]
						if err := s.CoeffApplier(bl.p).SumInto(bl.entities, bl.rhs, bl.lhs); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			require.NoError(t, s.LoadComplete())
			var (
				A = s.Matrix()
				b = s.RHS(0)
			)
			assert.Equal(t, refA.NNZ(), len(A.Values))
			for r := 0; r < nr; r++ {
				for ii := A.RowOffsets[r]; ii < A.RowOffsets[r+1]; ii++ {
					if ii > A.RowOffsets[r] {
						require.True(t, A.ColIndices[ii-1] < A.ColIndices[ii])
					}
					require.InDelta(t, refA.At(r, A.ColIndices[ii]), A.Values[ii], 1.e-12)
				}
			}
			assert.InDeltaSlice(t, refB, b, 1.e-12)
		}
	}
}

func TestCoeffApplierSegregated(t *testing.T) {
	var (
		numDof = 3
		lhs    = make([]float64, 36)
		rhs    = []float64{1, 2, 3, 4, 5, 6}
	)
	for i := range lhs {
		lhs[i] = float64(i)
	}
	s, err := New(Config{Name: "uvw", NumDof: numDof, MultiVectorRHS: true, MaxRowID: 2, RowUpper: 2},
		NewLayout(PartitionSpec{NumCalls: 2, EntitiesPerCall: 2}), identityRows(2), nil)
	require.NoError(t, err)
	require.NoError(t, s.BuildDirichletNodeGraph([]int{1}))
	require.NoError(t, s.ZeroSystem())
	{ // One entry per entity pair from the d == 0 block, one rhs per dof
		require.NoError(t, s.SumInto([]int{0, 1}, rhs, lhs, 0))
		nm, nr := s.Accumulator().Used(0)
		assert.Equal(t, 2, nm)
		assert.Equal(t, 1, nr)
	}
	require.NoError(t, s.ApplyDirichletBCs([]float64{0, 0, 0, 1, 1, 1}, []float64{0, 0, 0, 2, 3, 4}))
	require.NoError(t, s.LoadComplete())
	A := s.Matrix()
	assert.Equal(t, 2, A.NumCols)
	assert.Equal(t, []int{0, 2, 3}, A.RowOffsets)
	assert.Equal(t, []int{0, 1, 1}, A.ColIndices)
	assert.Equal(t, []float64{0, 3, 1}, A.Values)
	for ch := 0; ch < numDof; ch++ {
		assert.Equal(t, []float64{rhs[ch], float64(ch + 1)}, s.RHS(ch))
	}
}

func TestCoeffApplierCoupled(t *testing.T) {
	var (
		numDof = 2
		lhs    = make([]float64, 16)
		rhs    = []float64{1, 2, 3, 4}
	)
	for i := range lhs {
		lhs[i] = float64(i + 1)
	}
	s, err := New(Config{Name: "coupled", NumDof: numDof, MaxRowID: 3, RowLower: 1, RowUpper: 3},
		NewLayout(PartitionSpec{NumCalls: 1, EntitiesPerCall: 2}), []int{2, 1, NotOwned}, nil)
	require.NoError(t, err)
	require.NoError(t, s.ZeroSystem())
	require.NoError(t, s.SumInto([]int{0, 1}, rhs, lhs, 0))
	require.NoError(t, s.LoadComplete())
	var (
		A  = s.Matrix()
		CA = A.CSR()
	)
	assert.Equal(t, 2, A.ILower)
	assert.Equal(t, 6, A.IUpper)
	// Entity 0 is row 2 (matrix rows 4,5), entity 1 is row 1 (matrix rows 2,3)
	for i, ei := range []int{2, 1} {
		for d := 0; d < numDof; d++ {
			for j, ej := range []int{2, 1} {
				for dd := 0; dd < numDof; dd++ {
					assert.Equal(t, lhs[(i*numDof+d)*4+j*numDof+dd], CA.At(ei*numDof+d-A.ILower, ej*numDof+dd))
				}
			}
		}
	}
	assert.Equal(t, []float64{3, 4, 1, 2}, s.RHS(0))
}
