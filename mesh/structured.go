package mesh

import (
	"fmt"
	"sort"
	"strings"

	"github.com/notargets/linsys/utils"
)

// Side names of the boundary node sets
const (
	Bottom = "bottom"
	Right  = "right"
	Top    = "top"
	Left   = "left"
)

/*
StructuredGrid is a rectangle [0,Lx] x [0,Ly] split into Nx x Ny bilinear quad
elements. Nodes are the entities, node (i,j) has id j*(Nx+1) + i. Element
nodes are stored counter clockwise starting from the lower left corner.
*/
type StructuredGrid struct {
	Nx, Ny     int
	Lx, Ly     float64
	X, Y       []float64 // Node coordinates
	Elements   [][4]int
	Boundaries map[string][]int // Node sets per side, corners belong to both sides
}

func NewStructuredGrid(nx, ny int, lx, ly float64) (g *StructuredGrid) {
	if nx < 1 || ny < 1 || lx <= 0 || ly <= 0 {
		panic(fmt.Errorf("invalid grid %d x %d elements over %g x %g", nx, ny, lx, ly))
	}
	var (
		nnx, nny = nx + 1, ny + 1
	)
	g = &StructuredGrid{
		Nx: nx, Ny: ny, Lx: lx, Ly: ly,
		X:          make([]float64, nnx*nny),
		Y:          make([]float64, nnx*nny),
		Elements:   make([][4]int, nx*ny),
		Boundaries: make(map[string][]int),
	}
	for j := 0; j < nny; j++ {
		for i := 0; i < nnx; i++ {
			n := g.Node(i, j)
			g.X[n] = lx * float64(i) / float64(nx)
			g.Y[n] = ly * float64(j) / float64(ny)
		}
	}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			g.Elements[j*nx+i] = [4]int{g.Node(i, j), g.Node(i+1, j), g.Node(i+1, j+1), g.Node(i, j+1)}
		}
	}
	for i := 0; i < nnx; i++ {
		g.Boundaries[Bottom] = append(g.Boundaries[Bottom], g.Node(i, 0))
		g.Boundaries[Top] = append(g.Boundaries[Top], g.Node(i, ny))
	}
	for j := 0; j < nny; j++ {
		g.Boundaries[Left] = append(g.Boundaries[Left], g.Node(0, j))
		g.Boundaries[Right] = append(g.Boundaries[Right], g.Node(nx, j))
	}
	return
}

func (g *StructuredGrid) Node(i, j int) int         { return j*(g.Nx+1) + i }
func (g *StructuredGrid) NumNodes() int             { return (g.Nx + 1) * (g.Ny + 1) }
func (g *StructuredGrid) NumElements() int          { return g.Nx * g.Ny }
func (g *StructuredGrid) Spacing() (hx, hy float64) { return g.Lx / float64(g.Nx), g.Ly / float64(g.Ny) }

// Sides lists the boundary names in sorted order
func (g *StructuredGrid) Sides() (sides []string) {
	for k := range g.Boundaries {
		sides = append(sides, k)
	}
	sort.Strings(sides)
	return
}

// BoundaryNodes returns the node set of a side, the name is case insensitive
func (g *StructuredGrid) BoundaryNodes(side string) (nodes []int) {
	var (
		ok bool
	)
	if nodes, ok = g.Boundaries[strings.ToLower(strings.TrimSpace(side))]; !ok {
		panic(fmt.Errorf("unknown boundary \"%s\", have %v", side, g.Sides()))
	}
	return
}

/*
EntityToRow maps every node to a row for the owned node range [nodeMin,
nodeMax), the remaining nodes are not owned. Rows are the node ids, so the
owned row range is [nodeMin, nodeMax) of [0, NumNodes).
*/
func (g *StructuredGrid) EntityToRow(nodeMin, nodeMax, notOwned int) (entityToRow []int) {
	entityToRow = make([]int, g.NumNodes())
	for n := range entityToRow {
		entityToRow[n] = notOwned
		if n >= nodeMin && n < nodeMax {
			entityToRow[n] = n
		}
	}
	return
}

// ElementGroups splits the elements into nGroups contiguous tasks
func (g *StructuredGrid) ElementGroups(nGroups int) (groups [][]int) {
	var (
		pm = utils.NewPartitionMap(nGroups, g.NumElements())
	)
	groups = make([][]int, pm.ParallelDegree)
	for np := range groups {
		kMin, kMax := pm.GetBucketRange(np)
		for k := kMin; k < kMax; k++ {
			groups[np] = append(groups[np], k)
		}
	}
	return
}

// ElementStiffness is the bilinear quad Laplacian stiffness matrix of one element
func (g *StructuredGrid) ElementStiffness() (K [4][4]float64) {
	var (
		hx, hy = g.Spacing()
		ax, ay = hy / (6 * hx), hx / (6 * hy)
		Kx     = [4][4]float64{{2, -2, -1, 1}, {-2, 2, 1, -1}, {-1, 1, 2, -2}, {1, -1, -2, 2}}
		Ky     = [4][4]float64{{2, 1, -1, -2}, {1, 2, -2, -1}, {-1, -2, 2, 1}, {-2, -1, 1, 2}}
	)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			K[i][j] = ax*Kx[i][j] + ay*Ky[i][j]
		}
	}
	return
}

/*
ElementBlock returns the dense local block of element k for numDof uncoupled
copies of the Laplacian, ordered entity major: lhs is (4*numDof)^2 and rhs
holds the consistent load of a constant source, 4*numDof values.
*/
func (g *StructuredGrid) ElementBlock(k, numDof int, source float64) (entities []int, lhs, rhs []float64) {
	var (
		K      = g.ElementStiffness()
		hx, hy = g.Spacing()
		nd     = 4 * numDof
		load   = source * hx * hy / 4
	)
	entities = g.Elements[k][:]
	lhs = make([]float64, nd*nd)
	rhs = make([]float64, nd)
	for i := 0; i < 4; i++ {
		for d := 0; d < numDof; d++ {
			rhs[i*numDof+d] = load
			for j := 0; j < 4; j++ {
				lhs[(i*numDof+d)*nd+j*numDof+d] = K[i][j]
			}
		}
	}
	return
}

// NodalAreas is the lumped area of every node, a quarter of each adjacent element
func (g *StructuredGrid) NodalAreas() (area []float64) {
	var (
		hx, hy = g.Spacing()
	)
	area = make([]float64, g.NumNodes())
	for _, el := range g.Elements {
		for _, n := range el {
			area[n] += hx * hy / 4
		}
	}
	return
}

// NodeBlock returns the single entity block of a lumped reaction and source term at node n
func (g *StructuredGrid) NodeBlock(n, numDof int, reaction, source float64, area []float64) (entities []int, lhs, rhs []float64) {
	entities = []int{n}
	lhs = make([]float64, numDof*numDof)
	rhs = make([]float64, numDof)
	for d := 0; d < numDof; d++ {
		lhs[d*numDof+d] = reaction * area[n]
		rhs[d] = source * area[n]
	}
	return
}
