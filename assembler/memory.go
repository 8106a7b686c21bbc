package assembler

import (
	"fmt"
	"unsafe"

	"github.com/notargets/linsys/utils"
)

// MaxScanBlocks bounds the number of blocks used by the parallel prefix scan
const MaxScanBlocks = 1024

/*
MemoryController owns the temporary workspace used by the matrix and rhs
assemblies. The workspace is sized once for N items and shared between the
assemblers, which use it one at a time.

	binPtrs       N+1  per row counts, then row offsets after the scan
	locations     N    per item slot within its row, later per row merged counts
	temp          N    per slot item permutation after the scatter
	binBlockCount      per block partial sums of the scan
*/
type MemoryController struct {
	name          string
	N             int
	binPtrs       []int64
	locations     []int
	temp          []int
	binBlockCount []int64
	memoryUsed    int64
}

func NewMemoryController(name string, N int) (mc *MemoryController) {
	if N < 0 {
		panic(fmt.Errorf("memory controller %s: negative capacity %d", name, N))
	}
	mc = &MemoryController{
		name:          name,
		N:             N,
		binPtrs:       make([]int64, N+1),
		locations:     make([]int, N),
		temp:          make([]int, N),
		binBlockCount: make([]int64, MaxScanBlocks),
	}
	mc.memoryUsed = int64(unsafe.Sizeof(int64(0)))*int64(N+1+MaxScanBlocks) +
		int64(unsafe.Sizeof(int(0)))*int64(2*N)
	return
}

func (mc *MemoryController) Name() string           { return mc.name }
func (mc *MemoryController) Capacity() int          { return mc.N }
func (mc *MemoryController) BinPtrs() []int64       { return mc.binPtrs }
func (mc *MemoryController) Locations() []int       { return mc.locations }
func (mc *MemoryController) Temp() []int            { return mc.temp }
func (mc *MemoryController) BinBlockCount() []int64 { return mc.binBlockCount }
func (mc *MemoryController) MemoryInGBs() float64   { return utils.BytesToGBs(mc.memoryUsed) }
func (mc *MemoryController) MemoryInBytes() int64   { return mc.memoryUsed }
