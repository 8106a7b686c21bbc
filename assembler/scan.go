package assembler

import (
	"github.com/notargets/linsys/utils"
)

/*
exclusiveScan replaces a[0:n] with its exclusive prefix sum and stores the
total in a[n], where n = len(a)-1. The range is split into blocks, one per go
routine: each block is summed, the block sums are scanned serially into
blocks, then each block is scanned locally starting from its block offset.
*/
func exclusiveScan[T ~int | ~int64](NP int, a []T, blocks []int64) (total T) {
	var (
		n = len(a) - 1
	)
	if n < 0 {
		return
	}
	NP = utils.LimitParallelDegree(NP, n)
	if NP > len(blocks) {
		NP = len(blocks)
	}
	// Both passes below must see the same split, ParallelFor is deterministic for equal NP and n
	utils.ParallelFor(NP, n, func(np, kMin, kMax int) {
		var s T
		for k := kMin; k < kMax; k++ {
			s += a[k]
		}
		blocks[np] = int64(s)
	})
	var (
		running int64
	)
	for b := 0; b < NP && n > 0; b++ {
		s := blocks[b]
		blocks[b] = running
		running += s
	}
	utils.ParallelFor(NP, n, func(np, kMin, kMax int) {
		var s = T(blocks[np])
		for k := kMin; k < kMax; k++ {
			s, a[k] = s+a[k], s
		}
	})
	a[n] = T(running)
	total = a[n]
	return
}
