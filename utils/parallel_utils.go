package utils

import (
	"runtime"
	"sync"
)

type PartitionMap struct {
	MaxIndex       int // MaxIndex is partitioned into ParallelDegree partitions
	ParallelDegree int
	Partitions     [][2]int // Beginning and end index of partitions
}

func NewPartitionMap(ParallelDegree, maxIndex int) (pm *PartitionMap) {
	if ParallelDegree < 1 {
		ParallelDegree = 1
	}
	pm = &PartitionMap{
		MaxIndex:       maxIndex,
		ParallelDegree: ParallelDegree,
		Partitions:     make([][2]int, ParallelDegree),
	}
	for n := 0; n < ParallelDegree; n++ {
		pm.Partitions[n] = pm.Split1D(n)
	}
	return
}

func (pm *PartitionMap) GetBucketRange(bucketNum int) (kMin, kMax int) {
	kMin, kMax = pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
	return
}

func (pm *PartitionMap) Split1D(threadNum int) (bucket [2]int) {
	// This routine splits one dimension into c.ParallelDegree pieces, with a maximum imbalance of one item
	var (
		Npart            = pm.MaxIndex / (pm.ParallelDegree)
		startAdd, endAdd int
		remainder        int
	)
	remainder = pm.MaxIndex % pm.ParallelDegree
	if remainder != 0 { // spread the remainder over the first chunks evenly
		if threadNum+1 > remainder {
			startAdd = remainder
			endAdd = 0
		} else {
			startAdd = threadNum
			endAdd = 1
		}
	}
	bucket[0] = threadNum*Npart + startAdd
	bucket[1] = bucket[0] + Npart + endAdd
	return
}

// ParallelFor splits [0, maxIndex) into at most NP buckets and runs f on each
// bucket in its own go routine, returning after all buckets are done. Small
// ranges run on fewer go routines, an empty range runs nothing.
func ParallelFor(NP, maxIndex int, f func(np, kMin, kMax int)) {
	var (
		wg = sync.WaitGroup{}
	)
	if maxIndex <= 0 {
		return
	}
	NP = LimitParallelDegree(NP, maxIndex)
	if NP == 1 {
		f(0, 0, maxIndex)
		return
	}
	pm := NewPartitionMap(NP, maxIndex)
	for np := 0; np < NP; np++ {
		wg.Add(1)
		go func(np int) {
			kMin, kMax := pm.GetBucketRange(np)
			f(np, kMin, kMax)
			wg.Done()
		}(np)
	}
	wg.Wait()
}

// LimitParallelDegree picks the number of go routines for a range of
// maxIndex items; ProcLimit of zero means one per CPU.
func LimitParallelDegree(ProcLimit, maxIndex int) (NP int) {
	const minItemsPerThread = 256
	NP = ProcLimit
	if NP <= 0 {
		NP = runtime.NumCPU()
	}
	if lim := maxIndex / minItemsPerThread; NP > lim {
		NP = lim
	}
	if NP < 1 {
		NP = 1
	}
	return
}
