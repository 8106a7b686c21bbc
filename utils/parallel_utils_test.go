package utils

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionMap(t *testing.T) {
	{ // Test PartitionMap
		getHisto := func(K, Np int) (histo map[int]int) {
			pm := NewPartitionMap(Np, K)
			histo = make(map[int]int)
			for np := 0; np < pm.ParallelDegree; np++ {
				kMin, kMax := pm.GetBucketRange(np)
				maxK := kMax - kMin
				histo[maxK]++
			}
			return
		}
		getTotal := func(histo map[int]int) (total int) {
			for key, count := range histo {
				total += key * count
			}
			return
		}
		assert.Equal(t, map[int]int{0: 30, 1: 2}, getHisto(2, 32))
		assert.Equal(t, map[int]int{1: 32}, getHisto(32, 32))
		assert.Equal(t, map[int]int{8: 32}, getHisto(256, 32))
		assert.Equal(t, map[int]int{8: 1, 9: 31}, getHisto(287, 32))
		assert.Equal(t, 287, getTotal(getHisto(287, 32)))
		for n := 64; n < 2000; n++ {
			var (
				keys   [2]float64
				keyNum int
			)
			histo := getHisto(n, 32)
			for key := range histo {
				keys[keyNum] = float64(key)
				keyNum++
			}
			if keyNum == 2 {
				assert.Equal(t, 1., math.Abs(keys[0]-keys[1])) // Maximum imbalance of 1
			}
			assert.Equal(t, n, getTotal(histo))
		}
	}
}

func TestParallelFor(t *testing.T) {
	{ // Every index visited exactly once
		for _, n := range []int{0, 1, 255, 256, 1000, 100000} {
			visits := make([]int32, n)
			ParallelFor(8, n, func(np, kMin, kMax int) {
				for k := kMin; k < kMax; k++ {
					atomic.AddInt32(&visits[k], 1)
				}
			})
			for k := 0; k < n; k++ {
				assert.Equal(t, int32(1), visits[k])
			}
		}
	}
	{ // Parallel degree limits
		assert.Equal(t, 1, LimitParallelDegree(8, 10))
		assert.Equal(t, 4, LimitParallelDegree(8, 1024))
		assert.Equal(t, 8, LimitParallelDegree(8, 1<<20))
		assert.True(t, LimitParallelDegree(0, 1<<20) >= 1)
	}
}
