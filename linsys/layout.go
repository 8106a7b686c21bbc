package linsys

import (
	"fmt"

	lserr "github.com/notargets/linsys/errors"
)

// NotOwned is the entity to row value of an entity that is skipped entirely,
// it contributes neither as a row nor as a column
const NotOwned = -1

// PartitionSpec sizes one write lane, typically one per algorithm that calls SumInto
type PartitionSpec struct {
	Name            string
	NumCalls        int // Upper bound on SumInto calls per epoch
	EntitiesPerCall int // Upper bound on entities passed per call
}

type Layout struct {
	Partitions []PartitionSpec
}

func NewLayout(partitions ...PartitionSpec) (l *Layout) {
	l = &Layout{Partitions: partitions}
	return
}

func (l *Layout) NumPartitions() int { return len(l.Partitions) }

func (l *Layout) validate() (err error) {
	if len(l.Partitions) == 0 {
		err = fmt.Errorf("%w: no partitions", lserr.ErrBadLayout)
		return
	}
	for p, ps := range l.Partitions {
		if ps.NumCalls < 0 || ps.EntitiesPerCall < 0 {
			err = fmt.Errorf("%w: partition %d (%s) has negative size %d x %d",
				lserr.ErrBadLayout, p, ps.Name, ps.NumCalls, ps.EntitiesPerCall)
			return
		}
	}
	return
}

// capacities returns the matrix and rhs entry count of every partition, for a
// block with dofM rows per entity
func (l *Layout) capacities(dofM int) (matCap, rhsCap []int) {
	matCap = make([]int, len(l.Partitions))
	rhsCap = make([]int, len(l.Partitions))
	for p, ps := range l.Partitions {
		nr := ps.EntitiesPerCall * dofM
		matCap[p] = ps.NumCalls * nr * nr
		rhsCap[p] = ps.NumCalls * nr
	}
	return
}

// prefixStarts converts capacities into region start offsets, the last element is the total
func prefixStarts(capacity []int) (starts []int) {
	starts = make([]int, len(capacity)+1)
	for p, c := range capacity {
		starts[p+1] = starts[p] + c
	}
	return
}
