package linsys

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	lserr "github.com/notargets/linsys/errors"
)

var (
	// stage: "matrix", "rhs", "host_copy"
	assembleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linsys_assemble_duration_seconds",
		Help:    "Duration of one assembly stage",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"system", "stage"})

	// kind: "matrix", "rhs"
	entriesAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linsys_entries_assembled_total",
		Help: "Coordinate entries consumed by the assemblers",
	}, []string{"system", "kind"})

	matrixNonzeros = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linsys_matrix_nonzeros",
		Help: "Nonzeros of the last assembled matrix",
	}, []string{"system"})

	epochAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linsys_epoch_aborts_total",
		Help: "Assembly epochs aborted by a configuration error",
	}, []string{"system", "reason"})
)

func abortReason(err error) string {
	switch {
	case errors.Is(err, lserr.ErrPartitionOverflow):
		return "partition_overflow"
	case errors.Is(err, lserr.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, lserr.ErrRowOutOfRange):
		return "row_out_of_range"
	case errors.Is(err, lserr.ErrColumnOutOfRange):
		return "column_out_of_range"
	case errors.Is(err, lserr.ErrBadPartition):
		return "bad_partition"
	case errors.Is(err, lserr.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, lserr.ErrBadLayout):
		return "bad_layout"
	}
	return "other"
}
