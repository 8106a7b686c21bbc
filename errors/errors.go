// Package errors defines the error sentinels shared by the assembler, linsys
// and solver packages, so that errors.Is checks work across package
// boundaries.
package errors

import "errors"

// Configuration errors, fatal for the current epoch
var (
	ErrCapacityExceeded  = errors.New("linsys: item count exceeds workspace capacity")
	ErrPartitionOverflow = errors.New("linsys: partition region capacity exceeded")
	ErrRowOutOfRange     = errors.New("linsys: row outside of the owned row range")
	ErrColumnOutOfRange  = errors.New("linsys: column outside of the global column range")
	ErrBadPartition      = errors.New("linsys: partition index out of range")
	ErrBadLayout         = errors.New("linsys: invalid partition layout")
	ErrLengthMismatch    = errors.New("linsys: input array lengths do not match")
)

// Usage sequence errors, raised with panic since they are programmer bugs
var (
	ErrInvalidState = errors.New("linsys: operation not allowed in the current state")
)

// Solver errors
var (
	ErrNotSetUp     = errors.New("linsys: solver has no registered matrix")
	ErrNotConverged = errors.New("linsys: iterative solver did not converge")
	ErrSingular     = errors.New("linsys: matrix is singular")
	ErrUnsupported  = errors.New("linsys: system layout not supported by solver")
)
