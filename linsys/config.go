package linsys

import (
	"fmt"

	lserr "github.com/notargets/linsys/errors"
)

type Config struct {
	Name string
	// Degrees of freedom per entity. A coupled system has NumDof matrix rows
	// per entity and one rhs, a segregated (MultiVectorRHS) system has one
	// matrix row per entity shared by NumDof rhs vectors.
	NumDof           int
	MultiVectorRHS   bool
	MaxRowID         int // Entity rows are [0, MaxRowID)
	RowLower         int // Owned entity rows are [RowLower, RowUpper)
	RowUpper         int
	DiagonalFirst    bool // Assembled rows are [D|L|U] instead of [L|D|U]
	FillUnfilledRows bool // Rows without any contribution get an identity row and a zero rhs
	MaxOversetDonors int  // Upper bound on donors per fringe entity, defaults to 8
	ParallelDegree   int  // Go routines per assembly stage, zero means one per CPU
	Verbose          bool
}

func (cfg *Config) matrixDof() int {
	if cfg.MultiVectorRHS {
		return 1
	}
	return cfg.NumDof
}

// NumChannels is the number of rhs vectors
func (cfg *Config) NumChannels() int {
	if cfg.MultiVectorRHS {
		return cfg.NumDof
	}
	return 1
}

func (cfg *Config) validate() (err error) {
	switch {
	case cfg.NumDof < 1:
		err = fmt.Errorf("%w: system %s has %d degrees of freedom", lserr.ErrBadLayout, cfg.Name, cfg.NumDof)
	case cfg.RowLower < 0 || cfg.RowLower > cfg.RowUpper || cfg.RowUpper > cfg.MaxRowID:
		err = fmt.Errorf("%w: system %s owns rows [%d,%d) of [0,%d)",
			lserr.ErrBadLayout, cfg.Name, cfg.RowLower, cfg.RowUpper, cfg.MaxRowID)
	case cfg.MaxOversetDonors < 0:
		err = fmt.Errorf("%w: system %s allows %d overset donors", lserr.ErrBadLayout, cfg.Name, cfg.MaxOversetDonors)
	}
	if cfg.MaxOversetDonors == 0 {
		cfg.MaxOversetDonors = 8
	}
	return
}
