package types

import (
	"fmt"
	"strings"
)

// RowType classifies how a row of the linear system is populated. Only
// RowNormal rows receive ordinary SumInto contributions, the others are
// written by a dedicated algorithm.
type RowType uint8

const (
	RowNormal    RowType = iota
	RowDirichlet         // Boundary row: no off-diagonal, diagonal and rhs set directly
	RowOverset           // Fringe row: interpolation weights from a donor mesh
)

var RowTypeNameMap = map[string]RowType{
	"normal":    RowNormal,
	"interior":  RowNormal,
	"dirichlet": RowDirichlet,
	"fixed":     RowDirichlet,
	"overset":   RowOverset,
	"fringe":    RowOverset,
}

func (rt RowType) String() string {
	switch rt {
	case RowNormal:
		return "Normal"
	case RowDirichlet:
		return "Dirichlet"
	case RowOverset:
		return "Overset"
	}
	return fmt.Sprintf("RowType(%d)", uint8(rt))
}

// Skipped reports whether ordinary accumulation must bypass rows of this type
func (rt RowType) Skipped() bool { return rt != RowNormal }

// RowFillStatus tracks whether a row has been written during the current epoch
type RowFillStatus uint32

const (
	RowUnfilled RowFillStatus = iota
	RowFilled
)

func (rs RowFillStatus) String() string {
	if rs == RowFilled {
		return "Filled"
	}
	return "Unfilled"
}

/*
RowTag is a boundary label as it appears in input files, composed of a row type
and an optional label, separated by a dash, e.g. "Dirichlet-left" or "Overset-3"
*/
type RowTag string

func NewRowTag(token string) (rt RowTag) {
	rt = RowTag(strings.TrimSpace(token))
	return
}

func (rt RowTag) GetType() (t RowType) {
	var (
		name = strings.ToLower(string(rt))
		ok   bool
	)
	if ind := strings.Index(name, "-"); ind != -1 {
		name = name[:ind]
	}
	if t, ok = RowTypeNameMap[name]; !ok {
		panic(fmt.Errorf("unknown row type in tag \"%s\"", string(rt)))
	}
	return
}

func (rt RowTag) GetLabel() (label string) {
	if ind := strings.Index(string(rt), "-"); ind != -1 {
		label = string(rt)[ind+1:]
	}
	return
}
