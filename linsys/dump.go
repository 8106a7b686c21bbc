package linsys

import (
	"fmt"
	"io"
	"strconv"
)

// DumpData writes the raw accumulated lists of the current epoch
func (s *System) DumpData(w io.Writer) error { return s.ca.DumpData(w) }

// DumpMatrix writes the assembled matrix, one "row col value" line per
// nonzero in global numbering, in the stored order of each row
func (s *System) DumpMatrix(w io.Writer) (err error) {
	var (
		A   = s.Matrix()
		buf []byte
	)
	buf = fmt.Appendf(buf, "# %s rows [%d,%d) cols %d nnz %d\n",
		s.cfg.Name, A.ILower, A.IUpper, A.NumCols, len(A.Values))
	for i := 0; i < A.NumRows(); i++ {
		for ii := A.RowOffsets[i]; ii < A.RowOffsets[i+1]; ii++ {
			buf = appendEntry(buf, A.ILower+i, A.ColIndices[ii], A.Values[ii])
		}
	}
	_, err = w.Write(buf)
	return
}

// DumpRHS writes one "row value" line per owned row of an assembled rhs vector
func (s *System) DumpRHS(w io.Writer, channel int) (err error) {
	var (
		b   = s.RHS(channel)
		r0  = s.cfg.RowLower * s.cfg.matrixDof()
		buf []byte
	)
	buf = fmt.Appendf(buf, "# %s rhs %d rows %d\n", s.cfg.Name, channel, len(b))
	for i, v := range b {
		buf = strconv.AppendInt(buf, int64(r0+i), 10)
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		buf = append(buf, '\n')
	}
	_, err = w.Write(buf)
	return
}
