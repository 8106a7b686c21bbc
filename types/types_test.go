package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypes(t *testing.T) {
	{ // Test tag parsing for boundary labels
		tokens := []string{"Dirichlet", "dirichlet-left", "Fixed-22", "Overset-3", "fringe-top", "Normal"}
		types := []RowType{RowDirichlet, RowDirichlet, RowDirichlet, RowOverset, RowOverset, RowNormal}
		labels := []string{"", "left", "22", "3", "top", ""}
		for i, token := range tokens {
			rt := NewRowTag(token)
			assert.Equal(t, types[i], rt.GetType())
			assert.Equal(t, labels[i], rt.GetLabel())
		}
		assert.Panics(t, func() { NewRowTag("Wall-1").GetType() })
	}
	{ // Test skip classification
		assert.False(t, RowNormal.Skipped())
		assert.True(t, RowDirichlet.Skipped())
		assert.True(t, RowOverset.Skipped())
		assert.Equal(t, "Overset", RowOverset.String())
		assert.Equal(t, "Filled", RowFilled.String())
	}
	{ // Test slice growth keeps storage when possible
		s := make([]int, 4, 10)
		s[0] = 7
		g := GrowSlice(s, 8)
		assert.Equal(t, 8, len(g))
		assert.Equal(t, 7, g[0])
		g[1] = 3
		assert.Equal(t, 3, s[:2][1])
		b := GrowSlice(s, 20)
		assert.Equal(t, 20, len(b))
		assert.Equal(t, 7, b[0])
		assert.Equal(t, 2, len(GrowSlice(b, 2)))
	}
}
