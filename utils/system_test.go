package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystem(t *testing.T) {
	assert.Equal(t, 1., BytesToGBs(1<<30))
	assert.True(t, IsNan([]float64{1, math.NaN()}))
	assert.True(t, IsNan([][]float64{{1}, {math.NaN()}}))
	assert.False(t, IsNan([]float64{1, 2}))
	assert.Contains(t, GetMemUsage(), "MiB")
}
