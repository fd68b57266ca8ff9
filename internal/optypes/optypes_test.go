package optypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWireName(t *testing.T) {
	assert.Equal(t, "bias_add", BiasAdd.WireName())
	assert.Equal(t, "reduce_sum", ReduceSum.WireName())
	assert.Equal(t, "matmul", Matmul.WireName())
	for op := Invalid + 1; op < Last; op++ {
		assert.Equal(t, op, FromWireName(op.WireName()))
	}
	assert.Equal(t, Invalid, FromWireName("conv2d"))

	op, err := OpTypeString("reducesum")
	assert.NoError(t, err)
	assert.Equal(t, ReduceSum, op)
}
