package utils

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestDTypeWireNames(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.Int64, dtypes.Uint8, dtypes.Bool} {
		name := DTypeToWire(dtype)
		assert.Equal(t, dtype, DTypeFromWire(name), "round trip of %s via %q", dtype, name)
	}
	assert.Equal(t, "float32", DTypeToWire(dtypes.Float32))
	assert.Equal(t, dtypes.InvalidDType, DTypeFromWire("float8"))
	assert.Contains(t, DTypeToWire(dtypes.Complex64), "unknown_dtype")
}
