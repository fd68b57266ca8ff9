package utils

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// DTypeToWire returns the name used for dtype in the textual configuration messages.
func DTypeToWire(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.F64:
		return "float64"
	case dtypes.F32:
		return "float32"
	case dtypes.F16:
		return "float16"
	case dtypes.BFloat16:
		return "bfloat16"
	case dtypes.S64:
		return "int64"
	case dtypes.S32:
		return "int32"
	case dtypes.S16:
		return "int16"
	case dtypes.S8:
		return "int8"
	case dtypes.U64:
		return "uint64"
	case dtypes.U32:
		return "uint32"
	case dtypes.U16:
		return "uint16"
	case dtypes.U8:
		return "uint8"
	case dtypes.Bool:
		return "bool"
	default:
		return fmt.Sprintf("unknown_dtype<%s>", dtype.String())
	}
}

var wireToDType = func() map[string]dtypes.DType {
	m := make(map[string]dtypes.DType)
	for _, dtype := range []dtypes.DType{
		dtypes.F64, dtypes.F32, dtypes.F16, dtypes.BFloat16,
		dtypes.S64, dtypes.S32, dtypes.S16, dtypes.S8,
		dtypes.U64, dtypes.U32, dtypes.U16, dtypes.U8,
		dtypes.Bool,
	} {
		m[DTypeToWire(dtype)] = dtype
	}
	return m
}()

// DTypeFromWire is the inverse of DTypeToWire. It returns dtypes.InvalidDType for unknown names.
func DTypeFromWire(name string) dtypes.DType {
	if dtype, found := wireToDType[name]; found {
		return dtype
	}
	return dtypes.InvalidDType
}
