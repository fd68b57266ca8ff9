package tensor

import (
	"unsafe"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

type addable interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func view[T any](data []byte) []T {
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))/unsafe.Sizeof(zero))
}

func addInto[T addable](dst, src []byte) {
	d, s := view[T](dst), view[T](src)
	for i := range d {
		d[i] += s[i]
	}
}

// CanSum returns whether Accumulate supports the dtype.
func CanSum(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// Accumulate adds src into dst element-wise, both holding values of the given dtype.
//
// Float16 values are summed in float32 and rounded back.
func Accumulate(dtype dtypes.DType, dst, src []byte) error {
	if len(dst) != len(src) {
		return errs.Errorf(errs.InvalidArgument, "cannot sum buffers of %d and %d bytes", len(dst), len(src))
	}
	if len(dst) == 0 {
		return nil
	}
	switch dtype {
	case dtypes.Int8:
		addInto[int8](dst, src)
	case dtypes.Int16:
		addInto[int16](dst, src)
	case dtypes.Int32:
		addInto[int32](dst, src)
	case dtypes.Int64:
		addInto[int64](dst, src)
	case dtypes.Uint8:
		addInto[uint8](dst, src)
	case dtypes.Uint16:
		addInto[uint16](dst, src)
	case dtypes.Uint32:
		addInto[uint32](dst, src)
	case dtypes.Uint64:
		addInto[uint64](dst, src)
	case dtypes.Float32:
		addInto[float32](dst, src)
	case dtypes.Float64:
		addInto[float64](dst, src)
	case dtypes.Float16:
		d, s := view[float16.Float16](dst), view[float16.Float16](src)
		for i := range d {
			d[i] = float16.Fromfloat32(d[i].Float32() + s[i].Float32())
		}
	default:
		return errs.Errorf(errs.InvalidArgument, "sum not supported for dtype %s", dtype)
	}
	return nil
}

// AddInto adds src into dst. Both must have the same shape.
func AddInto(dst, src *Local) error {
	if !dst.shape.Equal(src.shape) {
		return errs.Errorf(errs.InvalidArgument, "cannot add %s into %s", src.shape, dst.shape)
	}
	return Accumulate(dst.shape.DType, dst.data, src.data)
}
