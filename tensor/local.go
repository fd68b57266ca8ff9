// Package tensor holds the runtime values moved around by boxing and the collectives.
//
// A Local tensor is a raw-bytes-plus-shape view of the data held by one rank. A Global tensor is the
// per-rank handle of a distributed value: its logical shape, its placed distribution and, if the rank
// takes part in the placement, its physical shard.
package tensor

import (
	"bytes"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Local is a dense row-major tensor stored in host memory.
type Local struct {
	shape shapes.Shape
	data  []byte
}

// Zeros returns a Local tensor of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Local {
	return &Local{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// FromBytes creates a Local tensor that takes ownership of data.
func FromBytes(shape shapes.Shape, data []byte) (*Local, error) {
	if !shape.Ok() {
		return nil, errs.Errorf(errs.InvalidArgument, "invalid shape %s", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errs.Errorf(errs.InvalidArgument, "shape %s requires %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	return &Local{shape: shape.Clone(), data: data}, nil
}

// FromFlat creates a Local tensor from a copy of the flat values, shaped with the given dimensions.
// With no dimensions and a single value it creates a scalar.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Local, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(dimensions) == 0 && len(flat) != 1 {
		shape.Dimensions = []int{len(flat)}
	}
	if shape.Size() != len(flat) {
		return nil, errs.Errorf(errs.InvalidArgument, "shape %s holds %d elements, got %d values", shape, shape.Size(), len(flat))
	}
	return FromBytes(shape, bytes.Clone(flatBytes(flat)))
}

// FromValue creates a Local tensor from a scalar or from regular (nested) slices, e.g. [][]float32{{1, 2}, {3, 4}}.
func FromValue(v any) (*Local, error) {
	shape, err := shapes.FromValue(v)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v)
	leaf := rv.Type()
	for leaf.Kind() == reflect.Slice {
		leaf = leaf.Elem()
	}
	flat := reflect.MakeSlice(reflect.SliceOf(leaf), 0, shape.Size())
	var collect func(v reflect.Value)
	collect = func(v reflect.Value) {
		if v.Kind() != reflect.Slice {
			flat = reflect.Append(flat, v)
			return
		}
		for i := range v.Len() {
			collect(v.Index(i))
		}
	}
	collect(rv)
	data := make([]byte, shape.Memory())
	copy(data, unsafe.Slice((*byte)(flat.UnsafePointer()), len(data)))
	return FromBytes(shape, data)
}

// Flat returns a copy of the values of the tensor as a flat slice. T must match the tensor dtype.
func Flat[T dtypes.Supported](l *Local) ([]T, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != l.shape.DType {
		return nil, errs.Errorf(errs.InvalidArgument, "tensor has dtype %s, requested %s", l.shape.DType, dtype)
	}
	flat := make([]T, l.shape.Size())
	copy(flatBytes(flat), l.data)
	return flat, nil
}

func flatBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), uintptr(len(flat))*unsafe.Sizeof(zero))
}

// Shape of the tensor.
func (l *Local) Shape() shapes.Shape { return l.shape.Clone() }

// DType of the tensor.
func (l *Local) DType() dtypes.DType { return l.shape.DType }

// Bytes returns the underlying storage, not a copy.
func (l *Local) Bytes() []byte { return l.data }

// Clone returns a deep copy.
func (l *Local) Clone() *Local {
	return &Local{shape: l.shape.Clone(), data: bytes.Clone(l.data)}
}

// Equal returns whether both tensors have the same shape and the same bytes.
func (l *Local) Equal(other *Local) bool {
	if l == nil || other == nil {
		return l == other
	}
	return l.shape.Equal(other.shape) && bytes.Equal(l.data, other.data)
}

// String implements fmt.Stringer.
func (l *Local) String() string {
	return fmt.Sprintf("Local%s", l.shape)
}

func (l *Local) checkRanges(ranges []sbp.Range) error {
	if len(ranges) != l.shape.Rank() {
		return errs.Errorf(errs.InvalidArgument, "got %d ranges for tensor of shape %s", len(ranges), l.shape)
	}
	for axis, r := range ranges {
		if r.Begin < 0 || r.End < r.Begin || r.End > l.shape.Dimensions[axis] {
			return errs.Errorf(errs.InvalidArgument, "range %s out of bounds for axis %d of shape %s", r, axis, l.shape)
		}
	}
	return nil
}

// Slice returns a copy of the block of the tensor delimited by one range per axis.
func (l *Local) Slice(ranges []sbp.Range) (*Local, error) {
	if err := l.checkRanges(ranges); err != nil {
		return nil, err
	}
	shape := l.shape.Clone()
	offsets := make([]int, len(ranges))
	for axis, r := range ranges {
		shape.Dimensions[axis] = r.Size()
		offsets[axis] = r.Begin
	}
	out := Zeros(shape)
	copyBlock(out.data, out.shape, make([]int, len(ranges)), l.data, l.shape, offsets, shape.Dimensions)
	return out, nil
}

// SetSlice copies src into the block of the tensor starting at the given offsets.
func (l *Local) SetSlice(src *Local, offsets []int) error {
	if src.shape.DType != l.shape.DType {
		return errs.Errorf(errs.InvalidArgument, "cannot copy %s into %s: dtypes differ", src.shape, l.shape)
	}
	if len(offsets) != src.shape.Rank() {
		return errs.Errorf(errs.InvalidArgument, "got %d offsets for source of shape %s", len(offsets), src.shape)
	}
	ranges := make([]sbp.Range, len(offsets))
	for axis, offset := range offsets {
		ranges[axis] = sbp.Range{Begin: offset, End: offset + src.shape.Dimensions[axis]}
	}
	if err := l.checkRanges(ranges); err != nil {
		return err
	}
	copyBlock(l.data, l.shape, offsets, src.data, src.shape, make([]int, len(offsets)), src.shape.Dimensions)
	return nil
}

// copyBlock copies a block of the given dimensions from src (starting at srcOffsets) into dst (starting at
// dstOffsets). Rows along the last axis are contiguous and copied at once.
func copyBlock(dst []byte, dstShape shapes.Shape, dstOffsets []int, src []byte, srcShape shapes.Shape, srcOffsets []int, block []int) {
	elemSize := int(dstShape.DType.Memory())
	rank := len(block)
	if rank == 0 {
		copy(dst[:elemSize], src[:elemSize])
		return
	}
	for _, dim := range block {
		if dim == 0 {
			return
		}
	}
	dstStrides, srcStrides := dstShape.Strides(), srcShape.Strides()
	var copyAxis func(axis, dstPos, srcPos int)
	copyAxis = func(axis, dstPos, srcPos int) {
		if axis == rank-1 {
			n := block[axis] * elemSize
			d := (dstPos + dstOffsets[axis]) * elemSize
			s := (srcPos + srcOffsets[axis]) * elemSize
			copy(dst[d:d+n], src[s:s+n])
			return
		}
		for i := range block[axis] {
			copyAxis(axis+1,
				dstPos+(dstOffsets[axis]+i)*dstStrides[axis],
				srcPos+(srcOffsets[axis]+i)*srcStrides[axis])
		}
	}
	copyAxis(0, 0, 0)
}
