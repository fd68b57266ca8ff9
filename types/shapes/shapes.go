// Package shapes defines Shape: a dtype and the dimensions of a tensor.
//
// The same type is used for logical (global) shapes and for the physical shape of a shard.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor: its data type and dimensions. A scalar has no dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if s.Dimensions == nil {
		s.Dimensions = []int{}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Make(dtype)
}

// Invalid returns an invalid shape: Ok() returns false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether the shape is valid: a known dtype and no negative dimension.
func (s Shape) Ok() bool {
	if s.DType == dtypes.InvalidDType {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Rank is the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return s.Ok() && len(s.Dimensions) == 0
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis += s.Rank()
	}
	return s.Dimensions[axis]
}

// Size is the number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes used to store the elements of the shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Strides returns the row-major strides, in elements, of each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares only the dimensions.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDim returns a copy of the shape with the dimension of axis replaced.
func (s Shape) WithDim(axis, dim int) Shape {
	s2 := s.Clone()
	s2.Dimensions[axis] = dim
	return s2
}

// String implements fmt.Stringer: "(Float32)[2 3]".
func (s Shape) String() string {
	if !s.Ok() && s.DType == dtypes.InvalidDType {
		return "(Invalid)"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)", s.DType)
	if s.Rank() == 0 {
		return sb.String()
	}
	_, _ = fmt.Fprintf(&sb, "%v", s.Dimensions)
	return sb.String()
}

// Check returns an error if the shape doesn't have the given dtype and dimensions.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if s.DType != dtype || !slices.Equal(s.Dimensions, dimensions) {
		return errors.Errorf("shape %s doesn't match wanted %s", s, Make(dtype, dimensions...))
	}
	return nil
}
