package shapes

import (
	"reflect"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/gopjrt/dtypes"
)

// FromValue returns the shape of a Go value: a scalar of a supported dtype, or (nested) slices of one.
// Nested slices must be regular and non-empty.
//
// Example:
//
//	shape, err := shapes.FromValue([][]float32{{0, 1, 2}, {3, 4, 5}}) // (Float32)[2 3]
func FromValue(v any) (Shape, error) {
	if v == nil {
		return Invalid(), errs.New(errs.InvalidArgument, "can't take the shape of a nil value")
	}
	var shape Shape
	if err := shapeOf(&shape, reflect.ValueOf(v)); err != nil {
		return Invalid(), err
	}
	return shape, nil
}

// shapeOf appends the dimensions of v to shape and sets its dtype from the innermost element type.
func shapeOf(shape *Shape, v reflect.Value) error {
	if v.Kind() != reflect.Slice {
		shape.DType = dtypes.FromGoType(v.Type())
		if shape.DType == dtypes.InvalidDType {
			return errs.Errorf(errs.InvalidArgument, "type %s has no tensor dtype", v.Type())
		}
		return nil
	}
	if v.Len() == 0 {
		return errs.Errorf(errs.InvalidArgument, "empty slice %s: inner dimensions are unknown", v.Type())
	}
	prefix := len(shape.Dimensions)
	shape.Dimensions = append(shape.Dimensions, v.Len())
	if err := shapeOf(shape, v.Index(0)); err != nil {
		return err
	}
	for i := 1; i < v.Len(); i++ {
		sub := Shape{Dimensions: append([]int(nil), shape.Dimensions[:prefix+1]...)}
		if err := shapeOf(&sub, v.Index(i)); err != nil {
			return err
		}
		if !shape.Equal(sub) {
			return errs.Errorf(errs.InvalidArgument, "irregular slices: element #%d has shape %s, element #0 has %s",
				i, sub, *shape)
		}
	}
	return nil
}
