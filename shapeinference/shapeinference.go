// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// It works on logical (global) shapes: the distribution of the values doesn't change the shape of the result.
//
// It defines a BinaryOp function for shape inference for the binary element-wise functions, using the
// standard broadcasting rules, and UnaryOp for element-wise functions that don't change the shape.
// For the remainder operations, each one gets its own shape inference function.
package shapeinference

import (
	"slices"

	"github.com/gomlx/globaltensor/internal/optypes"
	"github.com/gomlx/globaltensor/internal/utils"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// NumberOperations can take any type of number as input: integers or floats.
	NumberOperations = utils.SetWith(
		optypes.Add,
		optypes.Mul,
		optypes.Relu,
		optypes.BiasAdd,
		optypes.Matmul,
		optypes.ReduceSum,
	)

	// FloatOperations operates only on floats.
	FloatOperations = utils.SetWith(
		optypes.Tanh,
	)

	// StandardBinaryOperations include all operations that have two operands usually named lhs
	// (left-hand-side) and rhs (right-hand-side), and that broadcast dimensions of size 1.
	StandardBinaryOperations = utils.SetWith(
		optypes.Add,
		optypes.Mul,
	)

	// StandardUnaryOperations include all operations that have a single operand as input, and the return
	// shape is the same as the input.
	StandardUnaryOperations = utils.SetWith(
		optypes.Identity,
		optypes.Relu,
		optypes.Tanh,
	)
)

func checkDType(opType optypes.OpType, shape shapes.Shape) error {
	if NumberOperations.Has(opType) && !(shape.DType.IsInt() || shape.DType.IsFloat()) {
		return errors.Errorf("numeric op %s must have a number (Int32, Float32, ...) data type as input, got %s",
			opType, shape)
	}
	if FloatOperations.Has(opType) && !shape.DType.IsFloat() {
		return errors.Errorf("float op %s must have a float (Float32, Float64, ...) data type as input, got %s",
			opType, shape)
	}
	return nil
}

// BinaryOp returns the expected output shape for ops in the StandardBinaryOperations set.
//
// Scalars are broadcast to the shape of the other operand; otherwise ranks must match and each pair of
// dimensions must be equal or one of them must be 1.
//
// It returns an error if the data type (shape.DType) is invalid for the operation or if the dtypes don't match.
func BinaryOp(opType optypes.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if !StandardBinaryOperations.Has(opType) {
		err = errors.Errorf("operations %s is not in the StandardBinaryOperations set, cannot process it with BinaryOp", opType)
		return
	}
	if !lhsShape.Ok() || !rhsShape.Ok() {
		err = errors.Errorf("invalid shape for %s or %s for %q", lhsShape, rhsShape, opType)
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if err = checkDType(opType, lhsShape); err != nil {
		return
	}
	return binaryOpImpl(opType, lhsShape, rhsShape)
}

func binaryOpImpl(opType optypes.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	// Trivial cases: if one of the sides is a scalar, return the other side shape.
	if lhsShape.IsScalar() {
		return rhsShape.Clone(), nil
	}
	if rhsShape.IsScalar() {
		return lhsShape.Clone(), nil
	}

	// Other cases, either the dimensions match or one of them is 1.
	if lhsShape.Rank() != rhsShape.Rank() {
		err = errors.Errorf("if operands are not scalars, their rank must match for BinaryOp (%s), got shapes %s and %s",
			opType, lhsShape, rhsShape)
		return
	}
	output = lhsShape.Clone()
	for axis := range output.Rank() {
		lhsDim := lhsShape.Dimensions[axis]
		rhsDim := rhsShape.Dimensions[axis]
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			err = errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for BinaryOp (%s), got shapes %s and %s",
				axis, opType, lhsShape, rhsShape)
			return
		}
		output.Dimensions[axis] = max(lhsDim, rhsDim)
	}
	return
}

// UnaryOp checks the validity of the data type for StandardUnaryOperations and returns either an error or
// the output shape, which is the same as the operand.
func UnaryOp(opType optypes.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !StandardUnaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not in the StandardUnaryOperations set, cannot process it with UnaryOp", opType)
		return
	}
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for UnaryOp %s", operand, opType)
		return
	}
	if err = checkDType(opType, operand); err != nil {
		return
	}
	output = operand.Clone()
	return
}

// BiasAdd returns the shape of adding a 1D bias to the given axis of the operand.
func BiasAdd(operand, bias shapes.Shape, axis int) (output shapes.Shape, err error) {
	if !operand.Ok() || !bias.Ok() {
		err = errors.Errorf("invalid shapes %s or %s for BiasAdd", operand, bias)
		return
	}
	if operand.DType != bias.DType {
		err = errors.Errorf("data types (DType) for BiasAdd must match, got %s and %s", operand, bias)
		return
	}
	if err = checkDType(optypes.BiasAdd, operand); err != nil {
		return
	}
	if bias.Rank() != 1 {
		err = errors.Errorf("BiasAdd bias must have rank 1, got %s", bias)
		return
	}
	axis, err = AdjustAxisToRank(axis, operand.Rank())
	if err != nil {
		err = errors.WithMessagef(err, "while adjusting axis for BiasAdd(operand=%s)", operand)
		return
	}
	if operand.Dimensions[axis] != bias.Dimensions[0] {
		err = errors.Errorf("BiasAdd bias %s doesn't match operand %s dimension on axis %d", bias, operand, axis)
		return
	}
	output = operand.Clone()
	return
}

// ReduceSum returns the shape of summing the operand over the given axes.
// If keepDims is true, the reduced axes are kept with dimension 1.
//
// It also has a side effect on the axes: negative axes are converted to their positive counterparts.
func ReduceSum(operand shapes.Shape, axes []int, keepDims bool) (output shapes.Shape, err error) {
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for ReduceSum", operand)
		return
	}
	if err = checkDType(optypes.ReduceSum, operand); err != nil {
		return
	}
	reduced := utils.MakeSet[int](len(axes))
	for ii, axis := range axes {
		axes[ii], err = AdjustAxisToRank(axis, operand.Rank())
		if err != nil {
			err = errors.WithMessagef(err, "while adjusting axes for ReduceSum(operand=%s, axes=%v)", operand, axes)
			return
		}
		if reduced.Has(axes[ii]) {
			err = errors.Errorf("ReduceSum axis %d given more than once", axes[ii])
			return
		}
		reduced.Insert(axes[ii])
	}
	output = shapes.Make(operand.DType)
	for axis, dim := range operand.Dimensions {
		switch {
		case !reduced.Has(axis):
			output.Dimensions = append(output.Dimensions, dim)
		case keepDims:
			output.Dimensions = append(output.Dimensions, 1)
		}
	}
	return
}

// AdjustAxisToRank returns a positive axis, adjusting negative numbers to the correct rank.
func AdjustAxisToRank(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return -1, errors.Errorf("axis %d is out of range for the rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

// Matmul returns the shape of a matrix multiplication of two rank-2 operands, optionally transposed.
func Matmul(lhs, rhs shapes.Shape, transposeA, transposeB bool) (output shapes.Shape, err error) {
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		err = errors.Errorf("Matmul requires rank-2 operands, got %s and %s", lhs, rhs)
		return
	}
	if err = checkDType(optypes.Matmul, lhs); err != nil {
		return
	}
	lhsContracting, rhsContracting := 1, 0
	if transposeA {
		lhsContracting = 0
	}
	if transposeB {
		rhsContracting = 1
	}
	output, err = DotGeneral(lhs, []int{lhsContracting}, nil, rhs, []int{rhsContracting}, nil, lhs.DType)
	if err != nil {
		err = errors.WithMessagef(err, "Matmul(%s, %s, transposeA=%v, transposeB=%v)", lhs, rhs, transposeA, transposeB)
	}
	return
}

// DotGeneral returns the shape resulting from the corresponding operations.
//
// It also has a side effect on the axes' specifications: it converts negative axes to their
// corresponding positive axes.
func DotGeneral(
	lhs shapes.Shape, lhsContractingAxes, lhsBatchAxes []int,
	rhs shapes.Shape, rhsContractingAxes, rhsBatchAxes []int,
	outputDType dtypes.DType) (output shapes.Shape, err error) {
	dtype := lhs.DType
	if dtype != rhs.DType {
		err = errors.Errorf("DotGeneral lhs (left-hand-side) and rhs operands don't match data types: %s and %s", dtype, rhs.DType)
		return
	}
	if len(lhsContractingAxes) != len(rhsContractingAxes) {
		err = errors.Errorf("DotGeneral number of contracting axes for lhs (%d) doesn't match rhs (%d)",
			len(lhsContractingAxes), len(rhsContractingAxes))
		return
	}
	if len(lhsBatchAxes) != len(rhsBatchAxes) {
		err = errors.Errorf("DotGeneral number of batch axes for lhs (%d) doesn't match rhs (%d)",
			len(lhsBatchAxes), len(rhsBatchAxes))
		return
	}
	lhsRank := lhs.Rank()
	rhsRank := rhs.Rank()

	// Validate and adjust axes.
	for _, spec := range []struct {
		name string
		axes []int
		rank int
	}{
		{"lhsContractingAxes", lhsContractingAxes, lhsRank},
		{"lhsBatchAxes", lhsBatchAxes, lhsRank},
		{"rhsContractingAxes", rhsContractingAxes, rhsRank},
		{"rhsBatchAxes", rhsBatchAxes, rhsRank},
	} {
		for ii, axis := range spec.axes {
			spec.axes[ii], err = AdjustAxisToRank(axis, spec.rank)
			if err != nil {
				err = errors.WithMessagef(err, "while adjusting %s for DotGeneral(lhs=%s, rhs=%s)", spec.name, lhs, rhs)
				return
			}
		}
	}

	// Check that batch and contracting dimensions from lhs and rhs match.
	batchDims := make([]int, len(lhsBatchAxes))
	for ii, lhsAxis := range lhsContractingAxes {
		rhsAxis := rhsContractingAxes[ii]
		if lhs.Dimensions[lhsAxis] != rhs.Dimensions[rhsAxis] {
			err = errors.Errorf("DotGeneral contracting dimensions don't match: lhs[%d]=%d != rhs[%d]=%d",
				lhsAxis, lhs.Dimensions[lhsAxis], rhsAxis, rhs.Dimensions[rhsAxis])
			return
		}
	}
	for ii, lhsAxis := range lhsBatchAxes {
		rhsAxis := rhsBatchAxes[ii]
		if lhs.Dimensions[lhsAxis] != rhs.Dimensions[rhsAxis] {
			err = errors.Errorf("DotGeneral batch dimensions don't match: lhs[%d]=%d != rhs[%d]=%d",
				lhsAxis, lhs.Dimensions[lhsAxis], rhsAxis, rhs.Dimensions[rhsAxis])
			return
		}
		batchDims[ii] = lhs.Dimensions[lhsAxis]
	}

	// Result dimensions: batch, lhs cross, rhs cross.
	resultingDims := slices.Clone(batchDims)
	resultingDims = append(resultingDims, crossDims(lhs, lhsContractingAxes, lhsBatchAxes)...)
	resultingDims = append(resultingDims, crossDims(rhs, rhsContractingAxes, rhsBatchAxes)...)
	output = shapes.Make(outputDType, resultingDims...)
	return
}

func crossDims(shape shapes.Shape, contractingAxes, batchAxes []int) []int {
	var dims []int
	for axis, dim := range shape.Dimensions {
		if !slices.Contains(contractingAxes, axis) && !slices.Contains(batchAxes, axis) {
			dims = append(dims, dim)
		}
	}
	return dims
}
