package shapeinference

import (
	"fmt"
	"testing"

	"github.com/gomlx/globaltensor/internal/optypes"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Aliases
var (
	Bool = dtypes.Bool
	I8   = dtypes.Int8
	I32  = dtypes.Int32
	F32  = dtypes.Float32
	U64  = dtypes.Uint64

	S = shapes.Make
)

// must1 panics if there is an error.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func panics(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic, but code did not panic")
		}
	}()
	f()
}

func TestBinaryOp(t *testing.T) {
	// Invalid data types check.
	var err error
	_, err = BinaryOp(optypes.Mul, S(Bool, 1), S(Bool, 1))
	if err == nil {
		t.Error("expected error for Mul(Bool, Bool), got nil")
	}
	_, err = BinaryOp(optypes.Add, S(F32, 1), S(I32, 1))
	if err == nil {
		t.Error("expected error for Add(F32, I32), got nil")
	}

	// Invalid operation type (not binary op).
	_, err = BinaryOp(optypes.Relu, S(F32), S(F32))
	if err == nil {
		t.Error("expected error for Relu(F32, F32), got nil")
	}

	// The same shape should be ok.
	var output shapes.Shape
	intMatrixShape := S(I8, 3, 3)
	output, err = BinaryOp(optypes.Add, intMatrixShape, intMatrixShape)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !intMatrixShape.Equal(output) {
		t.Errorf("expected output shape %s, got %s", intMatrixShape, output)
	}

	// Scalar with matrix, both orders.
	scalarShape := S(F32)
	matrixShape := S(F32, 2, 3)
	if output = must1(BinaryOp(optypes.Add, scalarShape, matrixShape)); !matrixShape.Equal(output) {
		t.Errorf("expected output shape %s, got %s", matrixShape, output)
	}
	if output = must1(BinaryOp(optypes.Mul, matrixShape, scalarShape)); !matrixShape.Equal(output) {
		t.Errorf("expected output shape %s, got %s", matrixShape, output)
	}

	// Broadcasting.
	shape1 := S(F32, 2, 1, 3)
	shape2 := S(F32, 1, 4, 3)
	expectedBroadcastShape := S(F32, 2, 4, 3)
	if output = must1(BinaryOp(optypes.Mul, shape1, shape2)); !expectedBroadcastShape.Equal(output) {
		t.Errorf("expected output shape %s, got %s", expectedBroadcastShape, output)
	}

	// Invalid broadcasting shapes.
	_, err = BinaryOp(optypes.Add, S(F32, 2, 3), S(F32, 3, 2))
	if err == nil {
		t.Error("expected error for Add([2 3], [3 2]), got nil")
	}
	_, err = BinaryOp(optypes.Add, S(F32, 2, 3), S(F32, 3))
	if err == nil {
		t.Error("expected error for Add with different ranks, got nil")
	}
}

func TestUnaryOp(t *testing.T) {
	// Invalid data types check.
	panics(t, func() { must1(UnaryOp(optypes.Tanh, S(I32))) })
	panics(t, func() { must1(UnaryOp(optypes.Relu, S(Bool))) })

	// Invalid operation type (not unary op).
	panics(t, func() { must1(UnaryOp(optypes.Add, S(F32))) })

	// Valid operations
	intShape := S(I8, 3, 3)
	if out := must1(UnaryOp(optypes.Relu, intShape)); !intShape.Equal(out) {
		t.Errorf("expected %s, got %s", intShape, out)
	}
	floatShape := S(F32, 2, 3)
	if out := must1(UnaryOp(optypes.Tanh, floatShape)); !floatShape.Equal(out) {
		t.Errorf("expected %s, got %s", floatShape, out)
	}
	boolShape := S(Bool, 4)
	if out := must1(UnaryOp(optypes.Identity, boolShape)); !boolShape.Equal(out) {
		t.Errorf("expected %s, got %s", boolShape, out)
	}
}

func TestBiasAdd(t *testing.T) {
	if err := must1(BiasAdd(S(F32, 4, 3), S(F32, 3), -1)).Check(F32, 4, 3); err != nil {
		t.Errorf("BiasAdd: %v", err)
	}
	if err := must1(BiasAdd(S(F32, 4, 3), S(F32, 4), 0)).Check(F32, 4, 3); err != nil {
		t.Errorf("BiasAdd: %v", err)
	}
	panics(t, func() { must1(BiasAdd(S(F32, 4, 3), S(F32, 4), 1)) })
	panics(t, func() { must1(BiasAdd(S(F32, 4, 3), S(F32, 1, 3), 1)) })
	panics(t, func() { must1(BiasAdd(S(F32, 4, 3), S(I32, 3), 1)) })
	panics(t, func() { must1(BiasAdd(S(F32, 4, 3), S(F32, 3), 2)) })
}

func TestReduceSum(t *testing.T) {
	axes := []int{-1}
	if err := must1(ReduceSum(S(F32, 4, 3, 2), axes, false)).Check(F32, 4, 3); err != nil {
		t.Errorf("ReduceSum: %v", err)
	}
	if axes[0] != 2 {
		t.Errorf("expected negative axis to be adjusted to 2, got %d", axes[0])
	}
	if err := must1(ReduceSum(S(F32, 4, 3, 2), []int{0, 2}, true)).Check(F32, 1, 3, 1); err != nil {
		t.Errorf("ReduceSum(keepDims): %v", err)
	}
	if err := must1(ReduceSum(S(I32, 4, 3), []int{0, 1}, false)).Check(I32); err != nil {
		t.Errorf("ReduceSum(all): %v", err)
	}
	panics(t, func() { must1(ReduceSum(S(F32, 4), []int{1}, false)) })
	panics(t, func() { must1(ReduceSum(S(F32, 4, 3), []int{0, -2}, false)) })
}

func TestMatmul(t *testing.T) {
	if err := must1(Matmul(S(F32, 4, 3), S(F32, 3, 5), false, false)).Check(F32, 4, 5); err != nil {
		t.Errorf("Matmul: %v", err)
	}
	if err := must1(Matmul(S(F32, 3, 4), S(F32, 5, 3), true, true)).Check(F32, 4, 5); err != nil {
		t.Errorf("Matmul(transposed): %v", err)
	}
	panics(t, func() { must1(Matmul(S(F32, 4, 3), S(F32, 4, 5), false, false)) })
	panics(t, func() { must1(Matmul(S(F32, 4, 3, 1), S(F32, 3, 5), false, false)) })
	panics(t, func() { must1(Matmul(S(Bool, 4, 3), S(Bool, 3, 5), false, false)) })
}

func TestDotGeneral(t *testing.T) {
	lhs, rhs := S(F32, 2, 3, 4, 5), S(F32, 5, 1, 2, 3)
	output, err := DotGeneral(
		lhs, []int{1}, []int{3, 0},
		rhs, []int{3}, []int{0, 2},
		F32)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Batch dims: 5 , 2
	// Contracting dims: 3
	// Cross dims: 4 (lhs) and 1 (rhs)
	fmt.Printf("\tdotgeneral.shape=%s\n", output)
	if err := output.Check(F32, 5, 2, 4, 1); err != nil {
		t.Errorf("output check failed: %v", err)
	}
	_, err = DotGeneral(lhs, []int{1}, nil, rhs, []int{1}, nil, F32)
	if err == nil {
		t.Error("expected error for mismatched contracting dimensions")
	}
}
