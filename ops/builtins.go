package ops

import (
	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/internal/optypes"
	"github.com/gomlx/globaltensor/internal/utils"
	"github.com/gomlx/globaltensor/shapeinference"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// RegisterBuiltins registers the builtin operators:
//
//   - input, variable: source operators with attributes "shape" (list_i) and "dtype" (s, default "float32").
//   - identity, relu, tanh: element-wise unary operators, input "x".
//   - add, mul: element-wise binary operators with broadcasting, inputs "x" and "y".
//   - bias_add: inputs "a" and "b", attribute "axis" (default 1).
//   - matmul: inputs "a" and "b", attributes "transpose_a" and "transpose_b".
//   - reduce_sum: input "x", attributes "axes" (default all) and "keep_dims".
func RegisterBuiltins(r *Registry) error {
	defs := []*Def{
		{Type: optypes.Input, DefaultOutputs: []string{"out"}, InferShapes: inferSource, Signatures: sourceSignatures},
		{Type: optypes.Variable, DefaultOutputs: []string{"out"}, InferShapes: inferSource, Signatures: sourceSignatures},
		unaryDef(optypes.Identity, true),
		unaryDef(optypes.Relu, false),
		unaryDef(optypes.Tanh, false),
		binaryDef(optypes.Add),
		binaryDef(optypes.Mul),
		{
			Type:           optypes.BiasAdd,
			InputKeys:      []string{"a", "b"},
			DefaultOutputs: []string{"out"},
			InferShapes: func(oc *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error) {
				output, err := shapeinference.BiasAdd(inputs[0], inputs[1], biasAxis(oc))
				return []shapes.Shape{output}, err
			},
			Signatures: biasAddSignatures,
		},
		{
			Type:           optypes.Matmul,
			InputKeys:      []string{"a", "b"},
			DefaultOutputs: []string{"out"},
			InferShapes: func(oc *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error) {
				transposeA, _ := oc.AttrBool("transpose_a")
				transposeB, _ := oc.AttrBool("transpose_b")
				output, err := shapeinference.Matmul(inputs[0], inputs[1], transposeA, transposeB)
				return []shapes.Shape{output}, err
			},
			Signatures: matmulSignatures,
		},
		{
			Type:           optypes.ReduceSum,
			InputKeys:      []string{"x"},
			DefaultOutputs: []string{"out"},
			InferShapes: func(oc *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error) {
				keepDims, _ := oc.AttrBool("keep_dims")
				output, err := shapeinference.ReduceSum(inputs[0], reduceAxes(oc, inputs[0].Rank()), keepDims)
				return []shapes.Shape{output}, err
			},
			Signatures: reduceSumSignatures,
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func inferSource(oc *conf.OperatorConf, _ []shapes.Shape) ([]shapes.Shape, error) {
	dims, found := oc.AttrInts("shape")
	if !found {
		return nil, errs.Errorf(errs.InvalidArgument, "operator %q requires attribute \"shape\"", oc.Name)
	}
	dtype := dtypes.Float32
	if name, found := oc.AttrString("dtype"); found {
		dtype = utils.DTypeFromWire(name)
		if dtype == dtypes.InvalidDType {
			return nil, errs.Errorf(errs.InvalidArgument, "operator %q has unknown dtype %q", oc.Name, name)
		}
	}
	shape := shapes.Make(dtype)
	for _, dim := range dims {
		if dim < 0 {
			return nil, errs.Errorf(errs.InvalidArgument, "operator %q has negative dimension in shape %v", oc.Name, dims)
		}
		shape.Dimensions = append(shape.Dimensions, int(dim))
	}
	return []shapes.Shape{shape}, nil
}

func sourceSignatures(_ *conf.OperatorConf, _, outputs []shapes.Shape) []Signature {
	candidates := []Signature{{Outputs: []sbp.Sbp{sbp.Broadcast()}}}
	for axis := range outputs[0].Rank() {
		candidates = append(candidates, Signature{Outputs: []sbp.Sbp{sbp.Split(axis)}})
	}
	return candidates
}

func unaryDef(opType optypes.OpType, linear bool) *Def {
	return &Def{
		Type:           opType,
		InputKeys:      []string{"x"},
		DefaultOutputs: []string{"y"},
		InferShapes: func(_ *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error) {
			output, err := shapeinference.UnaryOp(opType, inputs[0])
			return []shapes.Shape{output}, err
		},
		Signatures: func(_ *conf.OperatorConf, inputs, _ []shapes.Shape) []Signature {
			var candidates []Signature
			for axis := range inputs[0].Rank() {
				s := sbp.Split(axis)
				candidates = append(candidates, Signature{Inputs: []sbp.Sbp{s}, Outputs: []sbp.Sbp{s}})
			}
			if linear {
				candidates = append(candidates,
					Signature{Inputs: []sbp.Sbp{sbp.PartialSum()}, Outputs: []sbp.Sbp{sbp.PartialSum()}})
			}
			return candidates
		},
	}
}

func binaryDef(opType optypes.OpType) *Def {
	return &Def{
		Type:           opType,
		InputKeys:      []string{"x", "y"},
		DefaultOutputs: []string{"z"},
		InferShapes: func(_ *conf.OperatorConf, inputs []shapes.Shape) ([]shapes.Shape, error) {
			output, err := shapeinference.BinaryOp(opType, inputs[0], inputs[1])
			return []shapes.Shape{output}, err
		},
		Signatures: func(_ *conf.OperatorConf, inputs, outputs []shapes.Shape) []Signature {
			x, y, z := inputs[0], inputs[1], outputs[0]
			var candidates []Signature
			for axis := range z.Rank() {
				// An operand that is broadcast along axis (scalar or dimension 1) stays whole.
				xs, ys := sbp.Broadcast(), sbp.Broadcast()
				if !x.IsScalar() && x.Dimensions[axis] == z.Dimensions[axis] {
					xs = sbp.Split(axis)
				}
				if !y.IsScalar() && y.Dimensions[axis] == z.Dimensions[axis] {
					ys = sbp.Split(axis)
				}
				if xs.IsSplit() || ys.IsSplit() {
					candidates = append(candidates,
						Signature{Inputs: []sbp.Sbp{xs, ys}, Outputs: []sbp.Sbp{sbp.Split(axis)}})
				}
			}
			p, b := sbp.PartialSum(), sbp.Broadcast()
			if opType == optypes.Add {
				candidates = append(candidates, Signature{Inputs: []sbp.Sbp{p, p}, Outputs: []sbp.Sbp{p}})
			} else {
				candidates = append(candidates,
					Signature{Inputs: []sbp.Sbp{p, b}, Outputs: []sbp.Sbp{p}},
					Signature{Inputs: []sbp.Sbp{b, p}, Outputs: []sbp.Sbp{p}})
			}
			return candidates
		},
	}
}

func biasAxis(oc *conf.OperatorConf) int {
	if axis, found := oc.AttrInt("axis"); found {
		return int(axis)
	}
	return 1
}

func biasAddSignatures(oc *conf.OperatorConf, inputs, _ []shapes.Shape) []Signature {
	rank := inputs[0].Rank()
	axis, err := shapeinference.AdjustAxisToRank(biasAxis(oc), rank)
	if err != nil {
		return nil
	}
	var candidates []Signature
	for i := range rank {
		if i == axis {
			continue
		}
		candidates = append(candidates, Signature{
			Inputs:  []sbp.Sbp{sbp.Split(i), sbp.Broadcast()},
			Outputs: []sbp.Sbp{sbp.Split(i)},
		})
	}
	candidates = append(candidates, Signature{
		Inputs:  []sbp.Sbp{sbp.Split(axis), sbp.Split(0)},
		Outputs: []sbp.Sbp{sbp.Split(axis)},
	})
	return candidates
}

func matmulSignatures(oc *conf.OperatorConf, _, _ []shapes.Shape) []Signature {
	transposeA, _ := oc.AttrBool("transpose_a")
	transposeB, _ := oc.AttrBool("transpose_b")
	aRows, aContracting := 0, 1
	if transposeA {
		aRows, aContracting = 1, 0
	}
	bContracting, bCols := 0, 1
	if transposeB {
		bContracting, bCols = 1, 0
	}
	s, b, p := sbp.Split, sbp.Broadcast(), sbp.PartialSum()
	return []Signature{
		{Inputs: []sbp.Sbp{s(aRows), b}, Outputs: []sbp.Sbp{s(0)}},
		{Inputs: []sbp.Sbp{b, s(bCols)}, Outputs: []sbp.Sbp{s(1)}},
		{Inputs: []sbp.Sbp{s(aContracting), s(bContracting)}, Outputs: []sbp.Sbp{p}},
		{Inputs: []sbp.Sbp{p, b}, Outputs: []sbp.Sbp{p}},
		{Inputs: []sbp.Sbp{b, p}, Outputs: []sbp.Sbp{p}},
	}
}

// reduceAxes returns the "axes" attribute, or all axes if not set.
func reduceAxes(oc *conf.OperatorConf, rank int) []int {
	attr, found := oc.AttrInts("axes")
	axes := make([]int, 0, rank)
	if !found {
		for axis := range rank {
			axes = append(axes, axis)
		}
		return axes
	}
	for _, axis := range attr {
		axes = append(axes, int(axis))
	}
	return axes
}

func reduceSumSignatures(oc *conf.OperatorConf, inputs, _ []shapes.Shape) []Signature {
	rank := inputs[0].Rank()
	keepDims, _ := oc.AttrBool("keep_dims")
	reduced := utils.MakeSet[int]()
	for _, axis := range reduceAxes(oc, rank) {
		adjusted, err := shapeinference.AdjustAxisToRank(axis, rank)
		if err != nil {
			return nil
		}
		reduced.Insert(adjusted)
	}
	var candidates []Signature
	outAxis := 0
	for axis := range rank {
		if reduced.Has(axis) {
			candidates = append(candidates, Signature{
				Inputs:  []sbp.Sbp{sbp.Split(axis)},
				Outputs: []sbp.Sbp{sbp.PartialSum()},
			})
			if keepDims {
				outAxis++
			}
			continue
		}
		candidates = append(candidates, Signature{
			Inputs:  []sbp.Sbp{sbp.Split(axis)},
			Outputs: []sbp.Sbp{sbp.Split(outAxis)},
		})
		outAxis++
	}
	candidates = append(candidates, Signature{
		Inputs:  []sbp.Sbp{sbp.PartialSum()},
		Outputs: []sbp.Sbp{sbp.PartialSum()},
	})
	return candidates
}
