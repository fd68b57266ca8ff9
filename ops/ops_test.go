package ops

import (
	"testing"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/internal/optypes"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/globaltensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewBuiltinRegistry()
	assert.Equal(t, []string{"add", "bias_add", "identity", "input", "matmul", "mul", "reduce_sum", "relu", "tanh", "variable"},
		r.Names())

	def, err := r.Lookup("matmul")
	require.NoError(t, err)
	assert.Equal(t, optypes.Matmul, def.Type)

	_, err = r.Lookup("conv2d")
	assert.True(t, errs.Is(err, errs.NotFound))

	err = r.Register(&Def{Type: optypes.Relu})
	assert.True(t, errs.Is(err, errs.AlreadyExists))
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestInputs(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("add"))
	oc := &conf.OperatorConf{Name: "a", OpType: "add", Inputs: []conf.InputBinding{{Key: "y", Lbn: "q/out"}, {Key: "x", Lbn: "p/out"}}}
	blobs, err := def.Inputs(oc)
	require.NoError(t, err)
	assert.Equal(t, []InputBlob{{Bn: "x_0", Lbn: "p/out"}, {Bn: "y_0", Lbn: "q/out"}}, blobs)
	assert.Equal(t, []string{"z"}, def.Outputs(oc))

	oc.Inputs = append(oc.Inputs, conf.InputBinding{Key: "w", Lbn: "r/out"})
	_, err = def.Inputs(oc)
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	oc.Inputs = oc.Inputs[:1]
	_, err = def.Inputs(oc)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestInferSource(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("input"))
	oc := &conf.OperatorConf{Name: "in", OpType: "input"}
	_, err := def.InferShapes(oc, nil)
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	oc.SetAttr("shape", conf.IntsAttr(4, 2))
	outputs := must.M1(def.InferShapes(oc, nil))
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 2), outputs[0])

	oc.SetAttr("dtype", conf.StringAttr("int64"))
	outputs = must.M1(def.InferShapes(oc, nil))
	assert.Equal(t, shapes.Make(dtypes.Int64, 4, 2), outputs[0])

	oc.SetAttr("dtype", conf.StringAttr("float128"))
	_, err = def.InferShapes(oc, nil)
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	candidates := def.CandidateSignatures(oc, nil, []shapes.Shape{shapes.Make(dtypes.Float32, 4, 2)})
	require.Len(t, candidates, 3)
	assert.Equal(t, sbp.Broadcast(), candidates[0].Outputs[0])
	assert.Equal(t, sbp.Split(1), candidates[2].Outputs[0])
}

func TestMatmulSignatures(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("matmul"))
	oc := &conf.OperatorConf{Name: "mm", OpType: "matmul"}
	a, b := shapes.Make(dtypes.Float32, 4, 3), shapes.Make(dtypes.Float32, 3, 5)
	outputs := must.M1(def.InferShapes(oc, []shapes.Shape{a, b}))
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 5), outputs[0])

	candidates := def.CandidateSignatures(oc, []shapes.Shape{a, b}, outputs)
	require.Len(t, candidates, 6)
	assert.Equal(t, Signature{
		Inputs:  []sbp.Sbp{sbp.Split(1), sbp.Split(0)},
		Outputs: []sbp.Sbp{sbp.PartialSum()},
	}, candidates[2])
	assert.Equal(t, Signature{
		Inputs:  []sbp.Sbp{sbp.Broadcast(), sbp.Broadcast()},
		Outputs: []sbp.Sbp{sbp.Broadcast()},
	}, candidates[5])

	oc.SetAttr("transpose_b", conf.BoolAttr(true))
	candidates = def.CandidateSignatures(oc, nil, nil)
	assert.Equal(t, []sbp.Sbp{sbp.Broadcast(), sbp.Split(0)}, candidates[1].Inputs)
	assert.Equal(t, []sbp.Sbp{sbp.Split(1), sbp.Split(1)}, candidates[2].Inputs)
}

func TestBinarySignatures(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("mul"))
	oc := &conf.OperatorConf{Name: "m", OpType: "mul"}
	x, y := shapes.Make(dtypes.Float32, 4, 3), shapes.Make(dtypes.Float32, 1, 3)
	outputs := must.M1(def.InferShapes(oc, []shapes.Shape{x, y}))
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 3), outputs[0])

	candidates := def.CandidateSignatures(oc, []shapes.Shape{x, y}, outputs)
	assert.Equal(t, []sbp.Sbp{sbp.Split(0), sbp.Broadcast()}, candidates[0].Inputs)
	assert.Equal(t, []sbp.Sbp{sbp.Split(1), sbp.Split(1)}, candidates[1].Inputs)
	assert.Equal(t, []sbp.Sbp{sbp.PartialSum(), sbp.Broadcast()}, candidates[2].Inputs)
}

func TestReduceSumSignatures(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("reduce_sum"))
	oc := &conf.OperatorConf{Name: "r", OpType: "reduce_sum"}
	oc.SetAttr("axes", conf.IntsAttr(0))
	x := shapes.Make(dtypes.Float32, 4, 3)
	outputs := must.M1(def.InferShapes(oc, []shapes.Shape{x}))
	assert.Equal(t, shapes.Make(dtypes.Float32, 3), outputs[0])

	candidates := def.CandidateSignatures(oc, []shapes.Shape{x}, outputs)
	assert.Equal(t, Signature{Inputs: []sbp.Sbp{sbp.Split(0)}, Outputs: []sbp.Sbp{sbp.PartialSum()}}, candidates[0])
	assert.Equal(t, Signature{Inputs: []sbp.Sbp{sbp.Split(1)}, Outputs: []sbp.Sbp{sbp.Split(0)}}, candidates[1])
}

func TestBiasAddSignatures(t *testing.T) {
	def := must.M1(NewBuiltinRegistry().Lookup("bias_add"))
	oc := &conf.OperatorConf{Name: "ba", OpType: "bias_add"}
	a, b := shapes.Make(dtypes.Float32, 8, 3), shapes.Make(dtypes.Float32, 3)
	outputs := must.M1(def.InferShapes(oc, []shapes.Shape{a, b}))
	candidates := def.CandidateSignatures(oc, []shapes.Shape{a, b}, outputs)
	require.Len(t, candidates, 3)
	assert.Equal(t, []sbp.Sbp{sbp.Split(0), sbp.Broadcast()}, candidates[0].Inputs)
	assert.Equal(t, []sbp.Sbp{sbp.Split(1), sbp.Split(0)}, candidates[1].Inputs)
}
