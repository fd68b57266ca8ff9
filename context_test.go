package globaltensor

import (
	"context"
	"testing"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, mode string, hierarchy []int, devices ...string) *Context {
	c := NewContext("test", Options{})
	require.NoError(t, c.SetJobConf(&conf.JobConfig{
		Mode:                mode,
		Train:               true,
		DefaultParallelConf: &conf.ParallelConf{DeviceTag: "cpu", DeviceNames: devices, Hierarchy: hierarchy},
	}))
	return c
}

func inputOp(name, hint string, dims ...int64) *conf.OperatorConf {
	oc := &conf.OperatorConf{
		Name:   name,
		OpType: "input",
		Attrs:  map[string]conf.AttrValue{"shape": conf.IntsAttr(dims...)},
	}
	if hint != "" {
		oc.SbpHints = map[string]string{"out": hint}
	}
	return oc
}

func unaryOp(name, opType, lbn string) *conf.OperatorConf {
	return &conf.OperatorConf{Name: name, OpType: opType, Inputs: []conf.InputBinding{{Key: "x", Lbn: lbn}}}
}

func TestLbn(t *testing.T) {
	lbi, hint, err := ParseLbn("op1/out")
	require.NoError(t, err)
	assert.Equal(t, LogicalBlobId{OpName: "op1", BlobName: "out"}, lbi)
	assert.Nil(t, hint)
	assert.Equal(t, "op1/out", lbi.String())

	lbi, hint, err = ParseLbn("op1/out:S(0)")
	require.NoError(t, err)
	assert.Equal(t, "op1/out", lbi.String())
	assert.Same(t, must.M1(sbp.ParseNdSbp("S(0)")), hint)

	for _, bad := range []string{"op1", "/out", "op1/", "a/b/c", "op1/out:X"} {
		_, _, err = ParseLbn(bad)
		assert.True(t, errs.Is(err, errs.InvalidArgument), "lbn %q", bad)
	}
}

func TestLifecycle(t *testing.T) {
	c := NewContext("lifecycle", Options{})
	assert.Equal(t, Opened, c.State())
	assert.False(t, c.HasJobConf())

	_, err := c.AddAndInferGlobalOp(inputOp("x", "", 4))
	assert.True(t, errs.Is(err, errs.InvalidState), "no job conf yet")

	err = c.SetJobConf(&conf.JobConfig{JobName: "other"})
	assert.True(t, errs.Is(err, errs.InvalidArgument), "job name mismatch")
	err = c.SetJobConf(&conf.JobConfig{Mode: "turbo"})
	assert.True(t, errs.Is(err, errs.InvalidArgument), "unknown mode")

	require.NoError(t, c.SetJobConf(&conf.JobConfig{
		Mode:                conf.ModeEager,
		DefaultParallelConf: &conf.ParallelConf{DeviceTag: "cpu", DeviceNames: []string{"0:0"}},
	}))
	assert.True(t, c.HasJobConf())
	assert.Equal(t, ConfSet, c.State())
	assert.Equal(t, Eager, c.Mode())
	assert.True(t, errs.Is(c.SetJobConf(&conf.JobConfig{}), errs.InvalidState), "conf can only be set once")

	assert.True(t, errs.Is(c.AddLossLogicalBlobName("x/out"), errs.InvalidState), "not building yet")
	_, err = c.AddAndInferGlobalOp(inputOp("x", "", 4))
	require.NoError(t, err)
	assert.Equal(t, Building, c.State())
	assert.True(t, errs.Is(c.Rebuild(), errs.InvalidState), "rebuild requires a completed job")

	require.NoError(t, c.Complete(context.Background()))
	assert.Equal(t, Completed, c.State())
	_, err = c.AddAndInferGlobalOp(unaryOp("r", "relu", "x/out"))
	assert.True(t, errs.Is(err, errs.InvalidState), "completed jobs are frozen")
}

func TestScenarioUnknownInput(t *testing.T) {
	c := newTestContext(t, "", nil, "0:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("x", "", 8, 4))
	require.NoError(t, err)
	before := c.Job().NumValueMetas()

	_, err = c.AddAndInferGlobalOp(unaryOp("r", "relu", "never/produced"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Equal(t, before, c.Job().NumValueMetas())
	assert.Nil(t, c.Job().Op("r"))
	assert.Len(t, c.Job().Ops(), 1)
}

func TestScenarioLogicalShape(t *testing.T) {
	c := newTestContext(t, "", nil, "0:0-1")
	attr, err := c.AddAndInferGlobalOp(inputOp("op1", "S(0)", 8, 4))
	require.NoError(t, err)
	require.Len(t, attr.Outputs, 1)
	assert.Equal(t, "(S(0))", attr.Outputs[0].NdSbp)

	shape, err := c.GetStaticShape("op1/out")
	require.NoError(t, err)
	assert.NoError(t, shape.Check(dtypes.Float32, 8, 4))
	assert.Equal(t, dtypes.Float32, must.M1(c.GetDataType("op1/out")))
	assert.False(t, must.M1(c.IsDynamic("op1/out")))
	axis, isSplit, err := c.GetSplitAxisFromProducerView("op1/out")
	require.NoError(t, err)
	assert.True(t, isSplit)
	assert.Equal(t, 0, axis)
	placement := must.M1(c.GetParallelDescFromProducerView("op1/out"))
	assert.Equal(t, 2, placement.NumDevices())

	_, err = c.GetStaticShape("op1/missing")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = c.GetStaticShape("no-slash")
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestSignatureInference(t *testing.T) {
	c := newTestContext(t, "", nil, "0:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("x", "S(0)", 8, 4))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(inputOp("w", "", 4, 3))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(inputOp("b", "", 8, 4))
	require.NoError(t, err)

	t.Run("follows the producer", func(t *testing.T) {
		attr, err := c.AddAndInferGlobalOp(unaryOp("relu", "relu", "x/out"))
		require.NoError(t, err)
		assert.Equal(t, "(S(0))", attr.Inputs[0].NdSbp)
		assert.Equal(t, "(S(0))", attr.Outputs[0].NdSbp)
		assert.Empty(t, attr.Boxing)
		assert.Equal(t, "relu/y", attr.Outputs[0].Lbn)
	})

	t.Run("matmul", func(t *testing.T) {
		attr, err := c.AddAndInferGlobalOp(&conf.OperatorConf{
			Name:   "dense",
			OpType: "matmul",
			Inputs: []conf.InputBinding{{Key: "a", Lbn: "relu/y"}, {Key: "b", Lbn: "w/out"}},
		})
		require.NoError(t, err)
		assert.Empty(t, attr.Boxing)
		assert.Equal(t, []int{8, 3}, attr.Outputs[0].Shape)
		assert.Equal(t, "(S(0))", attr.Outputs[0].NdSbp)
	})

	t.Run("conf hint requires boxing", func(t *testing.T) {
		oc := unaryOp("split_b", "tanh", "b/out")
		oc.SbpHints = map[string]string{"in:x_0": "S(1)"}
		attr, err := c.AddAndInferGlobalOp(oc)
		require.NoError(t, err)
		require.Len(t, attr.Boxing, 1)
		assert.Equal(t, conf.BoxingAnnotation{Bn: "x_0", Lbn: "b/out", In: "(B)", Out: "(S(1))", Function: "naive-b-to-s"},
			attr.Boxing[0])
		assert.Equal(t, "(S(1))", attr.Outputs[0].NdSbp)
	})

	t.Run("lbn hint", func(t *testing.T) {
		attr, err := c.AddAndInferGlobalOp(unaryOp("gathered", "relu", "x/out:B"))
		require.NoError(t, err)
		require.Len(t, attr.Boxing, 1)
		assert.Equal(t, "naive-s-to-b", attr.Boxing[0].Function)
		assert.Equal(t, "(B)", attr.Outputs[0].NdSbp)
	})

	t.Run("no boxing function", func(t *testing.T) {
		before := c.Job().NumValueMetas()
		_, err := c.AddAndInferGlobalOp(unaryOp("resplit", "relu", "x/out:S(1)"))
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.PreconditionFailed), "got %v", err)
		assert.Equal(t, before, c.Job().NumValueMetas())
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := c.AddAndInferGlobalOp(inputOp("odd", "", 3, 5))
		require.NoError(t, err)
		before := c.Job().NumValueMetas()
		_, err = c.AddAndInferGlobalOp(&conf.OperatorConf{
			Name:   "s",
			OpType: "add",
			Inputs: []conf.InputBinding{{Key: "x", Lbn: "b/out"}, {Key: "y", Lbn: "odd/out"}},
		})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidArgument), "got %v", err)
		assert.Equal(t, before, c.Job().NumValueMetas())
		assert.Nil(t, c.Job().Op("s"))
	})

	t.Run("bad hints", func(t *testing.T) {
		oc := unaryOp("bad", "relu", "x/out")
		oc.SbpHints = map[string]string{"nothing": "B"}
		_, err := c.AddAndInferGlobalOp(oc)
		assert.True(t, errs.Is(err, errs.InvalidArgument))
		oc.SbpHints = map[string]string{"x_0": "Q"}
		_, err = c.AddAndInferGlobalOp(oc)
		assert.True(t, errs.Is(err, errs.InvalidArgument))
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := c.AddAndInferGlobalOp(unaryOp("relu", "relu", "x/out"))
		assert.True(t, errs.Is(err, errs.AlreadyExists))
		_, err = c.AddAndInferGlobalOp(unaryOp("conv", "conv2d", "x/out"))
		assert.True(t, errs.Is(err, errs.NotFound))
	})

	t.Run("disable boxing", func(t *testing.T) {
		require.NoError(t, c.DisableBoxing("b/out"))
		assert.True(t, must.M1(c.IsDisableBoxing("b/out")))
		oc := unaryOp("pinned", "relu", "b/out")
		oc.SbpHints = map[string]string{"x_0": "S(0)"}
		_, err := c.AddAndInferGlobalOp(oc)
		assert.True(t, errs.Is(err, errs.PreconditionFailed))

		attr, err := c.AddAndInferGlobalOp(unaryOp("follows", "relu", "b/out"))
		require.NoError(t, err)
		assert.Empty(t, attr.Boxing)
	})
}

func TestHierarchy(t *testing.T) {
	c := newTestContext(t, "", []int{2, 2}, "0:0-1", "1:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("x", "(S(0), S(1))", 8, 4))
	require.NoError(t, err)
	attr, err := c.AddAndInferGlobalOp(unaryOp("r", "relu", "x/out"))
	require.NoError(t, err)
	assert.Equal(t, "(S(0), S(1))", attr.Outputs[0].NdSbp)
	assert.Equal(t, []int{2, 2}, attr.ParallelConf.Hierarchy)

	// Splitting 3 rows in 4 parts leaves ranks without data.
	_, err = c.AddAndInferGlobalOp(inputOp("tiny", "(S(0), S(0))", 3, 4))
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
}

func TestPlacementScopes(t *testing.T) {
	c := newTestContext(t, "", nil, "0:0-3")
	scope := must.M1(sbp.ParsePlacement("cpu", []string{"1:0-1"}, nil))
	require.NoError(t, c.PushPlacementScope(scope))
	_, err := c.AddAndInferGlobalOp(inputOp("scoped", "", 4))
	require.NoError(t, err)
	require.NoError(t, c.PopPlacementScope())
	assert.True(t, errs.Is(c.PopPlacementScope(), errs.InvalidState))
	_, err = c.AddAndInferGlobalOp(inputOp("default", "", 4))
	require.NoError(t, err)

	oc := inputOp("explicit", "", 4)
	oc.ParallelConf = &conf.ParallelConf{DeviceTag: "cpu", DeviceNames: []string{"2:0"}}
	_, err = c.AddAndInferGlobalOp(oc)
	require.NoError(t, err)

	assert.Same(t, scope, must.M1(c.GetParallelDescFromProducerView("scoped/out")))
	assert.Equal(t, 4, must.M1(c.GetParallelDescFromProducerView("default/out")).NumDevices())
	assert.Equal(t, []sbp.Device{{Machine: 2, Device: 0}}, must.M1(c.GetParallelDescFromProducerView("explicit/out")).Devices())
}

func TestLocalOps(t *testing.T) {
	for _, tc := range []struct {
		mode      string
		subOps    []string
		subLbi    string
		completed []string
	}{
		{conf.ModeLazy, []string{"r-local0", "r-local1"}, "r-local1/y", []string{"x", "r-local0", "r-local1", "s-local0", "s-local1"}},
		{conf.ModeEager, []string{"r"}, "r/y", []string{"x", "r", "s"}},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			c := newTestContext(t, tc.mode, nil, "0:0-1")
			_, err := c.AddAndInferGlobalOp(inputOp("x", "S(0)", 8, 4))
			require.NoError(t, err)
			attr, err := c.AddAndInferLocalOp(unaryOp("r", "relu", "x/out"))
			require.NoError(t, err)
			assert.Equal(t, tc.subOps, attr.LocalSubOps)

			assert.True(t, c.IsLocalBlob("r/y"))
			assert.False(t, c.IsLocalBlob("x/out"))
			assert.Equal(t, len(tc.subOps), must.M1(c.LocalBlobGetNumSubLbi("r/y")))
			sub, err := c.LocalBlobGetSubLbi("r/y", len(tc.subOps)-1)
			require.NoError(t, err)
			assert.Equal(t, tc.subLbi, sub.String())
			_, err = c.LocalBlobGetSubLbi("r/y", len(tc.subOps))
			assert.True(t, errs.Is(err, errs.InvalidArgument))

			// Each rank holds half of the rows.
			shape := must.M1(c.LocalBlobGetStaticShape("r/y"))
			assert.Equal(t, []int{4, 4}, shape.Dimensions)
			assert.Equal(t, dtypes.Float32, must.M1(c.LocalBlobGetDataType("r/y")))
			assert.False(t, must.M1(c.LocalBlobIsDynamic("r/y")))
			axis, isSplit := must.M2(c.LocalBlobGetSplitAxisFromProducerView("r/y"))
			assert.True(t, isSplit)
			assert.Equal(t, 0, axis)
			assert.Equal(t, 2, must.M1(c.LocalBlobGetParallelDescFromProducerView("r/y")).NumDevices())

			_, err = c.GetStaticShape("r/y")
			assert.True(t, errs.Is(err, errs.NotFound), "local blobs are only reachable through the local accessors")

			// The global input got a local view.
			assert.Equal(t, []int{4, 4}, must.M1(c.LocalBlobGetStaticShape("x/out")).Dimensions)

			_, err = c.AddAndInferGlobalOp(unaryOp("g", "relu", "r/y"))
			assert.True(t, errs.Is(err, errs.InvalidArgument), "global ops can't consume local blobs")

			_, err = c.AddAndInferLocalOp(unaryOp("s", "tanh", "r/y"))
			require.NoError(t, err)
			require.NoError(t, c.AddLossLogicalBlobName("s/y"))
			assert.Len(t, c.Job().LossLbns(), len(tc.subOps))

			require.NoError(t, c.CheckJob())
			require.NoError(t, c.Complete(context.Background()))
			assert.Equal(t, tc.completed, c.Job().MaterializedOps())
		})
	}
}

func TestLocalOpInputs(t *testing.T) {
	c := newTestContext(t, conf.ModeLazy, nil, "0:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("x", "S(0)", 8, 4))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(&conf.OperatorConf{Name: "sum", OpType: "reduce_sum", Inputs: []conf.InputBinding{{Key: "x", Lbn: "x/out"}}})
	require.NoError(t, err)
	_, isSplit := must.M2(c.GetSplitAxisFromProducerView("sum/out"))
	assert.False(t, isSplit)

	_, err = c.AddAndInferLocalOp(unaryOp("l", "relu", "sum/out"))
	assert.True(t, errs.Is(err, errs.InvalidArgument), "partial-sum blobs can't be seen as local")

	oc := inputOp("wide", "", 4)
	oc.ParallelConf = &conf.ParallelConf{DeviceTag: "cpu", DeviceNames: []string{"0:0-2"}}
	_, err = c.AddAndInferGlobalOp(oc)
	require.NoError(t, err)
	_, err = c.AddAndInferLocalOp(unaryOp("l", "relu", "wide/out"))
	assert.True(t, errs.Is(err, errs.InvalidArgument), "different parallel num")

	_, err = c.LocalBlobGetStaticShape("wide/out")
	assert.True(t, errs.Is(err, errs.NotFound), "no local view was created")
}

type countingExecutor struct {
	executed []string
}

func (e *countingExecutor) Execute(_ context.Context, op *Operator) error {
	e.executed = append(e.executed, op.Name())
	return nil
}

func TestEagerCompleteAndRebuild(t *testing.T) {
	executor := &countingExecutor{}
	c := NewContext("eager", Options{Executor: executor})
	require.NoError(t, c.SetJobConf(&conf.JobConfig{
		Mode:                conf.ModeEager,
		DefaultParallelConf: &conf.ParallelConf{DeviceTag: "cpu", DeviceNames: []string{"0:0-1"}},
	}))
	_, err := c.AddAndInferGlobalOp(inputOp("x", "S(0)", 8, 4))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(unaryOp("r", "relu", "x/out"))
	require.NoError(t, err)
	relu := c.Job().Op("r")

	require.NoError(t, c.Complete(context.Background()))
	assert.Equal(t, []string{"x", "r"}, executor.executed)

	require.NoError(t, c.Rebuild())
	assert.Equal(t, Building, c.State())
	assert.Same(t, relu, c.Job().Op("r"), "operators keep their identity")
	assert.Equal(t, []int{8, 4}, must.M1(c.GetStaticShape("r/y")).Dimensions)

	_, err = c.AddAndInferGlobalOp(unaryOp("t", "tanh", "r/y"))
	require.NoError(t, err)
	require.NoError(t, c.Complete(context.Background()))
	assert.Equal(t, []string{"x", "r", "t"}, executor.executed, "executed operators don't run again")
	assert.Equal(t, []string{"x", "r", "t"}, c.Job().MaterializedOps())
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("placement scopes", func(t *testing.T) {
		c := NewContext("scoped", Options{})
		require.NoError(t, c.SetJobConf(&conf.JobConfig{Mode: conf.ModeLazy}))
		scope := must.M1(sbp.ParsePlacement("cpu", []string{"1:0-1"}, nil))
		require.NoError(t, c.PushPlacementScope(scope))
		_, err := c.AddAndInferGlobalOp(inputOp("scoped", "S(0)", 8, 4))
		require.NoError(t, err)
		_, err = c.AddAndInferLocalOp(unaryOp("l", "relu", "scoped/out"))
		require.NoError(t, err)
		require.NoError(t, c.PopPlacementScope())
		scoped := c.Job().Op("scoped")

		require.NoError(t, c.Complete(ctx))
		require.NoError(t, c.Rebuild())
		assert.Same(t, scoped, c.Job().Op("scoped"))
		assert.Same(t, scope, must.M1(c.GetParallelDescFromProducerView("scoped/out")))
		assert.Same(t, scope, c.Job().Op("l").Placement())
		assert.Equal(t, []string{"l-local0", "l-local1"}, c.Job().Op("l").SubOps())

		// Operators added after the rebuild see the scopes active now: none, and no job default.
		_, err = c.AddAndInferGlobalOp(inputOp("unscoped", "", 4))
		assert.True(t, errs.Is(err, errs.InvalidArgument))
	})

	t.Run("disable boxing", func(t *testing.T) {
		c := newTestContext(t, "", nil, "0:0-1")
		_, err := c.AddAndInferGlobalOp(inputOp("b", "", 8, 4))
		require.NoError(t, err)
		require.NoError(t, c.DisableBoxing("b/out"))
		_, err = c.AddAndInferGlobalOp(unaryOp("follows", "relu", "b/out"))
		require.NoError(t, err)

		require.NoError(t, c.Complete(ctx))
		require.NoError(t, c.Rebuild())
		assert.True(t, must.M1(c.IsDisableBoxing("b/out")))
		assert.False(t, must.M1(c.IsDisableBoxing("follows/y")))
		require.NoError(t, c.CheckJob())

		oc := unaryOp("pinned", "relu", "b/out")
		oc.SbpHints = map[string]string{"x_0": "S(0)"}
		_, err = c.AddAndInferGlobalOp(oc)
		assert.True(t, errs.Is(err, errs.PreconditionFailed))
	})

	t.Run("local ops and views", func(t *testing.T) {
		c := newTestContext(t, conf.ModeLazy, nil, "0:0-1")
		_, err := c.AddAndInferGlobalOp(inputOp("x", "S(0)", 8, 4))
		require.NoError(t, err)
		_, err = c.AddAndInferLocalOp(unaryOp("r", "relu", "x/out"))
		require.NoError(t, err)
		_, err = c.AddAndInferLocalOp(unaryOp("s", "tanh", "r/y"))
		require.NoError(t, err)
		require.NoError(t, c.AddLossLogicalBlobName("s/y"))
		require.NoError(t, c.Complete(ctx))
		materialized := c.Job().MaterializedOps()

		require.NoError(t, c.Rebuild())
		assert.Equal(t, 2, must.M1(c.LocalBlobGetNumSubLbi("r/y")))
		assert.Equal(t, "r-local1/y", must.M1(c.LocalBlobGetSubLbi("r/y", 1)).String())
		assert.Equal(t, "x-out-global_to_local-local1/out", must.M1(c.LocalBlobGetSubLbi("x/out", 1)).String())
		assert.Equal(t, []int{4, 4}, must.M1(c.LocalBlobGetStaticShape("x/out")).Dimensions)
		assert.Equal(t, []int{4, 4}, must.M1(c.GetStaticShape("r-local1/y")).Dimensions)
		assert.True(t, c.IsLocalBlob("s/y"))
		assert.Equal(t, []string{"s-local0/y", "s-local1/y"}, c.Job().LossLbns())
		require.NoError(t, c.CheckJob())

		require.NoError(t, c.Complete(ctx))
		assert.Equal(t, materialized, c.Job().MaterializedOps())
	})

	t.Run("failure leaves the job as it was", func(t *testing.T) {
		c := newTestContext(t, "", nil, "0:0-1")
		_, err := c.AddAndInferGlobalOp(inputOp("a", "", 8, 4))
		require.NoError(t, err)
		oc := unaryOp("split", "relu", "a/out")
		oc.SbpHints = map[string]string{"x_0": "S(0)"}
		_, err = c.AddAndInferGlobalOp(oc)
		require.NoError(t, err)
		// The consumer was inferred with boxing, which can't be chosen again once it is disabled.
		require.NoError(t, c.DisableBoxing("a/out"))
		require.NoError(t, c.Complete(ctx))

		split := c.Job().Op("split")
		signature := split.Signature()
		meta := c.Job().ValueMeta(LogicalBlobId{OpName: "split", BlobName: "y"})
		numMetas := c.Job().NumValueMetas()

		err = c.Rebuild()
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.PreconditionFailed), "got %v", err)
		assert.Equal(t, Completed, c.State())
		assert.Same(t, split, c.Job().Op("split"))
		assert.Same(t, signature, split.Signature())
		assert.Same(t, meta, c.Job().ValueMeta(LogicalBlobId{OpName: "split", BlobName: "y"}))
		assert.Equal(t, numMetas, c.Job().NumValueMetas())
		assert.True(t, must.M1(c.IsDisableBoxing("a/out")))
	})
}

func TestCheckJob(t *testing.T) {
	assert.True(t, errs.Is(NewContext("empty", Options{}).CheckJob(), errs.PreconditionFailed))

	c := newTestContext(t, "", nil, "0:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("a", "", 8, 4))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(inputOp("b", "", 8, 4))
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		oc := unaryOp(name+"_split", "relu", name+"/out")
		oc.SbpHints = map[string]string{"x_0": "S(0)"}
		attr, err := c.AddAndInferGlobalOp(oc)
		require.NoError(t, err)
		require.Len(t, attr.Boxing, 1)
	}
	require.NoError(t, c.CheckJob())
	require.NoError(t, c.CheckLbnValidAndExist("a_split/y"))
	assert.True(t, errs.Is(c.CheckLbnValidAndExist("a_split/z"), errs.NotFound))

	// Forbidding the boxing after the fact makes both consumers invalid.
	require.NoError(t, c.DisableBoxing("a/out"))
	require.NoError(t, c.DisableBoxing("b/out"))
	before := c.Job().NumValueMetas()
	err = c.CheckJob()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PreconditionFailed))
	assert.Contains(t, err.Error(), "2 problems")
	assert.Contains(t, err.Error(), "a_split")
	assert.Contains(t, err.Error(), "b_split")
	assert.Equal(t, before, c.Job().NumValueMetas())
}

func TestLossesAndNames(t *testing.T) {
	c := newTestContext(t, "", nil, "0:0-1")
	_, err := c.AddAndInferGlobalOp(inputOp("x", "", 8, 4))
	require.NoError(t, err)
	_, err = c.AddAndInferGlobalOp(unaryOp("r", "relu", "x/out"))
	require.NoError(t, err)

	require.NoError(t, c.AddLossLogicalBlobName("r/y"))
	require.NoError(t, c.AddLossLogicalBlobName("r/y"))
	assert.Equal(t, []string{"r/y"}, c.Job().LossLbns())
	assert.True(t, errs.Is(c.AddLossLogicalBlobName("r/z"), errs.NotFound))

	assert.Equal(t, "x/out", must.M1(c.GetOpBlobLbn("r", "x_0")))
	assert.Equal(t, "r/y", must.M1(c.GetOpBlobLbn("r", "y")))
	_, err = c.GetOpBlobLbn("r", "w")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = c.GetOpBlobLbn("q", "y")
	assert.True(t, errs.Is(err, errs.NotFound))

	name := c.NewUniqueOpNameByFunctionalOpConf(&conf.OperatorConf{OpType: "relu"})
	assert.Equal(t, "relu-0", name)
	assert.Equal(t, "r-1", c.NewUniqueOpNameByFunctionalOpConf(&conf.OperatorConf{Name: "r", OpType: "relu"}))

	assert.Contains(t, c.Job().String(), `"r" (relu)`)
}
