package globaltensor

import (
	"context"
	"testing"

	"github.com/gomlx/globaltensor/conf"
	"github.com/gomlx/globaltensor/types/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Current()
	assert.True(t, errs.Is(err, errs.InvalidState))
	assert.True(t, errs.Is(m.Close(), errs.InvalidState))
	_, err = m.Open("")
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	first := must.M1(m.Open("first"))
	assert.Equal(t, "first", must.M1(m.CurrentJobName()))
	_, err = m.Open("second")
	assert.True(t, errs.Is(err, errs.InvalidState), "only one job can be open")

	require.NoError(t, m.SetJobConfText(`mode: "lazy" default_parallel_conf { device_tag: "cpu" device_name: "0:0-1" }`))
	text, err := m.AddAndInferGlobalOpText(`
		name: "x" op_type: "input"
		attr { key: "shape" value { list_i: [8, 4] } }
		sbp_hint { bn: "out" nd_sbp: "S(0)" }`)
	require.NoError(t, err)
	attr := must.M1(conf.ParseOpAttribute(text))
	assert.Equal(t, "x", attr.OpName)
	require.Len(t, attr.Outputs, 1)
	assert.Equal(t, "(S(0))", attr.Outputs[0].NdSbp)
	assert.Equal(t, []int{8, 4}, attr.Outputs[0].Shape)

	text, err = m.AddAndInferLocalOpText(`name: "r" op_type: "relu" input { key: "x" lbn: "x/out" }`)
	require.NoError(t, err)
	attr = must.M1(conf.ParseOpAttribute(text))
	assert.Equal(t, []string{"r-local0", "r-local1"}, attr.LocalSubOps)

	structure := must.M1(conf.ParseJobStructureJSON([]byte(must.M1(m.GetJobStructureGraphJSON()))))
	assert.Equal(t, "first", structure.JobName)
	assert.Equal(t, "Lazy", structure.Mode)
	require.Len(t, structure.Ops, 2)
	assert.Equal(t, "x", structure.Ops[0].OpName)
	assert.Equal(t, []string{"0:0", "0:1"}, structure.Ops[0].ParallelConf.DeviceNames)
	assert.Equal(t, []string{"r-local0", "r-local1"}, structure.Ops[1].LocalSubOps)

	_, err = m.AddAndInferGlobalOpText(`name: `)
	assert.True(t, errs.Is(err, errs.ParseError))
	assert.True(t, errs.Is(m.SetJobConfText(`mode: 3`), errs.ParseError))

	require.NoError(t, m.Close())
	assert.Equal(t, Closed, first.State())
	_, err = m.GetJobStructureGraphJSON()
	assert.True(t, errs.Is(err, errs.InvalidState))
	_, err = first.AddAndInferGlobalOp(inputOp("late", "", 4))
	assert.True(t, errs.Is(err, errs.InvalidState))

	_, err = m.Open("first")
	assert.True(t, errs.Is(err, errs.AlreadyExists))
	must.M1(m.Open("second"))
	require.NoError(t, m.Close())

	assert.Equal(t, []string{"first", "second"}, m.JobNames())
	assert.Same(t, first, must.M1(m.Get("first")))
	_, err = m.Get("third")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestBuildJob(t *testing.T) {
	def := must.M1(conf.ParseJobDefinition(`
		job_conf {
			job_name: "mlp"
			train: true
			default_parallel_conf { device_tag: "cpu" device_name: "0:0-1" }
		}
		step { op { name: "x" op_type: "input" attr { key: "shape" value { list_i: [8, 4] } } sbp_hint { bn: "out" nd_sbp: "S(0)" } } }
		step { op { name: "w" op_type: "variable" attr { key: "shape" value { list_i: [4, 3] } } } }
		step { op { name: "dense" op_type: "matmul" input { key: "a" lbn: "x/out" } input { key: "b" lbn: "w/out" } } }
		step { op { name: "act" op_type: "relu" input { key: "x" lbn: "dense/out" } } local: true }
		loss_lbn: "act/y"`))

	m := NewManager(Options{})
	c, err := m.BuildJob(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, []string{"x", "w", "dense", "act-local0", "act-local1"}, c.Job().MaterializedOps())
	assert.Equal(t, []string{"act-local0/y", "act-local1/y"}, c.Job().LossLbns())
	assert.Equal(t, []int{8, 3}, must.M1(c.GetStaticShape("dense/out")).Dimensions)
	assert.Equal(t, []int{4, 3}, must.M1(c.LocalBlobGetStaticShape("act/y")).Dimensions)
	_, err = m.Current()
	assert.True(t, errs.Is(err, errs.InvalidState), "BuildJob closes the job")

	t.Run("failing step", func(t *testing.T) {
		bad := must.M1(conf.ParseJobDefinition(`
			job_conf { job_name: "bad" default_parallel_conf { device_tag: "cpu" device_name: "0:0" } }
			step { op { name: "r" op_type: "relu" input { key: "x" lbn: "nowhere/out" } } }`))
		c, err := m.BuildJob(context.Background(), bad)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.NotFound))
		assert.Contains(t, err.Error(), "step #0")
		assert.Equal(t, Closed, c.State())
		assert.Empty(t, c.Job().Ops())
	})

	t.Run("missing conf", func(t *testing.T) {
		_, err := m.BuildJob(context.Background(), &conf.JobDefinition{})
		assert.True(t, errs.Is(err, errs.InvalidArgument))
	})
}
